package container

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// DataType is the payload type of an event kind.
type DataType string

const (
	U8  DataType = "u8"
	STR DataType = "str"
)

// EventType describes one event stream of an events container.
type EventType struct {
	Name    string
	Type    DataType
	Dataset string
}

// EventRow is one stored event.
type EventRow struct {
	TimeSamples int64   `json:"time_samples"`
	Recording   int     `json:"recording"`
	EventID     uint8   `json:"eventID"`
	NodeID      uint8   `json:"nodeID"`
	Dataset     string  `json:"dataset"`
	Value       *uint8  `json:"value,omitempty"`
	Text        *string `json:"text,omitempty"`
}

// Events is the experiment-wide events container. Event types are
// registered once per acquisition; rows from every recording append to the
// same per-type stream and carry their recording number.
type Events struct {
	fs    afero.Fs
	path  string
	types []EventType

	open      bool
	recording int
	active    bool
	files     []afero.File
}

func NewEvents(fs afero.Fs) *Events {
	return &Events{fs: fs}
}

// AddEventType registers an event stream and returns its type index.
func (e *Events) AddEventType(name string, dtype DataType, dataset string) int {
	e.types = append(e.types, EventType{Name: name, Type: dtype, Dataset: dataset})
	return len(e.types) - 1
}

func (e *Events) Types() []EventType {
	return append([]EventType(nil), e.types...)
}

// Init binds the container to the experiment base path.
func (e *Events) Init(base string) {
	e.path = EventsPath(base)
}

func (e *Events) Path() string { return e.path }

func (e *Events) IsOpen() bool { return e.open }

func (e *Events) Open() error {
	if e.open {
		return nil
	}
	if e.path == "" {
		return fmt.Errorf("open events container: no base path")
	}
	for _, t := range e.types {
		if err := e.fs.MkdirAll(filepath.Join(e.path, "event_types", t.Name), dirPerm); err != nil {
			return fmt.Errorf("open %s: %w", e.path, err)
		}
	}
	e.open = true
	return nil
}

func (e *Events) StartRecording(recording int, info RecordingInfo) error {
	if !e.open {
		return fmt.Errorf("start recording %d in %s: %w", recording, e.path, ErrNotOpen)
	}
	if e.active {
		return fmt.Errorf("start recording %d in %s: recording %d still active", recording, e.path, e.recording)
	}
	if _, err := createRecordingGroup(e.fs, e.path, recording, info); err != nil {
		return err
	}

	files := make([]afero.File, 0, len(e.types))
	for _, t := range e.types {
		name := filepath.Join(e.path, "event_types", t.Name, "events.jsonl")
		f, err := e.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
		if err != nil {
			err = fmt.Errorf("open %s: %w", name, err)
			for _, opened := range files {
				err = multierr.Append(err, opened.Close())
			}
			return err
		}
		files = append(files, f)
	}

	e.files = files
	e.recording = recording
	e.active = true
	return nil
}

// WriteEvent appends one event of type typ.
func (e *Events) WriteEvent(typ int, eventID, nodeID uint8, data []byte, timestamp int64) error {
	if !e.open {
		return ErrNotOpen
	}
	if !e.active {
		return ErrNotRecording
	}
	if typ < 0 || typ >= len(e.types) {
		return fmt.Errorf("unknown event type %d", typ)
	}

	t := e.types[typ]
	row := EventRow{
		TimeSamples: timestamp,
		Recording:   e.recording,
		EventID:     eventID,
		NodeID:      nodeID,
		Dataset:     t.Dataset,
	}
	switch t.Type {
	case U8:
		if len(data) < 1 {
			return fmt.Errorf("%s event without payload", t.Name)
		}
		v := data[0]
		row.Value = &v
	case STR:
		s := string(data)
		row.Text = &s
	}
	return appendRow(e.files[typ], row)
}

func (e *Events) StopRecording() error {
	if !e.active {
		return nil
	}
	var err error
	for _, f := range e.files {
		err = multierr.Append(err, f.Close())
	}
	e.files = nil
	e.active = false
	return err
}

func (e *Events) Close() error {
	if !e.open {
		return nil
	}
	err := e.StopRecording()
	e.open = false
	return err
}

// ReadEvents returns every row stored for the named event type.
func ReadEvents(fs afero.Fs, root, typeName string) ([]EventRow, error) {
	var rows []EventRow
	err := readRows(fs, filepath.Join(root, "event_types", typeName, "events.jsonl"), func(line []byte) error {
		var row EventRow
		if err := json.Unmarshal(line, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

func appendRow(f afero.File, row any) error {
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", f.Name(), err)
	}
	return nil
}

func readRows(fs afero.Fs, name string, fn func([]byte) error) error {
	f, err := fs.Open(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return sc.Err()
}
