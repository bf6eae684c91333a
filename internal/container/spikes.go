package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// SpikeRow is one stored spike waveform.
type SpikeRow struct {
	TimeSamples int64    `json:"time_samples"`
	Recording   int      `json:"recording"`
	Samples     int      `json:"n_samples"`
	Waveform    []uint16 `json:"waveform"`
}

// Spikes is the experiment-wide spike container. Each channel group holds
// the waveforms of one electrode, channel-major: Waveform has
// channels*Samples entries.
type Spikes struct {
	fs     afero.Fs
	path   string
	groups []int

	open      bool
	recording int
	active    bool
	files     []afero.File
}

func NewSpikes(fs afero.Fs) *Spikes {
	return &Spikes{fs: fs}
}

// AddChannelGroup registers an electrode with the given channel count and
// returns its group index.
func (s *Spikes) AddChannelGroup(channels int) int {
	s.groups = append(s.groups, channels)
	return len(s.groups) - 1
}

// ResetChannels drops every channel group.
func (s *Spikes) ResetChannels() {
	s.groups = nil
}

func (s *Spikes) Groups() []int {
	return append([]int(nil), s.groups...)
}

func (s *Spikes) Init(base string) {
	s.path = SpikesPath(base)
}

func (s *Spikes) Path() string { return s.path }

func (s *Spikes) IsOpen() bool { return s.open }

func (s *Spikes) Open() error {
	if s.open {
		return nil
	}
	if s.path == "" {
		return fmt.Errorf("open spikes container: no base path")
	}
	if err := s.fs.MkdirAll(filepath.Join(s.path, "channel_groups"), dirPerm); err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	s.open = true
	return nil
}

func (s *Spikes) StartRecording(recording int) error {
	if !s.open {
		return fmt.Errorf("start recording %d in %s: %w", recording, s.path, ErrNotOpen)
	}
	if s.active {
		return fmt.Errorf("start recording %d in %s: recording %d still active", recording, s.path, s.recording)
	}

	files := make([]afero.File, 0, len(s.groups))
	for g := range s.groups {
		dir := filepath.Join(s.path, "channel_groups", strconv.Itoa(g))
		f, err := s.openGroup(dir)
		if err != nil {
			for _, opened := range files {
				err = multierr.Append(err, opened.Close())
			}
			return err
		}
		files = append(files, f)
	}

	s.files = files
	s.recording = recording
	s.active = true
	return nil
}

func (s *Spikes) openGroup(dir string) (afero.File, error) {
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	name := filepath.Join(dir, "spikes.jsonl")
	f, err := s.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// WriteSpike appends one waveform to channel group group.
func (s *Spikes) WriteSpike(group, samples int, data []uint16, timestamp int64) error {
	if !s.open {
		return ErrNotOpen
	}
	if !s.active {
		return ErrNotRecording
	}
	if group < 0 || group >= len(s.files) {
		return fmt.Errorf("unknown channel group %d", group)
	}
	if want := s.groups[group] * samples; len(data) != want {
		return fmt.Errorf("channel group %d: waveform has %d values, want %d (%d channels x %d samples)",
			group, len(data), want, s.groups[group], samples)
	}
	return appendRow(s.files[group], SpikeRow{
		TimeSamples: timestamp,
		Recording:   s.recording,
		Samples:     samples,
		Waveform:    data,
	})
}

func (s *Spikes) StopRecording() error {
	if !s.active {
		return nil
	}
	var err error
	for _, f := range s.files {
		err = multierr.Append(err, f.Close())
	}
	s.files = nil
	s.active = false
	return err
}

func (s *Spikes) Close() error {
	if !s.open {
		return nil
	}
	err := s.StopRecording()
	s.open = false
	return err
}

// ReadSpikes returns every waveform stored in channel group group.
func ReadSpikes(fs afero.Fs, root string, group int) ([]SpikeRow, error) {
	var rows []SpikeRow
	name := filepath.Join(root, "channel_groups", strconv.Itoa(group), "spikes.jsonl")
	err := readRows(fs, name, func(line []byte) error {
		var row SpikeRow
		if err := json.Unmarshal(line, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}
