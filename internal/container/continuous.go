package container

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const (
	wavPCM      = 1
	wavBitDepth = 16
)

// Continuous is the per-source container for continuous channels. Each
// channel of a recording is stored as a mono 16-bit WAV stream at the
// channel's own sample rate, next to a stream of little-endian int64
// timestamp markers.
type Continuous struct {
	fs     afero.Fs
	path   string
	nodeID int

	open      bool
	channels  int
	recording int
	active    bool

	writers []*channelWriter
}

type channelWriter struct {
	data   afero.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	ts     afero.File
	tsBuf  []byte
	frames int
}

// NewContinuous binds a continuous container for node nodeID under base.
// Nothing touches the filesystem until Open.
func NewContinuous(fs afero.Fs, base string, nodeID int) *Continuous {
	return &Continuous{
		fs:     fs,
		path:   ContinuousPath(base, nodeID),
		nodeID: nodeID,
	}
}

func (c *Continuous) Path() string { return c.path }

func (c *Continuous) NodeID() int { return c.nodeID }

func (c *Continuous) IsOpen() bool { return c.open }

// Channels returns the channel count the container was opened with.
func (c *Continuous) Channels() int { return c.channels }

// Recording reports the active recording number, if any.
func (c *Continuous) Recording() (int, bool) { return c.recording, c.active }

// Open creates the container directory if needed and fixes its channel count.
func (c *Continuous) Open(channels int) error {
	if c.open {
		return nil
	}
	if channels < 1 {
		return fmt.Errorf("open %s: channel count must be > 0, got %d", c.path, channels)
	}
	if err := c.fs.MkdirAll(c.path, dirPerm); err != nil {
		return fmt.Errorf("open %s: %w", c.path, err)
	}
	c.channels = channels
	c.open = true
	return nil
}

// StartRecording creates recordings/<n> with its metadata and one data and
// timestamp stream per channel.
func (c *Continuous) StartRecording(recording int, info RecordingInfo) error {
	if !c.open {
		return fmt.Errorf("start recording %d in %s: %w", recording, c.path, ErrNotOpen)
	}
	if c.active {
		return fmt.Errorf("start recording %d in %s: recording %d still active", recording, c.path, c.recording)
	}
	if n := len(info.ChannelSampleRates); n != 0 && n != c.channels {
		return fmt.Errorf("start recording %d in %s: %d channel sample rates for %d channels", recording, c.path, n, c.channels)
	}

	rates := make([]float32, c.channels)
	for ch := range rates {
		rates[ch] = info.SampleRate
		if len(info.ChannelSampleRates) > 0 {
			rates[ch] = info.ChannelSampleRates[ch]
		}
		if err := CheckSampleRate(rates[ch]); err != nil {
			return fmt.Errorf("start recording %d in %s: channel %d: %w", recording, c.path, ch, err)
		}
	}

	dir, err := createRecordingGroup(c.fs, c.path, recording, info)
	if err != nil {
		return err
	}
	for _, sub := range []string{"data", "timestamps"} {
		if err := c.fs.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return fmt.Errorf("create %s group: %w", sub, err)
		}
	}

	writers := make([]*channelWriter, 0, c.channels)
	for ch := 0; ch < c.channels; ch++ {
		w, err := c.newChannelWriter(dir, ch, rates[ch])
		if err != nil {
			for _, opened := range writers {
				_ = opened.close()
			}
			return err
		}
		writers = append(writers, w)
	}

	c.writers = writers
	c.recording = recording
	c.active = true
	return nil
}

func (c *Continuous) newChannelWriter(dir string, ch int, rate float32) (*channelWriter, error) {
	if err := CheckSampleRate(rate); err != nil {
		return nil, fmt.Errorf("channel %d: %w", ch, err)
	}
	data, err := c.fs.Create(filepath.Join(dir, "data", channelFile(ch, ".wav")))
	if err != nil {
		return nil, fmt.Errorf("create channel %d data: %w", ch, err)
	}
	ts, err := c.fs.Create(filepath.Join(dir, "timestamps", channelFile(ch, ".ts")))
	if err != nil {
		_ = data.Close()
		return nil, fmt.Errorf("create channel %d timestamps: %w", ch, err)
	}
	return &channelWriter{
		data: data,
		enc:  wav.NewEncoder(data, int(rate), wavBitDepth, 1, wavPCM),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: int(rate)},
			SourceBitDepth: wavBitDepth,
		},
		ts: ts,
	}, nil
}

// WriteSamples appends samples to the data stream of channel position.
func (c *Continuous) WriteSamples(position int, samples []int16) error {
	w, err := c.writer(position)
	if err != nil {
		return err
	}
	w.buf.Data = w.buf.Data[:0]
	for _, s := range samples {
		w.buf.Data = append(w.buf.Data, int(s))
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("write channel %d samples: %w", position, err)
	}
	w.frames += len(samples)
	return nil
}

// WriteTimestamps appends timestamp markers for channel position.
func (c *Continuous) WriteTimestamps(position int, stamps []int64) error {
	w, err := c.writer(position)
	if err != nil {
		return err
	}
	need := len(stamps) * 8
	if cap(w.tsBuf) < need {
		w.tsBuf = make([]byte, need)
	}
	w.tsBuf = w.tsBuf[:need]
	for i, ts := range stamps {
		binary.LittleEndian.PutUint64(w.tsBuf[i*8:], uint64(ts))
	}
	if _, err := w.ts.Write(w.tsBuf); err != nil {
		return fmt.Errorf("write channel %d timestamps: %w", position, err)
	}
	return nil
}

func (c *Continuous) writer(position int) (*channelWriter, error) {
	if !c.open {
		return nil, ErrNotOpen
	}
	if !c.active {
		return nil, ErrNotRecording
	}
	if position < 0 || position >= len(c.writers) {
		return nil, fmt.Errorf("channel position %d out of range [0,%d)", position, len(c.writers))
	}
	return c.writers[position], nil
}

// StopRecording finalizes every channel stream of the active recording.
func (c *Continuous) StopRecording() error {
	if !c.active {
		return nil
	}
	var err error
	for _, w := range c.writers {
		err = multierr.Append(err, w.close())
	}
	c.writers = nil
	c.active = false
	if err != nil {
		return fmt.Errorf("stop recording %d in %s: %w", c.recording, c.path, err)
	}
	return nil
}

// Close stops any active recording and marks the container closed.
func (c *Continuous) Close() error {
	if !c.open {
		return nil
	}
	err := c.StopRecording()
	c.open = false
	c.channels = 0
	return err
}

func (w *channelWriter) close() error {
	var err error
	if w.frames == 0 {
		// the encoder only emits its header on the first write
		err = multierr.Append(err, w.enc.Write(w.buf))
	}
	err = multierr.Append(err, w.enc.Close())
	err = multierr.Append(err, w.data.Close())
	err = multierr.Append(err, w.ts.Close())
	return err
}

func channelFile(ch int, ext string) string {
	return fmt.Sprintf("ch%03d%s", ch, ext)
}
