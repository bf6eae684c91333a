package container

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// ReadChannel decodes the samples of channel position in recording n of the
// continuous container at root. It returns the samples and their rate.
func ReadChannel(fs afero.Fs, root string, recording, position int) ([]int16, int, error) {
	name := filepath.Join(recordingDir(root, recording), "data", channelFile(position, ".wav"))
	f, err := fs.Open(name)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid wav stream", name)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", name, err)
	}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return out, int(dec.SampleRate), nil
}

// ReadTimestamps returns the timestamp markers of channel position in
// recording n of the continuous container at root.
func ReadTimestamps(fs afero.Fs, root string, recording, position int) ([]int64, error) {
	name := filepath.Join(recordingDir(root, recording), "timestamps", channelFile(position, ".ts"))
	raw, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%s: truncated timestamp stream (%d bytes)", name, len(raw))
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out, nil
}
