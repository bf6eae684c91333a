// Package container implements the on-disk hierarchy the recording engine
// writes into: one continuous-data container per source (.raw.kwd), one
// events container (.kwe) and one spikes container (.kwx) per experiment.
//
// A container is a directory tree on an afero.Fs. Every recording session
// adds a recordings/<n> group; a group that already exists is never
// overwritten.
package container

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotOpen is returned by operations that need an open container.
	ErrNotOpen = errors.New("container is not open")
	// ErrNotRecording is returned by writes outside StartRecording/StopRecording.
	ErrNotRecording = errors.New("container has no active recording")
	// ErrRecordingExists is returned when a recording group is already on disk.
	ErrRecordingExists = errors.New("recording group already exists")
	// ErrSampleRate is returned for a rate a WAV stream cannot carry.
	ErrSampleRate = errors.New("sample rate must be a whole number of Hz >= 1")
)

// CheckSampleRate rejects rates below 1 Hz and fractional rates. Channel
// streams store the rate as an integer header field.
func CheckSampleRate(rate float32) error {
	if rate < 1 || rate > math.MaxInt32 || float64(rate) != math.Trunc(float64(rate)) {
		return fmt.Errorf("%g Hz: %w", rate, ErrSampleRate)
	}
	return nil
}

const (
	infoFile = "info.yaml"
	dirPerm  = 0o755
	filePerm = 0o644
)

// RecordingInfo is the metadata stored with every recording group.
type RecordingInfo struct {
	Name               string    `yaml:"name"`
	StartTime          int64     `yaml:"start_time"`
	StartSample        int64     `yaml:"start_sample"`
	SampleRate         float32   `yaml:"sample_rate"`
	BitDepth           int       `yaml:"bit_depth"`
	MultiSample        bool      `yaml:"is_multiSampleRate_data"`
	BitVolts           []float32 `yaml:"channel_bit_volts,omitempty"`
	ChannelSampleRates []float32 `yaml:"channel_sample_rates,omitempty"`
}

// ContinuousPath returns the container path for a source's continuous data.
func ContinuousPath(base string, nodeID int) string {
	return base + "_" + strconv.Itoa(nodeID) + ".raw.kwd"
}

// EventsPath returns the container path for the experiment's events.
func EventsPath(base string) string {
	return base + ".kwe"
}

// SpikesPath returns the container path for the experiment's spikes.
func SpikesPath(base string) string {
	return base + ".kwx"
}

func recordingDir(root string, recording int) string {
	return filepath.Join(root, "recordings", strconv.Itoa(recording))
}

// createRecordingGroup creates recordings/<n> under root and writes its
// info.yaml. It refuses to reuse an existing group.
func createRecordingGroup(fs afero.Fs, root string, recording int, info RecordingInfo) (string, error) {
	dir := recordingDir(root, recording)
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", dir, err)
	}
	if exists {
		return "", fmt.Errorf("%s: %w", dir, ErrRecordingExists)
	}
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create recording group %s: %w", dir, err)
	}

	out, err := yaml.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal recording info: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, infoFile), out, filePerm); err != nil {
		return "", fmt.Errorf("write recording info: %w", err)
	}
	return dir, nil
}

// ReadRecordingInfo loads the metadata of recording n from a container.
func ReadRecordingInfo(fs afero.Fs, root string, recording int) (RecordingInfo, error) {
	var info RecordingInfo
	data, err := afero.ReadFile(fs, filepath.Join(recordingDir(root, recording), infoFile))
	if err != nil {
		return info, fmt.Errorf("read recording info: %w", err)
	}
	if err := yaml.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode recording info: %w", err)
	}
	return info, nil
}

// RecordingExists reports whether recording n is already on disk in the
// container at root.
func RecordingExists(fs afero.Fs, root string, recording int) bool {
	ok, err := afero.DirExists(fs, recordingDir(root, recording))
	return err == nil && ok
}
