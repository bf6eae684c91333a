package service

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

// ContainerInfo describes one container found in the output directory
type ContainerInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Kind         string    `json:"kind"`
	Recordings   int       `json:"recordings"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
}

var containerKinds = []struct {
	suffix string
	kind   string
}{
	{".raw.kwd", "continuous"},
	{".kwe", "events"},
	{".kwx", "spikes"},
}

func containerKind(name string) string {
	for _, k := range containerKinds {
		if strings.HasSuffix(name, k.suffix) {
			return k.kind
		}
	}
	return ""
}

// ListContainers returns every container in the output directory, newest first
func (s *KwikService) ListContainers() ([]ContainerInfo, error) {
	return ListContainers(s.fs, s.GetConfig().Output.Directory)
}

// ListContainers walks dir for containers and sums their sizes.
func ListContainers(fsys afero.Fs, dir string) ([]ContainerInfo, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var containers []ContainerInfo
	for _, entry := range entries {
		kind := containerKind(entry.Name())
		if !entry.IsDir() || kind == "" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		info := ContainerInfo{
			Name:    entry.Name(),
			Path:    path,
			Kind:    kind,
			ModTime: entry.ModTime(),
		}

		err := afero.Walk(fsys, path, func(p string, fi fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				info.Size += fi.Size()
			}
			if fi.ModTime().After(info.ModTime) {
				info.ModTime = fi.ModTime()
			}
			return nil
		})
		if err != nil {
			slog.Warn("Failed to walk container", "container", path, "error", err)
			continue
		}

		if recs, err := afero.ReadDir(fsys, filepath.Join(path, "recordings")); err == nil {
			info.Recordings = len(recs)
		}
		info.SizeHuman = humanize.Bytes(uint64(info.Size))
		info.ModTimeHuman = humanize.Time(info.ModTime)

		containers = append(containers, info)
	}

	sort.Slice(containers, func(i, j int) bool {
		if !containers[i].ModTime.Equal(containers[j].ModTime) {
			return containers[i].ModTime.After(containers[j].ModTime)
		}
		return containers[i].Name < containers[j].Name
	})

	return containers, nil
}
