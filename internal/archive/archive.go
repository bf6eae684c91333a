// Package archive packs finished recordings into zstd compressed tarballs
// and uploads them to S3 compatible object storage.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/kwikrec/internal/config"
)

// Pack writes recording number recording of every container in paths to w
// as a zstd compressed tar. Only the recordings/<recording> group of each
// container is kept, and jsonl row files are cut down to that recording's
// rows. Entries are named relative to the directory holding each container.
func Pack(fsys afero.Fs, w io.Writer, paths []string, recording int) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, root := range paths {
		if err := addRecording(fsys, tw, root, recording); err != nil {
			zw.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("failed to close tar: %w", err)
	}
	return zw.Close()
}

func addRecording(fsys afero.Fs, tw *tar.Writer, root string, recording int) error {
	base := filepath.Dir(root)
	group := path.Join("recordings", strconv.Itoa(recording))
	return afero.Walk(fsys, root, func(p string, fi fs.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}

		inner, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		inner = filepath.ToSlash(inner)
		if strings.HasPrefix(inner, "recordings/") && inner != group && !strings.HasPrefix(inner, group+"/") {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return fmt.Errorf("failed to build header for %s: %w", p, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if !fi.Mode().IsRegular() {
			return writeHeader(tw, hdr, p)
		}

		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		if path.Ext(p) != ".jsonl" {
			if err := writeHeader(tw, hdr, p); err != nil {
				return err
			}
			if _, err := io.Copy(tw, f); err != nil {
				return fmt.Errorf("failed to archive %s: %w", p, err)
			}
			return nil
		}

		rows, err := filterRows(f, recording)
		if err != nil {
			return fmt.Errorf("failed to filter %s: %w", p, err)
		}
		hdr.Size = int64(len(rows))
		if err := writeHeader(tw, hdr, p); err != nil {
			return err
		}
		if _, err := tw.Write(rows); err != nil {
			return fmt.Errorf("failed to archive %s: %w", p, err)
		}
		return nil
	})
}

func writeHeader(tw *tar.Writer, hdr *tar.Header, p string) error {
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", p, err)
	}
	return nil
}

// filterRows keeps the jsonl rows of r that belong to recording.
func filterRows(r io.Reader, recording int) ([]byte, error) {
	var out bytes.Buffer
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var row struct {
				Recording int `json:"recording"`
			}
			if uerr := json.Unmarshal(line, &row); uerr != nil {
				return nil, uerr
			}
			if row.Recording == recording {
				out.Write(line)
			}
		}
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ObjectKey names the archive of one recording
func ObjectKey(prefix string, experiment, recording int) string {
	name := fmt.Sprintf("experiment%d/recording%d.tar.zst", experiment, recording)
	return path.Join(strings.Trim(prefix, "/"), name)
}

// Uploader streams recording archives to a bucket
type Uploader struct {
	client *minio.Client
	fs     afero.Fs
	bucket string
	prefix string
}

// NewUploader connects a client for cfg. Nothing is sent until
// EnsureBucket or Upload is called.
func NewUploader(cfg config.ArchiveConfig, fsys afero.Fs) (*Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("archive endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage client: %w", err)
	}

	return &Uploader{client: client, fs: fsys, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	slog.Info("Creating archive bucket", "bucket", u.bucket)
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Upload packs paths and streams the archive to the bucket under the key of
// the recording. Packing and uploading run concurrently over a pipe.
func (u *Uploader) Upload(ctx context.Context, experiment, recording int, paths []string) (minio.UploadInfo, error) {
	key := ObjectKey(u.prefix, experiment, recording)
	pr, pw := io.Pipe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := Pack(u.fs, pw, paths, recording)
		pw.CloseWithError(err)
		return err
	})

	var info minio.UploadInfo
	g.Go(func() error {
		var err error
		info, err = u.client.PutObject(gctx, u.bucket, key, pr, -1, minio.PutObjectOptions{
			ContentType: "application/zstd",
			UserMetadata: map[string]string{
				"experiment": fmt.Sprint(experiment),
				"recording":  fmt.Sprint(recording),
			},
		})
		pr.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	slog.Info("Recording archived", "bucket", u.bucket, "key", key, "size", info.Size)
	return info, nil
}
