package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

var (
	chunksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cotrain",
		Subsystem: "upload",
		Name:      "chunks_total",
		Help:      "Number of dataset chunks uploaded",
	})
	bytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cotrain",
		Subsystem: "upload",
		Name:      "bytes_total",
		Help:      "Number of bytes uploaded, including manifests",
	})
)

const (
	// DefaultMaxChunkBytes bounds a single chunk's payload. The object store
	// rejects larger puts.
	DefaultMaxChunkBytes = 50 * 1024

	defaultPresignTTL = 24 * time.Hour

	// maxLineBytes bounds a single dataset line. A line that does not fit in
	// a chunk by itself still must be readable in one piece.
	maxLineBytes = 4 * 1024 * 1024
)

// Uploader splits large tabular datasets into size-bounded, content-addressed
// chunks and publishes a manifest describing how to reassemble them.
type Uploader struct {
	store      ObjectStore
	bucket     string
	presignTTL time.Duration
	onProgress func(string)
}

type UploaderOption func(*Uploader)

// WithProgress installs a callback invoked with human-readable progress
// messages during an upload.
func WithProgress(fn func(string)) UploaderOption {
	return func(u *Uploader) { u.onProgress = fn }
}

func WithPresignTTL(ttl time.Duration) UploaderOption {
	return func(u *Uploader) { u.presignTTL = ttl }
}

func NewUploader(store ObjectStore, bucket string, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store:      store,
		bucket:     bucket,
		presignTTL: defaultPresignTTL,
		onProgress: func(string) {},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadDataset reads src as a sequence of text lines, the first being a
// mandatory header, and uploads it in chunks of at most maxChunkBytes. Every
// chunk is prefixed with the header line so it stays independently parseable.
// It returns the reference of the uploaded manifest and the number of data
// chunks (the manifest itself is not counted).
//
// Partially uploaded chunks are not rolled back on failure: keys are content
// addresses, so a re-run re-puts the same objects.
func (u *Uploader) UploadDataset(ctx context.Context, src io.Reader, maxChunkBytes int) (string, int, error) {
	logger := logging.FromContext(ctx).Named("upload")

	if err := u.store.CreateBucket(ctx, u.bucket); err != nil {
		return "", 0, fmt.Errorf("creating bucket %q: %w", u.bucket, err)
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", 0, fmt.Errorf("reading header: %w", err)
		}
		return "", 0, types.ErrEmptySource
	}
	header := scanner.Text() + "\n"
	if strings.TrimSpace(header) == "" {
		return "", 0, types.ErrEmptySource
	}

	var (
		chunkRefs []string
		buf       strings.Builder
		chunkIdx  int
	)

	seal := func() error {
		chunkIdx++
		u.onProgress(fmt.Sprintf("Uploading chunk %d...", chunkIdx))
		ref, err := u.putString(ctx, header+buf.String())
		if err != nil {
			return fmt.Errorf("uploading chunk %d: %w", chunkIdx, err)
		}
		logger.Debug("chunk uploaded", zap.Int("index", chunkIdx-1), zap.Int("bytes", buf.Len()))
		chunkRefs = append(chunkRefs, ref)
		chunksUploaded.Inc()
		buf.Reset()
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if buf.Len()+len(line) > maxChunkBytes && buf.Len() > 0 {
			if err := seal(); err != nil {
				return "", 0, err
			}
		}
		buf.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("reading source: %w", err)
	}

	// Flush the remainder. A headers-only dataset still produces one chunk.
	if buf.Len() > 0 || len(chunkRefs) == 0 {
		if err := seal(); err != nil {
			return "", 0, err
		}
	}

	u.onProgress("Uploading manifest...")
	manifestRef, err := u.putString(ctx, strings.Join(chunkRefs, ","))
	if err != nil {
		return "", 0, fmt.Errorf("uploading manifest: %w", err)
	}

	logger.Info("dataset uploaded",
		zap.Int("chunks", len(chunkRefs)),
		zap.String("manifest", manifestRef),
	)
	u.onProgress("Dataset uploaded successfully.")
	return manifestRef, len(chunkRefs), nil
}

// UploadFile uploads a single object (e.g. the model program) under its
// content address and returns its access reference.
func (u *Uploader) UploadFile(ctx context.Context, src io.Reader) (string, error) {
	if err := u.store.CreateBucket(ctx, u.bucket); err != nil {
		return "", fmt.Errorf("creating bucket %q: %w", u.bucket, err)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return u.putBytes(ctx, body)
}

func (u *Uploader) putString(ctx context.Context, content string) (string, error) {
	return u.putBytes(ctx, []byte(content))
}

func (u *Uploader) putBytes(ctx context.Context, body []byte) (string, error) {
	key := ContentAddress(body)
	if err := u.store.PutObject(ctx, u.bucket, key, body); err != nil {
		return "", err
	}
	bytesUploaded.Add(float64(len(body)))
	url, err := u.store.PresignedGetURL(ctx, u.bucket, key, u.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return url, nil
}
