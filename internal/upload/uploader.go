package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sifapp/sifd/internal/blob"
	"github.com/sifapp/sifd/internal/message"
)

const (
	// DefaultChunkThreshold is the attachment size at which uploads
	// switch from single-shot to chunked (5 MiB).
	DefaultChunkThreshold = 5 << 20

	// DefaultChunkSize is the fixed chunk size for chunked uploads (1 MiB).
	DefaultChunkSize = 1 << 20

	// DefaultChunkTimeout bounds each chunk write
	DefaultChunkTimeout = 2 * time.Minute
)

// ProgressFunc receives fractional upload progress in [0.0, 1.0]
type ProgressFunc func(fraction float64)

// Config contains uploader settings
type Config struct {
	ChunkThreshold int64
	ChunkSize      int64
	ChunkTimeout   time.Duration
}

// Uploader writes attachments to a blob sink. Small payloads go up in one
// shot; payloads at or above the chunk threshold are split into fixed-size
// chunks uploaded sequentially, finished by a manifest. Progress is
// reported after each chunk and is monotonically non-decreasing; it
// reaches exactly 1.0 only on full success.
type Uploader struct {
	sink           blob.Sink
	chunkThreshold int64
	chunkSize      int64
	chunkTimeout   time.Duration
	logger         *slog.Logger
}

// New creates an uploader over the given sink
func New(sink blob.Sink, cfg Config, logger *slog.Logger) *Uploader {
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = DefaultChunkThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}

	return &Uploader{
		sink:           sink,
		chunkThreshold: cfg.ChunkThreshold,
		chunkSize:      cfg.ChunkSize,
		chunkTimeout:   cfg.ChunkTimeout,
		logger:         logger,
	}
}

// Upload stores the attachment and returns its locator. Cancellation is
// cooperative: the context is checked before each chunk, never mid-write.
// On cancellation the error is message.ErrUploadCancelled; already-written
// chunks are left orphaned for later garbage collection.
func (u *Uploader) Upload(ctx context.Context, att *message.Attachment, progress ProgressFunc) (blob.Locator, error) {
	if progress == nil {
		progress = func(float64) {}
	}

	file, err := os.Open(att.LocalPath)
	if err != nil {
		return "", &message.DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("attachment unreadable: %v", err),
		}
	}
	defer file.Close()

	if att.Size < u.chunkThreshold {
		return u.uploadSingle(ctx, file, att, progress)
	}
	return u.uploadChunked(ctx, file, att, progress)
}

func (u *Uploader) uploadSingle(ctx context.Context, file *os.File, att *message.Attachment, progress ProgressFunc) (blob.Locator, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", message.ErrUploadCancelled, err)
	}

	progress(0)

	data := make([]byte, att.Size)
	if _, err := io.ReadFull(file, data); err != nil {
		return "", &message.DeliveryError{
			Temporary: false,
			Message:   fmt.Sprintf("attachment shorter than declared size %d: %v", att.Size, err),
		}
	}

	putCtx, cancel := context.WithTimeout(ctx, u.chunkTimeout)
	defer cancel()

	loc, err := u.sink.PutSingle(putCtx, data)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}

	progress(1)
	u.logger.Debug("single-shot upload complete", "file", att.FileName, "bytes", att.Size)
	return loc, nil
}

func (u *Uploader) uploadChunked(ctx context.Context, file *os.File, att *message.Attachment, progress ProgressFunc) (blob.Locator, error) {
	// The chunk layout is computed from the declared size before any
	// byte moves, so the manifest totals are fixed up front.
	numChunks := int(att.Size / u.chunkSize)
	lastChunk := att.Size % u.chunkSize
	if lastChunk > 0 {
		numChunks++
	}

	chunks := make([]blob.Locator, 0, numChunks)
	var done int64

	buf := make([]byte, u.chunkSize)
	for i := 0; i < numChunks; i++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: before chunk %d/%d", message.ErrUploadCancelled, i+1, numChunks)
		}

		size := u.chunkSize
		if i == numChunks-1 && lastChunk > 0 {
			size = lastChunk
		}

		if _, err := io.ReadFull(file, buf[:size]); err != nil {
			return "", &message.DeliveryError{
				Temporary: false,
				Message:   fmt.Sprintf("attachment shorter than declared size %d: %v", att.Size, err),
			}
		}

		loc, err := u.putChunk(ctx, buf[:size])
		if err != nil {
			return "", fmt.Errorf("chunk %d/%d upload failed: %w", i+1, numChunks, err)
		}

		chunks = append(chunks, loc)
		done += size
		progress(float64(done) / float64(att.Size))
	}

	manifest := &blob.Manifest{
		FileName:    att.FileName,
		TotalSize:   att.Size,
		ContentType: att.ContentType,
		ChunkSize:   u.chunkSize,
		Chunks:      chunks,
	}

	manifestCtx, cancel := context.WithTimeout(ctx, u.chunkTimeout)
	defer cancel()

	loc, err := u.sink.PutManifest(manifestCtx, manifest)
	if err != nil {
		return "", fmt.Errorf("manifest write failed: %w", err)
	}

	u.logger.Debug("chunked upload complete",
		"file", att.FileName,
		"bytes", att.Size,
		"chunks", numChunks,
	)
	return loc, nil
}

func (u *Uploader) putChunk(ctx context.Context, data []byte) (blob.Locator, error) {
	putCtx, cancel := context.WithTimeout(ctx, u.chunkTimeout)
	defer cancel()

	loc, err := u.sink.PutChunk(putCtx, data)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return "", &message.DeliveryError{Temporary: true, Message: "chunk upload timed out"}
	}
	return loc, err
}
