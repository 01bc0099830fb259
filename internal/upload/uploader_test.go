package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sifapp/sifd/internal/blob"
	"github.com/sifapp/sifd/internal/message"
)

// fakeSink records everything written to it
type fakeSink struct {
	singles   [][]byte
	chunks    [][]byte
	manifests []*blob.Manifest

	chunkErr   error
	failAtChunk int
}

func (f *fakeSink) PutSingle(ctx context.Context, data []byte) (blob.Locator, error) {
	f.singles = append(f.singles, append([]byte(nil), data...))
	return blob.Locator(fmt.Sprintf("blob:%d", len(f.singles))), nil
}

func (f *fakeSink) PutChunk(ctx context.Context, data []byte) (blob.Locator, error) {
	if f.chunkErr != nil && len(f.chunks) == f.failAtChunk {
		return "", f.chunkErr
	}
	f.chunks = append(f.chunks, append([]byte(nil), data...))
	return blob.Locator(fmt.Sprintf("chunk:%d", len(f.chunks))), nil
}

func (f *fakeSink) PutManifest(ctx context.Context, m *blob.Manifest) (blob.Locator, error) {
	f.manifests = append(f.manifests, m)
	return "manifest:1", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTestFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attachment.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSingleShotUpload(t *testing.T) {
	sink := &fakeSink{}
	u := New(sink, Config{}, testLogger())

	path := writeTestFile(t, 1024)
	att := &message.Attachment{FileName: "pic.jpg", LocalPath: path, Size: 1024, ContentType: "image/jpeg"}

	var fractions []float64
	loc, err := u.Upload(context.Background(), att, func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if loc != "blob:1" {
		t.Errorf("Upload() locator = %s", loc)
	}
	if len(sink.singles) != 1 || len(sink.singles[0]) != 1024 {
		t.Errorf("single-shot payload = %d bytes", len(sink.singles[0]))
	}
	if len(sink.chunks) != 0 || len(sink.manifests) != 0 {
		t.Error("single-shot upload must not chunk")
	}
	// One callback at 0%, one at 100%.
	if len(fractions) != 2 || fractions[0] != 0 || fractions[1] != 1 {
		t.Errorf("progress = %v, want [0 1]", fractions)
	}
}

func TestChunkedUpload(t *testing.T) {
	sink := &fakeSink{}
	u := New(sink, Config{}, testLogger())

	// 8 MiB at 1 MiB chunks: 8 chunks, progress 1/8 .. 8/8.
	const size = 8 << 20
	path := writeTestFile(t, size)
	att := &message.Attachment{FileName: "video.mp4", LocalPath: path, Size: size, ContentType: "video/mp4"}

	var fractions []float64
	loc, err := u.Upload(context.Background(), att, func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if loc != "manifest:1" {
		t.Errorf("Upload() locator = %s, want manifest:1", loc)
	}
	if len(sink.chunks) != 8 {
		t.Fatalf("uploaded %d chunks, want 8", len(sink.chunks))
	}

	if len(fractions) != 8 {
		t.Fatalf("progress ticks = %d, want 8", len(fractions))
	}
	for i, f := range fractions {
		want := float64(i+1) / 8
		if math.Abs(f-want) > 1e-9 {
			t.Errorf("progress[%d] = %v, want %v", i, f, want)
		}
		if i > 0 && f < fractions[i-1] {
			t.Errorf("progress regressed at tick %d: %v < %v", i, f, fractions[i-1])
		}
	}
	if fractions[len(fractions)-1] != 1.0 {
		t.Errorf("final progress = %v, want exactly 1.0", fractions[len(fractions)-1])
	}

	m := sink.manifests[0]
	if m.TotalSize != size || len(m.Chunks) != 8 || m.ChunkSize != 1<<20 {
		t.Errorf("manifest = %+v", m)
	}
	// Chunk bytes are contiguous and ordered.
	var assembled []byte
	for _, c := range sink.chunks {
		assembled = append(assembled, c...)
	}
	original, _ := os.ReadFile(path)
	if !bytes.Equal(assembled, original) {
		t.Error("reassembled chunks differ from the original file")
	}
}

func TestChunkedUploadTruncatedFinalChunk(t *testing.T) {
	sink := &fakeSink{}
	u := New(sink, Config{}, testLogger())

	const size = (5 << 20) + 300
	path := writeTestFile(t, size)
	att := &message.Attachment{FileName: "a.bin", LocalPath: path, Size: size}

	if _, err := u.Upload(context.Background(), att, nil); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if len(sink.chunks) != 6 {
		t.Fatalf("uploaded %d chunks, want 6", len(sink.chunks))
	}
	if len(sink.chunks[5]) != 300 {
		t.Errorf("final chunk = %d bytes, want 300", len(sink.chunks[5]))
	}
}

func TestUploadCancellation(t *testing.T) {
	sink := &fakeSink{}
	u := New(sink, Config{}, testLogger())

	const size = 6 << 20
	path := writeTestFile(t, size)
	att := &message.Attachment{FileName: "a.bin", LocalPath: path, Size: size}

	ctx, cancel := context.WithCancel(context.Background())
	var fractions []float64
	_, err := u.Upload(ctx, att, func(f float64) {
		fractions = append(fractions, f)
		if len(fractions) == 2 {
			cancel()
		}
	})
	if !errors.Is(err, message.ErrUploadCancelled) {
		t.Fatalf("Upload() error = %v, want ErrUploadCancelled", err)
	}
	// Stopped before the next chunk: exactly the two completed remain.
	if len(sink.chunks) != 2 {
		t.Errorf("uploaded %d chunks after cancel, want 2", len(sink.chunks))
	}
	if len(sink.manifests) != 0 {
		t.Error("cancelled upload must not write a manifest")
	}
	if message.IsTemporary(err) {
		t.Error("cancellation must not be classified as retryable")
	}
}

func TestChunkFailureAborts(t *testing.T) {
	sink := &fakeSink{chunkErr: errors.New("connection reset"), failAtChunk: 3}
	u := New(sink, Config{}, testLogger())

	const size = 6 << 20
	path := writeTestFile(t, size)
	att := &message.Attachment{FileName: "a.bin", LocalPath: path, Size: size}

	_, err := u.Upload(context.Background(), att, nil)
	if err == nil {
		t.Fatal("Upload() succeeded despite chunk failure")
	}
	if len(sink.chunks) != 3 {
		t.Errorf("uploaded %d chunks after failure, want 3", len(sink.chunks))
	}
	if !message.IsTemporary(err) {
		t.Error("chunk upload failure should be retry-eligible")
	}
}

func TestDeclaredSizeMismatchIsStructural(t *testing.T) {
	sink := &fakeSink{}
	u := New(sink, Config{}, testLogger())

	path := writeTestFile(t, 1024)
	att := &message.Attachment{FileName: "a.bin", LocalPath: path, Size: 6 << 20}

	_, err := u.Upload(context.Background(), att, nil)
	if err == nil {
		t.Fatal("Upload() accepted a file shorter than its declared size")
	}
	if message.IsTemporary(err) {
		t.Error("size mismatch should be structural, not retryable")
	}
}

func TestMissingFileIsStructural(t *testing.T) {
	u := New(&fakeSink{}, Config{}, testLogger())

	att := &message.Attachment{FileName: "gone.bin", LocalPath: "/nonexistent/gone.bin", Size: 10}
	_, err := u.Upload(context.Background(), att, nil)
	if err == nil {
		t.Fatal("Upload() accepted a missing file")
	}
	if message.IsTemporary(err) {
		t.Error("missing file should be structural, not retryable")
	}
}
