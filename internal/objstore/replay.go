package objstore

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/fruitsalade/objstore/internal/metrics"
)

// DefaultMemoryThreshold is the largest body buffered in memory for replay.
const DefaultMemoryThreshold = 20 * 1024 * 1024

// Replayable is an upload body that can be re-read. Close releases any
// temporary file; it never closes the original reader.
type Replayable struct {
	io.ReadSeeker
	cleanup func() error
}

// Close removes the backing temp file, if any.
func (r *Replayable) Close() error {
	if r.cleanup == nil {
		return nil
	}
	err := r.cleanup()
	r.cleanup = nil
	return err
}

// NewReplayable makes body re-readable. A body that already implements
// io.ReadSeeker is used directly. Otherwise bodies below threshold bytes are
// buffered in memory and larger ones spooled to a temp file in tempDir.
func NewReplayable(body io.Reader, size, threshold int64, tempDir string) (*Replayable, error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		return &Replayable{ReadSeeker: rs}, nil
	}
	if threshold <= 0 {
		threshold = DefaultMemoryThreshold
	}

	if size >= 0 && size < threshold {
		buf := bytes.NewBuffer(make([]byte, 0, size))
		if _, err := io.Copy(buf, io.LimitReader(body, size)); err != nil {
			return nil, fmt.Errorf("buffer body: %w", err)
		}
		metrics.RecordReplayBuffer("memory")
		return &Replayable{ReadSeeker: bytes.NewReader(buf.Bytes())}, nil
	}

	f, err := os.CreateTemp(tempDir, "objstore-replay-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create replay file: %w", err)
	}
	cleanup := func() error {
		f.Close()
		return os.Remove(f.Name())
	}

	src := body
	if size >= 0 {
		src = io.LimitReader(body, size)
	}
	if _, err := io.Copy(f, src); err != nil {
		cleanup()
		return nil, fmt.Errorf("spool body: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind replay file: %w", err)
	}
	metrics.RecordReplayBuffer("file")
	return &Replayable{ReadSeeker: f, cleanup: cleanup}, nil
}
