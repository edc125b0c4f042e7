package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONL appends one JSON object per line to a file. Resumed runs keep
// appending to the same file.
type JSONL struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenJSONL opens (or creates) path for appending.
func OpenJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %w", ErrSink, filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // G302: metrics are not secret
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrSink, path, err)
	}
	return &JSONL{f: f, enc: json.NewEncoder(f), path: path}, nil
}

func (j *JSONL) Log(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fmt.Errorf("%w: %s is closed", ErrSink, j.path)
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("%w: failed to write %s: %w", ErrSink, j.path, err)
	}
	return nil
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	if err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", ErrSink, j.path, err)
	}
	return nil
}
