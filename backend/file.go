package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
)

// FileAdapter appends one JSON object per line to a local file.
type FileAdapter struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileAdapter opens path for appending, creating parent directories.
func NewFileAdapter(path string) (*FileAdapter, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}
	//nolint:gosec // G304: configured log file path is intentional
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &FileAdapter{path: path, file: f}, nil
}

// Name implements Adapter.
func (a *FileAdapter) Name() string { return "file" }

// Path returns the file being appended to.
func (a *FileAdapter) Path() string { return a.path }

// Send implements Adapter. Each record is written with a single Write call
// under the adapter lock so concurrent lines never interleave.
func (a *FileAdapter) Send(_ context.Context, rec record.CallRecord) error {
	line, err := rec.Marshal()
	if err != nil {
		return newEncodingError(a.Name(), err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return newStorageError(a.Name(), os.ErrClosed)
	}
	if _, err := a.file.Write(line); err != nil {
		return newStorageError(a.Name(), err)
	}
	return nil
}

// Close implements Adapter.
func (a *FileAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
