package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileFallback is the durable fallback sink: JSON lines appended to a local
// file with fsync per entry. It exists so that a database outage cannot lose
// audit events that were already acknowledged to callers.
type FileFallback struct {
	mu   sync.Mutex
	file *os.File
}

var _ Sink = (*FileFallback)(nil)

// OpenFileFallback opens (or creates) the fallback file in append mode.
func OpenFileFallback(path string) (*FileFallback, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit fallback: %w", err)
	}
	return &FileFallback{file: f}, nil
}

// Append writes one JSON line and syncs it to disk.
func (s *FileFallback) Append(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit fallback: %w", err)
	}
	return s.file.Sync()
}

// Close releases the underlying file.
func (s *FileFallback) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
