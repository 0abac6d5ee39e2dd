package workstate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend is the durable medium for the persisted document. Load
// returns (nil, nil) when no document exists yet. Implementations must make
// Save all-or-nothing: a failed Save leaves the previous document readable.
type StateBackend interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Clear() error
	Close() error
}

// JSONFileStateBackend persists the document as a single JSON file. Save
// replaces the file atomically via a temp file and rename in the same
// directory, so readers and crash recovery never observe a partial write.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() ([]byte, error) {
	if b == nil || b.Path == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileStateBackend) Save(data []byte) error {
	if b == nil || b.Path == "" {
		return ErrInvalidInput
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *JSONFileStateBackend) Clear() error {
	if b == nil || b.Path == "" {
		return ErrInvalidInput
	}
	err := os.Remove(b.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *JSONFileStateBackend) Close() error {
	return nil
}

// InMemoryStateBackend keeps the document in process memory. Used by tests
// and ephemeral runs; snapshots are copied on both Save and Load.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return append([]byte(nil), b.snapshot...), nil
}

func (b *InMemoryStateBackend) Save(data []byte) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = append([]byte(nil), data...)
	return nil
}

func (b *InMemoryStateBackend) Clear() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = nil
	return nil
}

func (b *InMemoryStateBackend) Close() error {
	return nil
}
