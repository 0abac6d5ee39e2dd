package workstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	defaultStateDir          = ".workstate"
	defaultStateFile         = "state.json"
	defaultSuppressionWindow = 2 * time.Second
)

// StoreOptions configures a PersistentStore. Zero values select defaults:
// a JSON file backend under .workstate/, no document quota, a two second
// echo-suppression window, the wall clock, and a silent logger.
type StoreOptions struct {
	Backend           StateBackend
	StateFile         string
	MaxDocumentBytes  int64
	SuppressionWindow time.Duration
	Logger            zerolog.Logger
	Clock             func() time.Time
}

// PersistentStore owns durable load/save/clear of the document. Load never
// fails from the caller's perspective: an absent, unreadable, or corrupt
// document yields the bootstrap default. Save surfaces capacity exhaustion
// as ErrCapacityExceeded and leaves both the in-memory document and the
// previous durable document untouched on any failure.
type PersistentStore struct {
	backend           StateBackend
	maxDocumentBytes  int64
	suppressionWindow time.Duration
	logger            zerolog.Logger
	clock             func() time.Time

	mu          sync.Mutex
	recentSaves map[string]time.Time
}

func NewPersistentStore(backend StateBackend) *PersistentStore {
	return NewPersistentStoreWithOptions(StoreOptions{Backend: backend})
}

func NewPersistentStoreWithOptions(opts StoreOptions) *PersistentStore {
	backend := opts.Backend
	if backend == nil {
		path := strings.TrimSpace(opts.StateFile)
		if path == "" {
			path = filepath.Join(defaultStateDir, defaultStateFile)
		}
		backend = NewJSONFileStateBackend(path)
	}
	suppression := opts.SuppressionWindow
	if suppression <= 0 {
		suppression = defaultSuppressionWindow
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PersistentStore{
		backend:           backend,
		maxDocumentBytes:  opts.MaxDocumentBytes,
		suppressionWindow: suppression,
		logger:            opts.Logger,
		clock:             clock,
		recentSaves:       map[string]time.Time{},
	}
}

// Load reads the freshest persisted document. Absent document bootstraps;
// a read failure or corrupt payload logs and bootstraps rather than failing,
// because a crash on load is worse than a clean restart.
func (s *PersistentStore) Load() *AppState {
	data, err := s.backend.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("state load failed, using bootstrap default")
		return Bootstrap()
	}
	if len(data) == 0 {
		return Bootstrap()
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("persisted document corrupt, using bootstrap default")
		return Bootstrap()
	}
	return doc
}

// Save serializes and writes the document through the backend. The write is
// synchronous; by the time Save returns nil the document is durable and
// visible to other instances watching the same medium.
func (s *PersistentStore) Save(state *AppState) error {
	if state == nil {
		return ErrInvalidInput
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.writeDocument(data)
}

// SaveRaw persists pre-encoded document bytes without re-encoding them. The
// HTTP service stores posted payloads byte for byte through this path so
// field order and unknown fields survive the round trip.
func (s *PersistentStore) SaveRaw(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidInput
	}
	return s.writeDocument(data)
}

func (s *PersistentStore) writeDocument(data []byte) error {
	if s.maxDocumentBytes > 0 && int64(len(data)) > s.maxDocumentBytes {
		capErr := &CapacityError{Limit: s.maxDocumentBytes, Attempted: int64(len(data))}
		s.logger.Error().Int64("bytes", capErr.Attempted).Int64("limit", capErr.Limit).Msg("document exceeds configured quota")
		return capErr
	}
	if err := s.backend.Save(data); err != nil {
		err = classifyWriteError(err)
		s.logger.Error().Err(err).Msg("state save failed")
		return err
	}
	s.markSaved(payloadDigest(data))
	return nil
}

// Clear removes the persisted document entirely. The next Load bootstraps.
func (s *PersistentStore) Clear() error {
	if err := s.backend.Clear(); err != nil {
		s.logger.Error().Err(err).Msg("state clear failed")
		return err
	}
	return nil
}

func (s *PersistentStore) Close() error {
	return s.backend.Close()
}

// RawDocument returns the persisted bytes exactly as the backend holds them,
// nil when no document exists. Notifiers digest it for change detection and
// the HTTP service relays it verbatim.
func (s *PersistentStore) RawDocument() ([]byte, error) {
	return s.backend.Load()
}

func (s *PersistentStore) markSaved(digest string) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, at := range s.recentSaves {
		if now.Sub(at) > s.suppressionWindow {
			delete(s.recentSaves, d)
		}
	}
	s.recentSaves[digest] = now
}

// recentlySaved reports whether this instance wrote a payload with the given
// digest inside the suppression window. Notifiers use it to skip echoes of
// the instance's own saves.
func (s *PersistentStore) recentlySaved(digest string) bool {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.recentSaves[digest]
	if !ok {
		return false
	}
	if now.Sub(at) > s.suppressionWindow {
		delete(s.recentSaves, digest)
		return false
	}
	return true
}

func payloadDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// classifyWriteError maps medium-level quota and space exhaustion onto the
// capacity taxonomy so callers can surface it distinctly.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT) {
		return &CapacityError{Cause: err}
	}
	return err
}
