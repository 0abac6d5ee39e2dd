package workstate

import (
	"sync"
	"time"
)

// Mutator edits a working copy of the document in place. It must not retain
// the pointer after returning.
type Mutator func(*AppState) error

// Coordinator serializes read-modify-write cycles against a single store.
// Each Update loads a fresh copy, applies the mutator, stamps lastUpdated,
// and persists, all under one mutex, so concurrent updates within this
// instance never interleave. Two instances writing through separate
// coordinators still race whole-document: the later save wins and the
// earlier one's edit is silently discarded. Synchronization relies on the
// lastUpdated stamp, not on merging.
type Coordinator struct {
	store *PersistentStore
	clock func() time.Time

	mu sync.Mutex
}

func NewCoordinator(store *PersistentStore) *Coordinator {
	return NewCoordinatorWithClock(store, time.Now)
}

func NewCoordinatorWithClock(store *PersistentStore, clock func() time.Time) *Coordinator {
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{store: store, clock: clock}
}

// Update runs one atomic read-modify-write cycle. The mutator sees the
// freshest persisted document, never a cached copy. A mutator error aborts
// the cycle before any write; a save error leaves the durable document at
// its previous value. On success the persisted document carries a stamp
// strictly greater than the one it replaced.
func (c *Coordinator) Update(mutate Mutator) (*AppState, error) {
	if mutate == nil {
		return nil, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.store.Load()
	if err := mutate(doc); err != nil {
		return nil, err
	}
	doc.LastUpdated = nextStamp(c.clock, doc.LastUpdated)
	if err := c.store.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// AdoptIfNewer installs an externally produced document, keeping its stamp
// as-is. The comparison against the local stamp happens under the update
// mutex so a local edit that lands between the caller's staleness check and
// this call still wins. Returns the persisted document and whether the
// candidate was adopted.
func (c *Coordinator) AdoptIfNewer(candidate *AppState) (*AppState, bool, error) {
	if candidate == nil {
		return nil, false, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.store.Load()
	if candidate.LastUpdated <= local.LastUpdated {
		return local, false, nil
	}
	adopted := candidate.Clone()
	if err := c.store.Save(adopted); err != nil {
		return nil, false, err
	}
	return adopted, true, nil
}

// Snapshot returns the freshest persisted document without modifying it.
func (c *Coordinator) Snapshot() *AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Load()
}

// Clear wipes the persisted document. The next Update or Snapshot starts
// from the bootstrap default.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clear()
}

// nextStamp produces a millisecond stamp strictly greater than prev even
// when the clock is frozen or stepped backwards.
func nextStamp(clock func() time.Time, prev int64) int64 {
	now := clock().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}
