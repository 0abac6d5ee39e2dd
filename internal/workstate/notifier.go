package workstate

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultCoalesceWindow = 100 * time.Millisecond
	defaultPollInterval   = 2 * time.Second
)

// ChangeNotifier fires registered callbacks when the persisted document
// changes underneath this instance. Callbacks carry no payload; a subscriber
// reloads through its store to observe the new document. Writes made by this
// instance inside the suppression window do not fire.
type ChangeNotifier interface {
	Subscribe(fn func()) (unsubscribe func())
	Close() error
}

// subscriberHub fans a change signal out to registered callbacks.
// Unsubscribe functions are idempotent.
type subscriberHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func()
}

func (h *subscriberHub) Subscribe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[int]func(){}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *subscriberHub) notify() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// contentTracker decides whether a wakeup represents a genuine foreign
// change. It compares content digests, so a rewrite with identical bytes
// never fires, and consults the store's recent-save registry to swallow
// echoes of this instance's own writes.
type contentTracker struct {
	store *PersistentStore

	mu       sync.Mutex
	lastSeen string
}

func (t *contentTracker) seed() {
	data, err := t.store.RawDocument()
	if err != nil {
		return
	}
	t.mu.Lock()
	t.lastSeen = payloadDigest(data)
	t.mu.Unlock()
}

func (t *contentTracker) changed() bool {
	data, err := t.store.RawDocument()
	if err != nil {
		return false
	}
	digest := payloadDigest(data)
	t.mu.Lock()
	same := digest == t.lastSeen
	t.lastSeen = digest
	t.mu.Unlock()
	if same {
		return false
	}
	return !t.store.recentlySaved(digest)
}

// FileWatchNotifierOptions configures a FileWatchNotifier. Zero values pick
// a 100ms coalescing window and a silent logger.
type FileWatchNotifierOptions struct {
	Coalesce time.Duration
	Logger   zerolog.Logger
}

// FileWatchNotifier observes the state file through the OS watch facility.
// It watches the parent directory rather than the file itself because
// atomic replace-by-rename swaps the inode out from under a direct watch.
// Bursts of events inside the coalescing window collapse into one check.
type FileWatchNotifier struct {
	subscriberHub
	tracker   contentTracker
	watcher   *fsnotify.Watcher
	target    string
	coalesce  time.Duration
	logger    zerolog.Logger
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewFileWatchNotifier(store *PersistentStore, path string, opts FileWatchNotifierOptions) (*FileWatchNotifier, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve state file path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	coalesce := opts.Coalesce
	if coalesce <= 0 {
		coalesce = defaultCoalesceWindow
	}
	n := &FileWatchNotifier{
		tracker:  contentTracker{store: store},
		watcher:  watcher,
		target:   abs,
		coalesce: coalesce,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	n.tracker.seed()
	go n.run()
	return n, nil
}

func (n *FileWatchNotifier) run() {
	defer close(n.done)
	var pending *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-n.stop:
			if pending != nil {
				pending.Stop()
			}
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if !n.relevant(ev) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(n.coalesce)
				fire = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(n.coalesce)
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Warn().Err(err).Msg("file watcher error")
		case <-fire:
			pending = nil
			fire = nil
			if n.tracker.changed() {
				n.notify()
			}
		}
	}
}

func (n *FileWatchNotifier) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != n.target {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Rename) || ev.Op.Has(fsnotify.Remove)
}

func (n *FileWatchNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.stop)
		err = n.watcher.Close()
		<-n.done
	})
	return err
}

// PollNotifier checks the backend for content changes on a fixed interval.
// It serves backends with no watchable medium, such as a shared database
// row or an in-memory backend exercised by tests.
type PollNotifier struct {
	subscriberHub
	tracker   contentTracker
	ticker    *time.Ticker
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewPollNotifier(store *PersistentStore, interval time.Duration) (*PollNotifier, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	n := &PollNotifier{
		tracker: contentTracker{store: store},
		ticker:  time.NewTicker(interval),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	n.tracker.seed()
	go n.run()
	return n, nil
}

func (n *PollNotifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.stop:
			return
		case <-n.ticker.C:
			if n.tracker.changed() {
				n.notify()
			}
		}
	}
}

func (n *PollNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.ticker.Stop()
		close(n.stop)
		<-n.done
	})
	return nil
}
