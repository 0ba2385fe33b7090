package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
)

// ErrNilRepository indicates NewStore was called without a repository.
var ErrNilRepository = errors.New("trace: repository is required")

const (
	defaultBufferSize = 256
	defaultMaxEntries = 500

	// pruneEvery controls how many inserts a device accumulates before
	// its ring is pruned back to MaxEntries.
	pruneEvery = 64

	insertTimeout = 5 * time.Second
)

// StoreOptions configures a Store.
type StoreOptions struct {
	Repository Repository
	// MaxEntries is the per-device ring size. Defaults to 500.
	MaxEntries int
	// BufferSize is the in-flight channel capacity. Defaults to 256.
	BufferSize int
	Logger     *logging.Logger
}

// Store buffers trace entries from the device engine and writes them
// to the repository from a single background worker.
//
// Record never blocks: when the buffer is full the entry is dropped
// and counted. The engine's hot path must not wait on SQLite.
type Store struct {
	repo       Repository
	log        *logging.Logger
	maxEntries int

	entries chan engine.TraceEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewStore creates a trace store and starts its worker.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Repository == nil {
		return nil, ErrNilRepository
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	s := &Store{
		repo:       opts.Repository,
		log:        opts.Logger.With("component", "trace"),
		maxEntries: opts.MaxEntries,
		entries:    make(chan engine.TraceEntry, opts.BufferSize),
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.worker()

	return s, nil
}

// Record queues one envelope for persistence. Never blocks.
func (s *Store) Record(e engine.TraceEntry) {
	select {
	case s.entries <- e:
	default:
		s.dropped.Add(1)
	}
}

// Stop shuts down the worker after draining buffered entries.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// Stats returns counters for diagnostics.
func (s *Store) Stats() map[string]any {
	return map[string]any{
		"written":  s.written.Load(),
		"dropped":  s.dropped.Load(),
		"buffered": len(s.entries),
	}
}

func (s *Store) worker() {
	defer s.wg.Done()

	// Insert count per device since the last prune.
	sincePrune := make(map[string]int)

	for {
		select {
		case e := <-s.entries:
			s.persist(e, sincePrune)
		case <-s.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case e := <-s.entries:
					s.persist(e, sincePrune)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) persist(e engine.TraceEntry, sincePrune map[string]int) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	entry := &Entry{
		Time:      e.Time,
		UUID:      e.DeviceID,
		Direction: e.Direction,
		Transport: e.Transport,
		Namespace: e.Namespace,
		Method:    e.Method,
		Payload:   e.Payload,
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		s.log.Warn("trace insert failed", "uuid", e.DeviceID, "error", err)
		return
	}
	s.written.Add(1)

	sincePrune[e.DeviceID]++
	if sincePrune[e.DeviceID] >= pruneEvery {
		sincePrune[e.DeviceID] = 0
		if _, err := s.repo.Prune(ctx, e.DeviceID, s.maxEntries); err != nil {
			s.log.Warn("trace prune failed", "uuid", e.DeviceID, "error", err)
		}
	}
}
