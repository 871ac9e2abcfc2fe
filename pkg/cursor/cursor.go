// Package cursor implements §4.H: the process-local server-side cursor
// store backing Query/List responses too large to return in one round
// trip. Cursors are bounded by an idle TTL, not by wall-clock age:
// get_next_batch refreshes the deadline on every successful call.
package cursor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/solidb/solidb/pkg/dberrors"
	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/metrics"
)

// DefaultIdleTimeout matches the default a single-node deployment runs
// with; callers needing a different idle window construct a Store
// directly rather than via NewDefault.
const DefaultIdleTimeout = 5 * time.Minute

// maxOpenCursors bounds the store's memory footprint; the oldest
// least-recently-used cursor is evicted once the bound is hit, mirroring
// pkg/collection's schema cache sizing.
const maxOpenCursors = 4096

type entry struct {
	mu        sync.Mutex
	results   []any
	batchSize int
	pos       int
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Store holds every open cursor for one node process. Cursors are never
// replicated or persisted (§4.H "process-local").
type Store struct {
	cache       *lru.Cache[string, *entry]
	idleTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDefault constructs a Store with DefaultIdleTimeout and starts its
// background sweep loop.
func NewDefault() *Store {
	return New(DefaultIdleTimeout)
}

// New constructs a Store with the given idle timeout and starts its
// background sweep loop, grounded on cuemby-warren's reconciler
// ticker-driven Start/Stop shape.
func New(idleTimeout time.Duration) *Store {
	cache, err := lru.NewWithEvict[string, *entry](maxOpenCursors, func(_ string, _ *entry) {
		metrics.CursorsActive.Dec()
	})
	if err != nil {
		panic("cursor: invalid lru size: " + err.Error())
	}
	s := &Store{cache: cache, idleTimeout: idleTimeout, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.sweep()
	return s
}

// Close stops the background sweep loop. Open cursors are discarded.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Store registers results for batched retrieval and returns the new
// cursor's id (§4.H "store(results, batch_size) → cursor_id").
func (s *Store) Store(results []any, batchSize int) string {
	if batchSize <= 0 {
		batchSize = len(results)
		if batchSize == 0 {
			batchSize = 1
		}
	}
	id := uuid.NewString()
	s.cache.Add(id, &entry{
		results:   results,
		batchSize: batchSize,
		expiresAt: time.Now().Add(s.idleTimeout),
	})
	metrics.CursorsActive.Inc()
	return id
}

// GetNextBatch advances the cursor by its batch size and returns the
// slice of rows plus whether more remain (§4.H "get_next_batch"). The
// cursor is deleted once exhausted. A cursor that does not exist or has
// outlived its idle TTL returns dberrors.ErrCursorNotFound.
func (s *Store) GetNextBatch(id string) (rows []any, hasMore bool, err error) {
	e, ok := s.cache.Get(id)
	if !ok {
		return nil, false, dberrors.ErrCursorNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.expired(now) {
		s.cache.Remove(id)
		return nil, false, dberrors.ErrCursorNotFound
	}

	end := e.pos + e.batchSize
	if end > len(e.results) {
		end = len(e.results)
	}
	rows = e.results[e.pos:end]
	e.pos = end
	hasMore = e.pos < len(e.results)

	if !hasMore {
		s.cache.Remove(id)
		return rows, false, nil
	}

	e.expiresAt = now.Add(s.idleTimeout)
	return rows, true, nil
}

// Delete removes a cursor explicitly, e.g. on client disconnect.
func (s *Store) Delete(id string) {
	s.cache.Remove(id)
}

// Len reports the number of currently open cursors, used by tests and
// CollectionStats-style introspection.
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()
	logger := log.WithComponent("cursor")

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(logger)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepOnce(logger zerolog.Logger) {
	now := time.Now()
	removed := 0
	for _, id := range s.cache.Keys() {
		e, ok := s.cache.Peek(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		expired := e.expired(now)
		e.mu.Unlock()
		if expired {
			s.cache.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug().Int("removed", removed).Msg("swept idle cursors")
	}
}
