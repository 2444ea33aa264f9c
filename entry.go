package syncache

import (
	"context"
	"time"
)

// Snapshot is the read view handed to subscribers. Data is shared, not
// copied - treat it as read-only.
type Snapshot[V any] struct {
	Data      V
	HasData   bool
	Err       error
	FetchedAt time.Time

	// IsLoading: no data yet and the first fetch is still in flight.
	IsLoading bool
	// IsValidating: any fetch for this key is in flight.
	IsValidating bool
}

// Subscription is one Render Surface's attachment to a key. Snapshot reads
// the current state; Updates signals (coalesced) that it changed; Close
// detaches and starts the entry's GC grace period when it was the last one.
type Subscription[V any] struct {
	c      *cache[V]
	key    Key
	ch     chan struct{}
	closed bool
}

func (s *Subscription[V]) Snapshot() Snapshot[V] {
	return s.c.snapshotFor(s.key)
}

func (s *Subscription[V]) Updates() <-chan struct{} { return s.ch }

func (s *Subscription[V]) Close() {
	s.c.unsubscribe(s)
}

// entry is the cache-internal state for one key. All fields are guarded by
// cache.mu.
type entry[V any] struct {
	key Key

	// displayed value: last accepted fetch/confirmed write plus the ordered
	// pending optimistic updaters. Never a partial apply.
	data    V
	hasData bool
	err     error

	// base is the last confirmed (server-acknowledged) value, before any
	// pending optimistic updaters.
	base    V
	baseHas bool

	fetchedAt time.Time
	stale     bool

	// version moves on invalidation, clear and accepted results. A fetch
	// that observed an older version is discarded on arrival.
	version uint64

	// at most one in-flight fetch per key; fetchSeq identifies it so an
	// abandoned fetch cannot clear the flag of its successor.
	fetching    bool
	activeFetch uint64
	fetchSeq    uint64
	fetch       Fetcher[V] // latest fetcher, reused for revalidation
	seeded      bool       // warm-store seed attempted

	// FIFO write queue for this key's mutations.
	muts        []*pendingMutation[V]
	writeActive bool
	// dirty: a write confirmed without an authoritative server value;
	// refetch once the queue drains.
	dirty bool

	subs map[*Subscription[V]]struct{}
	gcAt time.Time // zero while subscribed
}

type pendingMutation[V any] struct {
	up       Updater[V]
	write    WriteFunc[V]
	populate bool
	// deferred: non-optimistic write-through; the updater applies only
	// after the write confirms.
	deferred bool
	ctx      context.Context

	// rollback snapshot: the displayed value immediately before this
	// mutation applied. Consumed exactly once.
	snap    V
	snapHas bool

	// displayed value right after this mutation applied; becomes the new
	// base when the write confirms without Populate.
	applied V

	settled bool
	done    chan error
}

func (e *entry[V]) notifyLocked() {
	for s := range e.subs {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

// settleLocked resolves a pending mutation exactly once.
func (m *pendingMutation[V]) settleLocked(err error) {
	if m.settled {
		return
	}
	m.settled = true
	m.done <- err
}
