package syncache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/syncache/codec"
	st "github.com/unkn0wn-root/syncache/store"
)

// Fetcher loads the value for one key. Usually a closure over a
// resource.Client list call. Must return an error from the taxonomy in
// errors.go for the cache to classify it (resource envelopes already do).
type Fetcher[V any] func(ctx context.Context) (V, error)

// FetchFunc is an optional cache-wide default fetcher, keyed. A per-Subscribe
// Fetcher overrides it.
type FetchFunc[V any] func(ctx context.Context, key Key) (V, error)

// RecoverFunc is the external session-recovery routine. By the time it runs,
// every entry has already been cleared; fetches are parked until it returns.
type RecoverFunc func(ctx context.Context) error

// Updater produces the next value from the current one. For plain
// replacement use Replace.
type Updater[V any] func(current V) V

// Replace returns an Updater that ignores the current value.
func Replace[V any](v V) Updater[V] {
	return func(V) V { return v }
}

// WriteFunc performs the backing write for a mutation and returns the
// server's authoritative value.
type WriteFunc[V any] func(ctx context.Context) (V, error)

// MutateOptions control how Mutate applies a change.
type MutateOptions[V any] struct {
	// Optimistic applies the updater before Write confirms, with rollback
	// on failure. When false the updater is applied only after Write
	// succeeds.
	Optimistic bool

	// Write performs the backend call. Nil means a purely local mutation
	// (confirmed immediately). Writes for one key run in FIFO order and are
	// never auto-retried.
	Write WriteFunc[V]

	// Populate replaces the optimistic value with Write's return value once
	// it succeeds.
	Populate bool

	// Validate runs synchronously before anything is applied. A non-nil
	// return aborts the mutation with that error - known-invalid input is
	// never applied optimistically.
	Validate func() error
}

// Cache is the only interface Render Surfaces may use to read or write
// cached state.
type Cache[V any] interface {
	// Subscribe attaches to the entry for key, creating and fetching it on
	// miss. Fresh entries (within DedupeWindow) are served without a fetch;
	// stale ones are served immediately while a background revalidation
	// runs. Concurrent subscribers share one in-flight fetch.
	Subscribe(ctx context.Context, key Key, fetch Fetcher[V]) (*Subscription[V], error)

	// Get is one-shot sugar: Subscribe, wait for the first settle, Close.
	Get(ctx context.Context, key Key, fetch Fetcher[V]) (V, error)

	// Mutate applies updater per opts and blocks until its write (if any)
	// settles. See MutateOptions.
	Mutate(ctx context.Context, key Key, up Updater[V], opts MutateOptions[V]) error

	// Invalidate bumps the entry version and marks it stale: the next
	// Subscribe fetches regardless of the deduping window, and any fetch
	// already in flight is discarded on arrival. Idempotent.
	Invalidate(ctx context.Context, key Key) error

	// InvalidateAll marks every entry stale and revalidates the subscribed
	// ones.
	InvalidateAll(ctx context.Context) error

	// Clear drops all cached data. Pending mutations settle with
	// ErrCacheCleared.
	Clear(ctx context.Context) error

	// NotifyTrigger feeds one revalidation trigger (focus/online/activity)
	// into the debounced policy queue.
	NotifyTrigger(tr Trigger)

	Close(ctx context.Context) error
}

// Options tune the cache. Only Namespace is required; others have sensible
// defaults.
type Options[V any] struct {
	// Required. Logical namespace, also prefixes warm-store keys.
	// e.g. "grades", "students", "resource-links".
	Namespace string

	Fetch  FetchFunc[V] // optional default fetcher
	Codec  c.Codec[V]   // snapshot clones + store payloads; nil => codec.JSONCodec
	Store  st.Store     // optional warm store; nil => in-memory only
	Logger Logger       // if nil, NopLogger is used
	Hooks  Hooks        // if nil, NopHooks is used

	// OnAuthFailure is invoked (once per detected failure) after the cache
	// cleared all entries. Nil means entries are cleared but nothing is
	// parked.
	OnAuthFailure RecoverFunc

	DedupeWindow  time.Duration // freshness window; 0 => 2s
	RetryCount    int           // background revalidation retries; 0 => 2, negative => none
	RetryInterval time.Duration // 0 => 5s
	IdleThreshold time.Duration // min away time for focus/activity triggers; 0 => 1m
	Debounce      time.Duration // trigger coalescing window; 0 => 500ms
	GCGrace       time.Duration // unsubscribed entry lifetime; 0 => 5m
	SweepInterval time.Duration // GC sweep period; 0 => 1m
	StoreTTL      time.Duration // warm-store entry TTL; 0 => 24h

	// Disabled turns the freshness window and warm store off: every
	// Subscribe revalidates (still coalesced). Kill switch for debugging.
	Disabled bool
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
