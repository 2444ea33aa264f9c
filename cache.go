package syncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cd "github.com/unkn0wn-root/syncache/codec"
	"github.com/unkn0wn-root/syncache/internal/util"
	"github.com/unkn0wn-root/syncache/internal/wire"
	st "github.com/unkn0wn-root/syncache/store"
)

const (
	defaultDedupeWindow  = 2 * time.Second
	defaultRetryCount    = 2
	defaultRetryInterval = 5 * time.Second
	defaultIdleThreshold = time.Minute
	defaultDebounce      = 500 * time.Millisecond
	defaultGCGrace       = 5 * time.Minute
	defaultSweep         = time.Minute
	defaultStoreTTL      = 24 * time.Hour
)

var errClosed = errors.New("syncache: cache closed")

type cache[V any] struct {
	ns           string
	defaultFetch FetchFunc[V]
	codec        cd.Codec[V]
	store        st.Store
	log          Logger
	hooks        Hooks
	onAuth       RecoverFunc

	disabled      bool
	dedupeWindow  time.Duration
	retryCount    int
	retryInterval time.Duration
	idleThreshold time.Duration
	debounce      time.Duration
	gcGrace       time.Duration
	sweepInterval time.Duration
	storeTTL      time.Duration

	mu      sync.Mutex
	entries map[string]*entry[V]
	closed  bool

	// session recovery: while recovering, fetch goroutines park on
	// recoverDone instead of hitting the network.
	recovering  bool
	recoverDone chan struct{}
	// no warm-store seeding between a session invalidation and the next
	// accepted fetch; stale authenticated data must not resurface.
	seedDisabled bool

	revalTimer *time.Timer

	now func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("syncache: namespace is required")
	}

	c := &cache[V]{
		ns:           opts.Namespace,
		defaultFetch: opts.Fetch,
		store:        opts.Store,
		onAuth:       opts.OnAuthFailure,
		disabled:     opts.Disabled,
		entries:      make(map[string]*entry[V]),
		now:          time.Now,
	}

	// defaults
	if opts.Codec != nil {
		c.codec = opts.Codec
	} else {
		c.codec = cd.JSONCodec[V]{}
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.dedupeWindow = coalesce[time.Duration](opts.DedupeWindow, defaultDedupeWindow)
	c.retryInterval = coalesce[time.Duration](opts.RetryInterval, defaultRetryInterval)
	c.idleThreshold = coalesce[time.Duration](opts.IdleThreshold, defaultIdleThreshold)
	c.debounce = coalesce[time.Duration](opts.Debounce, defaultDebounce)
	c.gcGrace = coalesce[time.Duration](opts.GCGrace, defaultGCGrace)
	c.sweepInterval = coalesce[time.Duration](opts.SweepInterval, defaultSweep)
	c.storeTTL = coalesce[time.Duration](opts.StoreTTL, defaultStoreTTL)

	switch {
	case opts.RetryCount < 0:
		c.retryCount = 0
	case opts.RetryCount == 0:
		c.retryCount = defaultRetryCount
	default:
		c.retryCount = opts.RetryCount
	}

	c.ticker = time.NewTicker(c.sweepInterval)
	c.stopCh = make(chan struct{})
	c.closeWg.Add(1)
	go c.sweepLoop()

	return c, nil
}

func (c *cache[V]) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.revalTimer != nil {
			c.revalTimer.Stop()
			c.revalTimer = nil
		}
		c.mu.Unlock()
		close(c.stopCh)
		c.closeWg.Wait()
		c.ticker.Stop()
	})
	if c.store != nil {
		return c.store.Close(ctx)
	}
	return nil
}

func (c *cache[V]) Subscribe(_ context.Context, key Key, fetch Fetcher[V]) (*Subscription[V], error) {
	if key.IsZero() {
		return nil, &ValidationError{Field: "key", Reason: "zero key"}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	e := c.entryLocked(key)
	if fetch != nil {
		e.fetch = fetch
	} else if e.fetch == nil && c.defaultFetch != nil {
		k := key
		e.fetch = func(ctx context.Context) (V, error) { return c.defaultFetch(ctx, k) }
	}
	if e.fetch == nil {
		c.mu.Unlock()
		return nil, &ValidationError{Field: "fetch", Reason: "no fetcher for key"}
	}

	sub := &Subscription[V]{c: c, key: key, ch: make(chan struct{}, 1)}
	e.subs[sub] = struct{}{}
	e.gcAt = time.Time{}

	switch {
	case e.fetching:
		c.hooks.FetchCoalesced(key.String())
	case c.needsFetchLocked(e):
		c.startFetchLocked(e, e.hasData)
	}
	c.mu.Unlock()
	return sub, nil
}

func (c *cache[V]) Get(ctx context.Context, key Key, fetch Fetcher[V]) (V, error) {
	var zero V
	sub, err := c.Subscribe(ctx, key, fetch)
	if err != nil {
		return zero, err
	}
	defer sub.Close()
	for {
		snap := sub.Snapshot()
		if !snap.IsLoading && (snap.HasData || snap.Err != nil) {
			if snap.HasData {
				return snap.Data, nil
			}
			return zero, snap.Err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-sub.Updates():
		}
	}
}

func (c *cache[V]) Invalidate(_ context.Context, key Key) error {
	if key.IsZero() {
		return &ValidationError{Field: "key", Reason: "zero key"}
	}
	c.mu.Lock()
	e := c.entries[key.String()]
	if e != nil {
		e.version++
		e.stale = true
		// abandon any in-flight fetch; its result fails the version check
		e.fetching = false
		e.activeFetch = 0
		if len(e.subs) > 0 && len(e.muts) == 0 && e.fetch != nil && !c.recovering {
			c.startFetchLocked(e, e.hasData)
		}
		e.notifyLocked()
	}
	c.mu.Unlock()
	c.deleteStore(key)
	return nil
}

func (c *cache[V]) InvalidateAll(_ context.Context) error {
	c.mu.Lock()
	for _, e := range c.entries {
		e.version++
		e.stale = true
		e.fetching = false
		e.activeFetch = 0
		if len(e.subs) > 0 && len(e.muts) == 0 && e.fetch != nil && !c.recovering {
			c.startFetchLocked(e, e.hasData)
		}
		e.notifyLocked()
	}
	c.mu.Unlock()
	return nil
}

func (c *cache[V]) Clear(_ context.Context) error {
	c.mu.Lock()
	for _, e := range c.entries {
		c.resetEntryLocked(e, nil, ErrCacheCleared)
	}
	c.mu.Unlock()
	return nil
}

func (c *cache[V]) snapshotFor(key Key) Snapshot[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key.String()]
	if e == nil {
		return Snapshot[V]{}
	}
	return Snapshot[V]{
		Data:         e.data,
		HasData:      e.hasData,
		Err:          e.err,
		FetchedAt:    e.fetchedAt,
		IsLoading:    e.fetching && !e.hasData,
		IsValidating: e.fetching,
	}
}

func (c *cache[V]) unsubscribe(sub *Subscription[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	e := c.entries[sub.key.String()]
	if e == nil {
		return
	}
	delete(e.subs, sub)
	if len(e.subs) == 0 {
		e.gcAt = c.now().Add(c.gcGrace)
	}
}

func (c *cache[V]) entryLocked(key Key) *entry[V] {
	ks := key.String()
	e := c.entries[ks]
	if e == nil {
		e = &entry[V]{
			key:  key,
			subs: make(map[*Subscription[V]]struct{}),
			gcAt: c.now().Add(c.gcGrace),
		}
		c.entries[ks] = e
	}
	return e
}

func (c *cache[V]) needsFetchLocked(e *entry[V]) bool {
	if len(e.muts) > 0 {
		return false
	}
	if !e.hasData || e.stale || c.disabled {
		return true
	}
	return c.now().Sub(e.fetchedAt) > c.dedupeWindow
}

// startFetchLocked spawns the single in-flight fetch for e. background marks
// a revalidation of existing data (eligible for bounded retries) as opposed
// to an initial load.
func (c *cache[V]) startFetchLocked(e *entry[V], background bool) {
	e.fetching = true
	e.fetchSeq++
	e.activeFetch = e.fetchSeq
	seed := !e.seeded && c.store != nil && !c.disabled && !c.seedDisabled
	e.seeded = true
	go c.runFetch(e.key, e, e.fetchSeq, e.version, e.fetch, background, seed)
}

func (c *cache[V]) runFetch(key Key, e *entry[V], seq, obsVersion uint64, fetch Fetcher[V], background, seed bool) {
	ks := key.String()

	if seed {
		c.seedFromStore(key, e, obsVersion)
	}

	if !c.awaitRecovery(ks, e, seq, obsVersion) {
		return
	}

	attempts := 0
	for {
		attempts++
		v, err := fetch(context.Background())

		c.mu.Lock()
		if cur := c.entries[ks]; cur != e || e.version != obsVersion || e.activeFetch != seq {
			c.mu.Unlock()
			c.hooks.StaleResultDropped(ks)
			c.log.Debug("dropped superseded fetch result", Fields{"key": ks})
			return
		}

		if err == nil {
			if len(e.muts) > 0 {
				// optimistic writes landed while this fetch was out;
				// adopting the result would clobber them. Reconcile after
				// the queue drains.
				e.stale = true
				e.fetching = false
				e.activeFetch = 0
				c.mu.Unlock()
				c.hooks.StaleResultDropped(ks)
				return
			}
			now := c.now()
			e.base, e.baseHas = v, true
			e.data, e.hasData = v, true
			e.err = nil
			e.fetchedAt = now
			e.stale = false
			e.fetching = false
			e.activeFetch = 0
			e.version++
			c.seedDisabled = false
			e.notifyLocked()
			c.mu.Unlock()
			c.writeStore(key, v, now)
			return
		}

		if IsAuth(err) {
			c.authFailureLocked(err)
			c.mu.Unlock()
			return
		}

		if background && IsTransient(err) && attempts <= c.retryCount {
			c.mu.Unlock()
			select {
			case <-time.After(c.retryInterval):
				continue
			case <-c.stopCh:
				return
			}
		}

		// terminal for this pass: keep whatever data we had, surface err
		e.err = err
		if IsNotFound(err) {
			// record gone server-side; the stale copy must not outlive
			// the deduping window
			e.stale = true
		}
		e.fetching = false
		e.activeFetch = 0
		e.notifyLocked()
		c.mu.Unlock()
		if background && IsTransient(err) {
			c.hooks.RetryExhausted(ks, attempts, err)
		}
		c.log.Warn("fetch failed", Fields{"key": ks, "attempts": attempts, "err": err})
		return
	}
}

// awaitRecovery parks the fetch while session recovery is running. Returns
// false when the fetch is obsolete or the cache is shutting down.
func (c *cache[V]) awaitRecovery(ks string, e *entry[V], seq, obsVersion uint64) bool {
	for {
		c.mu.Lock()
		if !c.recovering {
			live := c.entries[ks] == e && e.version == obsVersion && e.activeFetch == seq
			c.mu.Unlock()
			return live
		}
		done := c.recoverDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-c.stopCh:
			return false
		}
	}
}

func (c *cache[V]) seedFromStore(key Key, e *entry[V], obsVersion uint64) {
	ks := key.String()
	sk := c.storeKey(key)
	b, ok, err := c.store.Get(context.Background(), sk)
	if err != nil || !ok {
		return
	}
	fetchedAt, payload, err := wire.Decode(b)
	if err != nil {
		_ = c.store.Del(context.Background(), sk) // self-heal corrupt
		c.hooks.StoreSelfHeal(sk, "corrupt")
		return
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		_ = c.store.Del(context.Background(), sk) // self-heal
		c.hooks.StoreSelfHeal(sk, "value_decode")
		return
	}
	c.mu.Lock()
	if c.entries[ks] == e && e.version == obsVersion && !e.hasData && len(e.muts) == 0 {
		e.base, e.baseHas = v, true
		e.data, e.hasData = v, true
		e.fetchedAt = fetchedAt
		e.stale = true // seed is last-known-good, never fresh
		e.notifyLocked()
		c.log.Debug("seeded entry from warm store", Fields{"key": ks})
	}
	c.mu.Unlock()
}

// authFailureLocked clears every entry and hands off to session recovery.
// Caller holds c.mu.
func (c *cache[V]) authFailureLocked(err error) {
	c.hooks.SessionInvalidated()
	c.log.Warn("auth failure detected; clearing cache", Fields{"err": err})
	c.seedDisabled = true
	for _, e := range c.entries {
		c.resetEntryLocked(e, err, err)
	}
	if c.onAuth == nil || c.recovering {
		return
	}
	c.recovering = true
	c.recoverDone = make(chan struct{})
	go c.runRecovery()
}

func (c *cache[V]) runRecovery() {
	err := c.onAuth(context.Background())
	c.mu.Lock()
	c.recovering = false
	close(c.recoverDone)
	if err != nil {
		c.log.Error("session recovery failed", Fields{"err": err})
		c.mu.Unlock()
		return
	}
	for _, e := range c.entries {
		if len(e.subs) > 0 && !e.fetching && len(e.muts) == 0 && e.fetch != nil {
			c.startFetchLocked(e, false)
		}
	}
	c.mu.Unlock()
}

// resetEntryLocked wipes one entry. entryErr lands in snapshots, mutErr
// settles any queued mutations. Caller holds c.mu.
func (c *cache[V]) resetEntryLocked(e *entry[V], entryErr, mutErr error) {
	var zero V
	e.data, e.hasData = zero, false
	e.base, e.baseHas = zero, false
	e.err = entryErr
	e.fetchedAt = time.Time{}
	e.stale = true
	e.version++
	e.fetching = false
	e.activeFetch = 0
	e.seeded = true
	for _, m := range e.muts {
		m.settleLocked(mutErr)
	}
	e.muts = nil
	e.notifyLocked()
}

func (c *cache[V]) storeKey(key Key) string {
	return util.StoreKey(c.ns, key.String())
}

func (c *cache[V]) writeStore(key Key, v V, fetchedAt time.Time) {
	if c.store == nil || c.disabled {
		return
	}
	sk := c.storeKey(key)
	payload, err := c.codec.Encode(v)
	if err != nil {
		c.hooks.StoreWriteError(sk, err)
		return
	}
	if err := c.store.Set(context.Background(), sk, wire.Encode(fetchedAt, payload), c.storeTTL); err != nil {
		c.hooks.StoreWriteError(sk, err)
		c.log.Debug("warm-store write failed", Fields{"key": key.String(), "err": err})
	}
}

func (c *cache[V]) deleteStore(key Key) {
	if c.store == nil {
		return
	}
	_ = c.store.Del(context.Background(), c.storeKey(key))
}

// clone deep-copies v through the codec so a rollback snapshot cannot alias
// the live value.
func (c *cache[V]) clone(v V) (V, error) {
	b, err := c.codec.Encode(v)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.codec.Decode(b)
}

func (c *cache[V]) cloneBest(v V) V {
	out, err := c.clone(v)
	if err != nil {
		c.log.Warn("snapshot clone failed; sharing value", Fields{"err": err})
		return v
	}
	return out
}

func (c *cache[V]) sweepLoop() {
	defer c.closeWg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *cache[V]) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for ks, e := range c.entries {
		if len(e.subs) == 0 && !e.gcAt.IsZero() && now.After(e.gcAt) &&
			len(e.muts) == 0 && !e.fetching {
			delete(c.entries, ks)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.log.Debug("gc removed unsubscribed entries", Fields{"removed": removed})
	}
}
