package syncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/syncache/internal/wire"
	st "github.com/unkn0wn-root/syncache/store"
)

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ st.Store = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{m: make(map[string][]byte)} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[key]
	return b, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memStore) Close(_ context.Context) error { return nil }

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[key]
	return b, ok
}

type recHooks struct {
	NopHooks
	mu        sync.Mutex
	coalesced int
	dropped   int
	rollbacks int
	exhausted int
	sessions  int
	ignored   int
}

func (h *recHooks) FetchCoalesced(string) { h.mu.Lock(); h.coalesced++; h.mu.Unlock() }
func (h *recHooks) StaleResultDropped(string) {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}
func (h *recHooks) RollbackApplied(string, error) {
	h.mu.Lock()
	h.rollbacks++
	h.mu.Unlock()
}
func (h *recHooks) RetryExhausted(string, int, error) {
	h.mu.Lock()
	h.exhausted++
	h.mu.Unlock()
}
func (h *recHooks) SessionInvalidated() { h.mu.Lock(); h.sessions++; h.mu.Unlock() }
func (h *recHooks) TriggerIgnored(TriggerKind, time.Duration) {
	h.mu.Lock()
	h.ignored++
	h.mu.Unlock()
}

func (h *recHooks) counts() (coalesced, dropped, rollbacks, exhausted, sessions, ignored int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coalesced, h.dropped, h.rollbacks, h.exhausted, h.sessions, h.ignored
}

// countFetcher counts calls and returns the current value of fn.
type countFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func() (string, error)
}

func (f *countFetcher) fetch(context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn()
}

func (f *countFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fixed(v string) *countFetcher {
	return &countFetcher{fn: func() (string, error) { return v, nil }}
}

func newTestCache(t *testing.T, optsFn func(*Options[string])) Cache[string] {
	t.Helper()
	opts := Options[string]{
		Namespace:     "test",
		RetryCount:    -1,
		RetryInterval: 5 * time.Millisecond,
		Debounce:      10 * time.Millisecond,
	}
	if optsFn != nil {
		optsFn(&opts)
	}
	cc, err := New[string](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(context.Background()) })
	return cc
}

func mustImpl[V any](t *testing.T, c Cache[V]) *cache[V] {
	t.Helper()
	impl, ok := c.(*cache[V])
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ==============================
// Subscribe / fetch tests
// ==============================

// TestGetAndDedupeWindow verifies the basic fetch path and that a re-read
// within the deduping window does not refetch.
func TestGetAndDedupeWindow(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	f := fixed("grades-v1")
	k := MustKey("grades", "school-1", "", "")

	got, err := cc.Get(ctx, k, f.fetch)
	if err != nil || got != "grades-v1" {
		t.Fatalf("Get: got=%q err=%v", got, err)
	}
	if f.count() != 1 {
		t.Fatalf("expected 1 fetch, got %d", f.count())
	}

	// Within the window: served from cache, no refetch.
	if got, err := cc.Get(ctx, k, f.fetch); err != nil || got != "grades-v1" {
		t.Fatalf("Get (fresh): got=%q err=%v", got, err)
	}
	if f.count() != 1 {
		t.Fatalf("fresh hit should not refetch, got %d fetches", f.count())
	}
}

// TestCoalescing: N concurrent subscribers to one key share a single fetch.
func TestCoalescing(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	cc := newTestCache(t, func(o *Options[string]) { o.Hooks = hooks })
	impl := mustImpl(t, cc)
	k := MustKey("students", "school-1", "campus-2", "page=1")

	release := make(chan struct{})
	f := &countFetcher{fn: func() (string, error) {
		<-release
		return "students", nil
	}}

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cc.Get(ctx, k, f.fetch)
		}(i)
	}

	waitFor(t, time.Second, "all subscribers attached", func() bool {
		impl.mu.Lock()
		defer impl.mu.Unlock()
		e := impl.entries[k.String()]
		return e != nil && len(e.subs) == n
	})
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "students" {
			t.Fatalf("subscriber %d: got=%q err=%v", i, results[i], errs[i])
		}
	}
	if f.count() != 1 {
		t.Fatalf("coalescing broken: %d fetches for %d subscribers", f.count(), n)
	}
	if coalesced, _, _, _, _, _ := hooks.counts(); coalesced == 0 {
		t.Fatalf("expected FetchCoalesced hook to fire")
	}
}

// TestStaleWriteRejection: fetch A starts, is superseded by an invalidation
// and fetch B which resolves first; A's later arrival must not clobber B.
func TestStaleWriteRejection(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	cc := newTestCache(t, func(o *Options[string]) { o.Hooks = hooks })
	impl := mustImpl(t, cc)
	k := MustKey("sections", "school-1")

	gateA := make(chan struct{})
	var mu sync.Mutex
	next := "A"
	f := &countFetcher{}
	f.fn = func() (string, error) {
		mu.Lock()
		v := next
		mu.Unlock()
		if v == "A" {
			<-gateA // first fetch blocks until after B lands
		}
		return v, nil
	}

	sub, err := cc.Subscribe(ctx, k, f.fetch)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	waitFor(t, time.Second, "fetch A to start", func() bool { return f.count() == 1 })
	mu.Lock()
	next = "B"
	mu.Unlock()

	// Invalidate abandons A and (with a live subscriber) starts B.
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	waitFor(t, time.Second, "B to land", func() bool {
		s := impl.snapshotFor(k)
		return s.HasData && s.Data == "B"
	})

	// Release A; its result must be dropped on arrival.
	close(gateA)
	waitFor(t, time.Second, "A to be dropped", func() bool {
		_, dropped, _, _, _, _ := hooks.counts()
		return dropped >= 1
	})
	if s := impl.snapshotFor(k); s.Data != "B" {
		t.Fatalf("stale result overwrote fresher data: got %q", s.Data)
	}
}

// TestIdempotentInvalidation: invalidating twice produces the same next-fetch
// behavior as invalidating once.
func TestIdempotentInvalidation(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	f := fixed("v")
	k := MustKey("grades", "s")

	if _, err := cc.Get(ctx, k, f.fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate (second): %v", err)
	}

	// Next read fetches exactly once more, despite the double invalidation.
	if _, err := cc.Get(ctx, k, f.fetch); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if f.count() != 2 {
		t.Fatalf("expected 2 fetches total, got %d", f.count())
	}
}

// TestErrorRetainsStaleData: a failing revalidation keeps the last good
// value and surfaces the error alongside it.
func TestErrorRetainsStaleData(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	impl := mustImpl(t, cc)
	k := MustKey("fees", "s1")

	var mu sync.Mutex
	fail := false
	f := &countFetcher{fn: func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", &NetworkError{Op: "list", Err: errors.New("boom")}
		}
		return "fees-v1", nil
	}}

	sub, err := cc.Subscribe(ctx, k, f.fetch)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, time.Second, "initial load", func() bool { return sub.Snapshot().HasData })

	mu.Lock()
	fail = true
	mu.Unlock()
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	waitFor(t, time.Second, "error to surface", func() bool { return impl.snapshotFor(k).Err != nil })
	s := impl.snapshotFor(k)
	if !s.HasData || s.Data != "fees-v1" {
		t.Fatalf("stale data blanked on error: %+v", s)
	}
	if !IsTransient(s.Err) {
		t.Fatalf("expected transient error, got %v", s.Err)
	}
}

// TestNotFoundMarksStale: a fetch reporting the record gone leaves the entry
// stale so the next read goes back to the server.
func TestNotFoundMarksStale(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	impl := mustImpl(t, cc)
	k := MustKey("students", "s1", "st-9")

	var mu sync.Mutex
	gone := false
	f := &countFetcher{fn: func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if gone {
			return "", &NotFoundError{Resource: "students", ID: "st-9"}
		}
		return "student", nil
	}}

	if _, err := cc.Get(ctx, k, f.fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	mu.Lock()
	gone = true
	mu.Unlock()
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	// stale data is served while the revalidation runs and fails not-found
	if _, err := cc.Get(ctx, k, f.fetch); err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	waitFor(t, time.Second, "not-found to settle", func() bool {
		s := impl.snapshotFor(k)
		return IsNotFound(s.Err) && !s.IsValidating
	})
	before := f.count()

	// despite being within the deduping window, the next read revalidates
	_, _ = cc.Get(ctx, k, f.fetch)
	waitFor(t, time.Second, "revalidation after not-found", func() bool {
		return f.count() == before+1
	})
}

// TestBackgroundRetry: transient revalidation failures retry a bounded
// number of times, then give up with RetryExhausted.
func TestBackgroundRetry(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	cc := newTestCache(t, func(o *Options[string]) {
		o.Hooks = hooks
		o.RetryCount = 2
		o.RetryInterval = 2 * time.Millisecond
	})
	k := MustKey("schedule", "s1")

	var mu sync.Mutex
	fail := false
	f := &countFetcher{fn: func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", &NetworkError{Op: "list", Err: errors.New("flaky")}
		}
		return "ok", nil
	}}

	sub, err := cc.Subscribe(ctx, k, f.fetch)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	waitFor(t, time.Second, "initial load", func() bool { return sub.Snapshot().HasData })

	mu.Lock()
	fail = true
	mu.Unlock()
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	waitFor(t, time.Second, "retries to exhaust", func() bool {
		_, _, _, exhausted, _, _ := hooks.counts()
		return exhausted == 1
	})
	// initial + 1 try + 2 retries
	if f.count() != 4 {
		t.Fatalf("expected 4 fetch calls, got %d", f.count())
	}
}

// ==============================
// Optimistic mutation tests
// ==============================

// TestRollbackRestoresSnapshot: a failed optimistic mutation restores the
// literal pre-mutation value and fires RollbackApplied exactly once.
func TestRollbackRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	cc := newTestCache(t, func(o *Options[string]) { o.Hooks = hooks })
	impl := mustImpl(t, cc)
	k := MustKey("grades", "s1", "g10")

	if _, err := cc.Get(ctx, k, fixed("next=none").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}

	wErr := &ConflictError{Resource: "grades", Msg: "next grade already assigned"}
	err := cc.Mutate(ctx, k, Replace("next=g11"), MutateOptions[string]{
		Optimistic: true,
		Write: func(context.Context) (string, error) {
			// the optimistic value must be visible while the write runs
			if s := impl.snapshotFor(k); s.Data != "next=g11" {
				t.Errorf("optimistic value not applied before write: %q", s.Data)
			}
			return "", wErr
		},
	})
	if !IsConflict(err) {
		t.Fatalf("expected conflict from Mutate, got %v", err)
	}

	if s := impl.snapshotFor(k); s.Data != "next=none" {
		t.Fatalf("rollback did not restore snapshot: %q", s.Data)
	}
	if _, _, rollbacks, _, _, _ := hooks.counts(); rollbacks != 1 {
		t.Fatalf("expected exactly 1 rollback, got %d", rollbacks)
	}
}

// TestSequentialMutationComposition covers the serialize policy: a second
// optimistic mutation issued before the first resolves applies on top of it,
// and a failed first composes its rollback with the second.
func TestSequentialMutationComposition(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, firstErr error, want string) {
		cc := newTestCache(t, nil)
		impl := mustImpl(t, cc)
		k := MustKey("roster", "s1")
		if _, err := cc.Get(ctx, k, fixed("s0").fetch); err != nil {
			t.Fatalf("Get: %v", err)
		}

		release1 := make(chan struct{})
		release2 := make(chan struct{})
		done := make(chan error, 2)

		go func() {
			done <- cc.Mutate(ctx, k, func(cur string) string { return cur + "+1" }, MutateOptions[string]{
				Optimistic: true,
				Write: func(context.Context) (string, error) {
					<-release1
					return "", firstErr
				},
			})
		}()
		waitFor(t, time.Second, "f1 applied", func() bool { return impl.snapshotFor(k).Data == "s0+1" })

		go func() {
			done <- cc.Mutate(ctx, k, func(cur string) string { return cur + "+2" }, MutateOptions[string]{
				Optimistic: true,
				Write: func(context.Context) (string, error) {
					<-release2
					return "", nil
				},
			})
		}()
		waitFor(t, time.Second, "f2 applied", func() bool { return impl.snapshotFor(k).Data == "s0+1+2" })

		close(release1)
		close(release2)
		var errs []error
		for i := 0; i < 2; i++ {
			errs = append(errs, <-done)
		}

		waitFor(t, time.Second, "final state", func() bool { return impl.snapshotFor(k).Data == want })
		if firstErr == nil {
			for _, err := range errs {
				if err != nil {
					t.Fatalf("unexpected mutation error: %v", err)
				}
			}
		}
	}

	t.Run("both_succeed", func(t *testing.T) {
		run(t, nil, "s0+1+2") // f2(f1(S0))
	})
	t.Run("first_fails", func(t *testing.T) {
		// f1 rolls back to S0, f2 re-applies on top
		run(t, &ConflictError{Resource: "roster", Msg: "duplicate"}, "s0+2")
	})
}

// TestNonOptimisticMutationAppliesAfterWrite: without Optimistic the updater
// is invisible until the write confirms.
func TestNonOptimisticMutationAppliesAfterWrite(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	impl := mustImpl(t, cc)
	k := MustKey("lessons", "s1")

	if _, err := cc.Get(ctx, k, fixed("v1").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cc.Mutate(ctx, k, Replace("v2"), MutateOptions[string]{
			Write: func(context.Context) (string, error) {
				<-release
				return "", nil
			},
		})
	}()

	time.Sleep(10 * time.Millisecond)
	if s := impl.snapshotFor(k); s.Data != "v1" {
		t.Fatalf("non-optimistic mutation leaked before write: %q", s.Data)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	waitFor(t, time.Second, "value applied", func() bool { return impl.snapshotFor(k).Data == "v2" })
}

// TestPopulateAdoptsServerValue: the server's authoritative response replaces
// the optimistic one.
func TestPopulateAdoptsServerValue(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	impl := mustImpl(t, cc)
	k := MustKey("designations", "s1")

	if _, err := cc.Get(ctx, k, fixed("librarian").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	err := cc.Mutate(ctx, k, Replace("Librarian"), MutateOptions[string]{
		Optimistic: true,
		Populate:   true,
		Write: func(context.Context) (string, error) {
			return "Librarian (staff)", nil // server normalizes
		},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if s := impl.snapshotFor(k); s.Data != "Librarian (staff)" {
		t.Fatalf("populate did not adopt server value: %q", s.Data)
	}
}

// TestValidateRejectsBeforeApply: known-invalid input is never applied
// optimistically.
func TestValidateRejectsBeforeApply(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	impl := mustImpl(t, cc)
	k := MustKey("grades", "s1")

	if _, err := cc.Get(ctx, k, fixed("v1").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	verr := &ValidationError{Field: "name", Reason: "required"}
	err := cc.Mutate(ctx, k, Replace("v2"), MutateOptions[string]{
		Optimistic: true,
		Validate:   func() error { return verr },
		Write: func(context.Context) (string, error) {
			t.Error("write must not run for invalid input")
			return "", nil
		},
	})
	if !errors.Is(err, verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if s := impl.snapshotFor(k); s.Data != "v1" {
		t.Fatalf("invalid mutation was applied: %q", s.Data)
	}
}

// ==============================
// Session expiry tests
// ==============================

// TestAuthFailureClearsAndRecovers: an auth error clears every entry, defers
// to session recovery, and parks new fetches until it completes.
func TestAuthFailureClearsAndRecovers(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	recovering := make(chan struct{})
	releaseRecovery := make(chan struct{})

	cc := newTestCache(t, func(o *Options[string]) {
		o.Hooks = hooks
		o.OnAuthFailure = func(context.Context) error {
			close(recovering)
			<-releaseRecovery
			return nil
		}
	})
	impl := mustImpl(t, cc)

	other := MustKey("subjects", "s1")
	if _, err := cc.Get(ctx, other, fixed("subjects-v1").fetch); err != nil {
		t.Fatalf("Get (other): %v", err)
	}

	var mu sync.Mutex
	authFail := true
	f := &countFetcher{fn: func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if authFail {
			return "", &AuthError{Status: 401, Msg: "session expired"}
		}
		return "grades-v2", nil
	}}
	k := MustKey("grades", "s1")

	if _, err := cc.Get(ctx, k, f.fetch); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	<-recovering

	// Everything is cleared, including the unrelated key.
	if s := impl.snapshotFor(other); s.HasData {
		t.Fatalf("auth failure did not clear unrelated entry: %+v", s)
	}
	if _, _, _, _, sessions, _ := hooks.counts(); sessions != 1 {
		t.Fatalf("expected 1 SessionInvalidated, got %d", sessions)
	}

	// A fetch started during recovery parks instead of hitting the network.
	mu.Lock()
	authFail = false
	mu.Unlock()
	sub, err := cc.Subscribe(ctx, k, f.fetch)
	if err != nil {
		t.Fatalf("Subscribe during recovery: %v", err)
	}
	defer sub.Close()
	time.Sleep(10 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("fetch ran during recovery: %d calls", f.count())
	}

	close(releaseRecovery)
	waitFor(t, time.Second, "post-recovery fetch", func() bool {
		s := sub.Snapshot()
		return s.HasData && s.Data == "grades-v2"
	})
}

// ==============================
// Warm store tests
// ==============================

// TestWarmStoreSeedAndWriteThrough: a fresh entry seeds from the warm store
// (always stale), then the real fetch overwrites both entry and store.
func TestWarmStoreSeedAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	cc := newTestCache(t, func(o *Options[string]) { o.Store = ms })
	impl := mustImpl(t, cc)
	k := MustKey("links", "s1")

	// Preload a framed last-known-good value.
	payload, err := impl.codec.Encode("links-stale")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	seededAt := time.Now().Add(-time.Hour)
	if err := ms.Set(ctx, impl.storeKey(k), wire.Encode(seededAt, payload), 0); err != nil {
		t.Fatalf("store set: %v", err)
	}

	release := make(chan struct{})
	f := &countFetcher{fn: func() (string, error) {
		<-release
		return "links-fresh", nil
	}}
	sub, err := cc.Subscribe(ctx, k, f.fetch)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Seed shows up while the fetch is still in flight, marked validating.
	waitFor(t, time.Second, "seed to land", func() bool {
		s := sub.Snapshot()
		return s.HasData && s.Data == "links-stale" && s.IsValidating
	})

	close(release)
	waitFor(t, time.Second, "fresh value", func() bool { return sub.Snapshot().Data == "links-fresh" })

	// Write-through: the store now holds the fresh value.
	waitFor(t, time.Second, "store write-through", func() bool {
		b, ok := ms.get(impl.storeKey(k))
		if !ok {
			return false
		}
		_, p, err := wire.Decode(b)
		if err != nil {
			return false
		}
		var v string
		if json.Unmarshal(p, &v) != nil {
			return false
		}
		return v == "links-fresh"
	})
}

// TestWarmStoreSelfHealOnCorrupt: corrupt store bytes are deleted, not served.
func TestWarmStoreSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	cc := newTestCache(t, func(o *Options[string]) { o.Store = ms })
	impl := mustImpl(t, cc)
	k := MustKey("links", "s2")

	sk := impl.storeKey(k)
	if err := ms.Set(ctx, sk, []byte("not-wire-format"), 0); err != nil {
		t.Fatalf("store set: %v", err)
	}

	if got, err := cc.Get(ctx, k, fixed("fresh").fetch); err != nil || got != "fresh" {
		t.Fatalf("Get: got=%q err=%v", got, err)
	}
	waitFor(t, time.Second, "corrupt entry replaced", func() bool {
		b, ok := ms.get(sk)
		if !ok {
			return true // deleted by self-heal before write-through
		}
		_, _, err := wire.Decode(b)
		return err == nil
	})
}

// TestInvalidateDropsStoreEntry: invalidation removes the warm copy too.
func TestInvalidateDropsStoreEntry(t *testing.T) {
	ctx := context.Background()
	ms := newMemStore()
	cc := newTestCache(t, func(o *Options[string]) { o.Store = ms })
	impl := mustImpl(t, cc)
	k := MustKey("links", "s3")

	if _, err := cc.Get(ctx, k, fixed("v").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitFor(t, time.Second, "store populated", func() bool {
		_, ok := ms.get(impl.storeKey(k))
		return ok
	})
	if err := cc.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	waitFor(t, time.Second, "store entry dropped", func() bool {
		_, ok := ms.get(impl.storeKey(k))
		return !ok
	})
}

// ==============================
// Lifecycle tests
// ==============================

// TestGCRemovesUnsubscribedEntries: entries with no subscribers are swept
// after the grace period.
func TestGCRemovesUnsubscribedEntries(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, func(o *Options[string]) {
		o.GCGrace = 5 * time.Millisecond
		o.SweepInterval = 5 * time.Millisecond
	})
	impl := mustImpl(t, cc)
	k := MustKey("dash", "s1")

	if _, err := cc.Get(ctx, k, fixed("v").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitFor(t, time.Second, "entry to be collected", func() bool {
		impl.mu.Lock()
		defer impl.mu.Unlock()
		return len(impl.entries) == 0
	})
}

// TestClearSettlesPendingMutations: Clear fails queued writes' callers with
// ErrCacheCleared and wipes data.
func TestClearSettlesPendingMutations(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	impl := mustImpl(t, cc)
	k := MustKey("attendance", "s1")

	if _, err := cc.Get(ctx, k, fixed("v1").fetch); err != nil {
		t.Fatalf("Get: %v", err)
	}

	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cc.Mutate(ctx, k, Replace("v2"), MutateOptions[string]{
			Optimistic: true,
			Write: func(context.Context) (string, error) {
				<-block
				return "", nil
			},
		})
	}()
	waitFor(t, time.Second, "optimistic apply", func() bool { return impl.snapshotFor(k).Data == "v2" })

	if err := cc.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrCacheCleared) {
		t.Fatalf("expected ErrCacheCleared, got %v", err)
	}
	if s := impl.snapshotFor(k); s.HasData {
		t.Fatalf("Clear left data behind: %+v", s)
	}
	close(block)
}

// TestSubscribeAfterClose fails fast.
func TestSubscribeAfterClose(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	if err := cc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := cc.Subscribe(ctx, MustKey("x"), fixed("v").fetch); err == nil {
		t.Fatalf("expected error after Close")
	}
}

// TestDisabledAlwaysRevalidates: the kill switch turns the freshness window
// off but keeps coalescing.
func TestDisabledAlwaysRevalidates(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, func(o *Options[string]) { o.Disabled = true })
	impl := mustImpl(t, cc)
	f := fixed("v")
	k := MustKey("settings", "s1")

	for i := 1; i <= 3; i++ {
		if _, err := cc.Get(ctx, k, f.fetch); err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		// a Get on existing data returns before its revalidation resolves;
		// let it settle so the next Get is not coalesced into it
		want := i
		waitFor(t, time.Second, "revalidation to settle", func() bool {
			return f.count() == want && !impl.snapshotFor(k).IsValidating
		})
	}
	if f.count() != 3 {
		t.Fatalf("disabled cache should refetch every read, got %d fetches", f.count())
	}
}

func TestNamespaceRequired(t *testing.T) {
	if _, err := New[string](Options[string]{}); err == nil {
		t.Fatalf("expected error for missing namespace")
	}
}

// sanity: concurrent mixed traffic under the race detector
func TestConcurrentMixedTraffic(t *testing.T) {
	ctx := context.Background()
	cc := newTestCache(t, nil)
	k := MustKey("mixed", "s1")
	f := fixed("v")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch j % 4 {
				case 0:
					_, _ = cc.Get(ctx, k, f.fetch)
				case 1:
					_ = cc.Invalidate(ctx, k)
				case 2:
					_ = cc.Mutate(ctx, k, Replace(fmt.Sprintf("m-%d-%d", i, j)), MutateOptions[string]{
						Optimistic: true,
						Write:      func(context.Context) (string, error) { return "", nil },
					})
				case 3:
					cc.NotifyTrigger(Trigger{Kind: TriggerOnline})
				}
			}
		}(i)
	}
	wg.Wait()
}
