// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/syncache"
//	"github.com/unkn0wn-root/syncache/hooks/async"
//	"github.com/unkn0wn-root/syncache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    CoalescedEvery: 50, // sample logs: ~every 50th coalesced fetch
//	    SelfHealEvery:  10,
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := syncache.New[Grade](syncache.Options[Grade]{
//	    Namespace: "grades",
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/syncache"
)

type Hooks struct {
	inner syncache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(inner syncache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchCoalesced(k string)     { h.try(func() { h.inner.FetchCoalesced(k) }) }
func (h *Hooks) StaleResultDropped(k string) { h.try(func() { h.inner.StaleResultDropped(k) }) }
func (h *Hooks) SessionInvalidated()         { h.try(func() { h.inner.SessionInvalidated() }) }
func (h *Hooks) RollbackApplied(k string, err error) {
	h.try(func() { h.inner.RollbackApplied(k, err) })
}
func (h *Hooks) RetryExhausted(k string, attempts int, err error) {
	h.try(func() { h.inner.RetryExhausted(k, attempts, err) })
}
func (h *Hooks) TriggerIgnored(kind syncache.TriggerKind, away time.Duration) {
	h.try(func() { h.inner.TriggerIgnored(kind, away) })
}
func (h *Hooks) StoreSelfHeal(k, reason string) {
	h.try(func() { h.inner.StoreSelfHeal(k, reason) })
}
func (h *Hooks) StoreWriteError(k string, err error) {
	h.try(func() { h.inner.StoreWriteError(k, err) })
}
