package syncache

import (
	"context"
	"time"
)

// TriggerKind names a revalidation event source.
type TriggerKind int

const (
	// TriggerFocus: window regained focus after being hidden.
	TriggerFocus TriggerKind = iota + 1
	// TriggerOnline: network came back after being offline.
	TriggerOnline
	// TriggerActive: user returned from an idle period.
	TriggerActive
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerFocus:
		return "focus"
	case TriggerOnline:
		return "online"
	case TriggerActive:
		return "active"
	default:
		return "unknown"
	}
}

// Trigger is one revalidation event. Away is how long the window was hidden
// or the user idle; unused for TriggerOnline.
type Trigger struct {
	Kind TriggerKind
	Away time.Duration
}

// NotifyTrigger applies the revalidation policy to one trigger. Focus and
// activity triggers below the idle threshold are swallowed (fast tab
// switching must not cause refetch storms); reconnects always pass. Passing
// triggers are debounced into a single revalidation pass over every entry
// with at least one subscriber.
func (c *cache[V]) NotifyTrigger(tr Trigger) {
	switch tr.Kind {
	case TriggerFocus, TriggerActive:
		if tr.Away < c.idleThreshold {
			c.hooks.TriggerIgnored(tr.Kind, tr.Away)
			return
		}
	case TriggerOnline:
	default:
		return
	}

	c.mu.Lock()
	if c.closed || c.revalTimer != nil { // a pass is already pending; coalesce
		c.mu.Unlock()
		return
	}
	c.revalTimer = time.AfterFunc(c.debounce, c.revalidatePass)
	c.mu.Unlock()
	c.log.Debug("revalidation pass scheduled", Fields{"kind": tr.Kind.String()})
}

func (c *cache[V]) revalidatePass() {
	c.mu.Lock()
	c.revalTimer = nil
	if c.closed || c.recovering {
		c.mu.Unlock()
		return
	}
	started := 0
	for _, e := range c.entries {
		if len(e.subs) == 0 || e.fetching || len(e.muts) > 0 || e.fetch == nil {
			continue
		}
		e.stale = true
		c.startFetchLocked(e, e.hasData)
		started++
	}
	c.mu.Unlock()
	if started > 0 {
		c.log.Debug("revalidation pass", Fields{"refetched": started})
	}
}

// Watch drains triggers from ch into c until ctx is done or ch closes.
// Convenience for wiring platform event sources (visibility, connectivity,
// input activity) to the cache.
func Watch[V any](ctx context.Context, c Cache[V], ch <-chan Trigger) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-ch:
			if !ok {
				return
			}
			c.NotifyTrigger(tr)
		}
	}
}
