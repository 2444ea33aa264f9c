package syncache

import (
	"context"
	"fmt"
)

// Mutate applies up to the entry for key per opts and blocks until the
// backing write (if any) settles. Optimistic mutations snapshot the current
// value, apply immediately, and roll back on write failure; writes for one
// key run strictly FIFO, so a second mutation issued before the first
// resolves applies on top of the first's optimistic result and its rollback
// composes with the first's.
func (c *cache[V]) Mutate(ctx context.Context, key Key, up Updater[V], opts MutateOptions[V]) error {
	if key.IsZero() {
		return &ValidationError{Field: "key", Reason: "zero key"}
	}
	if up == nil {
		return &ValidationError{Field: "updater", Reason: "required"}
	}
	if opts.Validate != nil {
		// known-invalid input: fail before anything is applied
		if err := opts.Validate(); err != nil {
			return err
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	e := c.entryLocked(key)

	m := &pendingMutation[V]{
		up:       up,
		write:    opts.Write,
		populate: opts.Populate,
		ctx:      ctx,
		deferred: opts.Write != nil && !opts.Optimistic,
		done:     make(chan error, 1),
	}

	if !m.deferred {
		if e.hasData {
			snap, err := c.clone(e.data)
			if err != nil {
				c.mu.Unlock()
				return fmt.Errorf("syncache: rollback snapshot: %w", err)
			}
			m.snap, m.snapHas = snap, true
		}
		e.data = up(e.data)
		e.hasData = true
		m.applied = e.data
		e.notifyLocked()
	}

	if opts.Write == nil {
		// local-only mutation: confirmed immediately, reconciled with the
		// server on the next revalidation
		e.base, e.baseHas = e.data, true
		e.stale = true
		c.mu.Unlock()
		return nil
	}

	e.muts = append(e.muts, m)
	if !e.writeActive {
		e.writeActive = true
		go c.runWrites(key.String(), e)
	}
	c.mu.Unlock()

	select {
	case err := <-m.done:
		return err
	case <-ctx.Done():
		// the queued write keeps running; the caller just stops waiting
		return ctx.Err()
	}
}

// runWrites drains e's mutation queue one write at a time. Only the head is
// ever in flight, so settle order equals issue order.
func (c *cache[V]) runWrites(ks string, e *entry[V]) {
	for {
		c.mu.Lock()
		if cur := c.entries[ks]; cur != e {
			c.mu.Unlock()
			return
		}
		if len(e.muts) == 0 {
			e.writeActive = false
			if e.dirty {
				// last confirmed write carried no authoritative response;
				// refetch so the entry converges on the server's view
				e.dirty = false
				e.stale = true
				if len(e.subs) > 0 && !e.fetching && e.fetch != nil && !c.recovering {
					c.startFetchLocked(e, e.hasData)
				}
			}
			c.mu.Unlock()
			return
		}
		m := e.muts[0]
		c.mu.Unlock()

		v, err := m.write(m.ctx)

		c.mu.Lock()
		if cur := c.entries[ks]; cur != e || m.settled {
			// entry reset underneath us; the mutation was settled there
			c.mu.Unlock()
			continue
		}
		switch {
		case err == nil:
			c.confirmHeadLocked(e, m, v)
			m.settleLocked(nil)
		case IsAuth(err):
			// settles every queued mutation, m included
			c.authFailureLocked(err)
		default:
			c.rollbackHeadLocked(ks, e, m, err)
			m.settleLocked(err)
		}
		c.mu.Unlock()
	}
}

// confirmHeadLocked folds a confirmed write into the entry. Caller holds
// c.mu; m is e.muts[0].
func (c *cache[V]) confirmHeadLocked(e *entry[V], m *pendingMutation[V], server V) {
	e.muts = e.muts[1:]
	switch {
	case m.populate:
		// adopt the server's authoritative value and rebase the still
		// pending updaters on it
		e.base, e.baseHas = server, true
		e.err = nil
		e.fetchedAt = c.now()
		e.stale = false
		c.recomputeLocked(e)
	case m.deferred:
		// non-optimistic: apply only now that the write succeeded
		if e.baseHas {
			e.base = m.up(e.base)
		} else {
			var zero V
			e.base = m.up(zero)
		}
		e.baseHas = true
		e.dirty = true
		c.recomputeLocked(e)
	default:
		// optimistic value stands; it becomes the confirmed base
		e.base, e.baseHas = m.applied, true
		e.dirty = true
	}
	e.notifyLocked()
}

// rollbackHeadLocked restores m's pre-mutation snapshot and re-applies the
// still-queued optimistic updaters on top, retaking their snapshots so later
// rollbacks compose. The snapshot is consumed here and never reapplied.
// Caller holds c.mu; m is e.muts[0].
func (c *cache[V]) rollbackHeadLocked(ks string, e *entry[V], m *pendingMutation[V], err error) {
	e.muts = e.muts[1:]
	if m.deferred {
		// nothing was applied; nothing to roll back
		return
	}
	v, has := m.snap, m.snapHas
	for _, q := range e.muts {
		if q.deferred || q.settled {
			continue
		}
		if has {
			q.snap, q.snapHas = c.cloneBest(v), true
		} else {
			var zero V
			q.snap, q.snapHas = zero, false
		}
		v = q.up(v)
		has = true
		q.applied = v
	}
	e.data, e.hasData = v, has
	e.stale = true
	c.hooks.RollbackApplied(ks, err)
	c.log.Debug("rolled back optimistic mutation", Fields{"key": ks, "err": err})
	e.notifyLocked()
}

// recomputeLocked rebuilds the displayed value as base plus the pending
// optimistic updaters in order, retaking each one's rollback snapshot.
// Caller holds c.mu.
func (c *cache[V]) recomputeLocked(e *entry[V]) {
	v, has := e.base, e.baseHas
	for _, q := range e.muts {
		if q.deferred || q.settled {
			continue
		}
		if has {
			q.snap, q.snapHas = c.cloneBest(v), true
		} else {
			var zero V
			q.snap, q.snapHas = zero, false
		}
		v = q.up(v)
		has = true
		q.applied = v
	}
	e.data, e.hasData = v, has
}
