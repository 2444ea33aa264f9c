package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/syncache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CoalescedEvery uint64
	SelfHealEvery  uint64
	IgnoredEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	coalescedCtr atomic.Uint64
	selfHealCtr  atomic.Uint64
	ignoredCtr   atomic.Uint64
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchCoalesced(key string) {
	if h.l == nil || !sample(h.opts.CoalescedEvery, &h.coalescedCtr) {
		return
	}
	h.l.Debug("syncache.fetch_coalesced",
		"key", h.redact(key))
}

func (h *Hooks) StaleResultDropped(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.stale_result_dropped",
		"key", h.redact(key))
}

func (h *Hooks) RollbackApplied(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.rollback_applied",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) RetryExhausted(key string, attempts int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.retry_exhausted",
		"key", h.redact(key),
		"attempts", attempts,
		"err", err)
}

func (h *Hooks) SessionInvalidated() {
	if h.l == nil {
		return
	}
	h.l.Error("syncache.session_invalidated",
		"msg", "cache cleared; deferring to session recovery")
}

func (h *Hooks) TriggerIgnored(kind syncache.TriggerKind, away time.Duration) {
	if h.l == nil || !sample(h.opts.IgnoredEvery, &h.ignoredCtr) {
		return
	}
	h.l.Debug("syncache.trigger_ignored",
		"kind", kind.String(),
		"away", away)
}

func (h *Hooks) StoreSelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("syncache.store_self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreWriteError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.store_write_error",
		"key", h.redact(storageKey),
		"err", err)
}
