package syncache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A Subscribe joined an already-running fetch instead of starting one.
	FetchCoalesced(key string)

	// A resolved fetch was discarded because the entry version moved while
	// it was in flight (invalidation or a newer accepted result).
	StaleResultDropped(key string)

	// An optimistic mutation failed and its snapshot was restored.
	RollbackApplied(key string, err error)

	// Background revalidation gave up after the configured retries.
	RetryExhausted(key string, attempts int, err error)

	// A fetch reported an auth failure; every entry was cleared before the
	// session-recovery callback ran.
	SessionInvalidated()

	// A focus/activity trigger fired below the idle threshold and was
	// swallowed.
	TriggerIgnored(kind TriggerKind, away time.Duration)

	// A warm-store entry was deleted on read.
	// reason ∈ {"corrupt", "value_decode"}
	StoreSelfHeal(storageKey, reason string)

	// Best-effort warm-store write failed.
	StoreWriteError(storageKey string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchCoalesced(string)                     {}
func (NopHooks) StaleResultDropped(string)                 {}
func (NopHooks) RollbackApplied(string, error)             {}
func (NopHooks) RetryExhausted(string, int, error)         {}
func (NopHooks) SessionInvalidated()                       {}
func (NopHooks) TriggerIgnored(TriggerKind, time.Duration) {}
func (NopHooks) StoreSelfHeal(string, string)              {}
func (NopHooks) StoreWriteError(string, error)             {}
