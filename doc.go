// Package syncache implements a subscription cache for REST resource queries
// with stale-while-revalidate semantics. Concurrent subscribers to the same
// key share one in-flight fetch; stale entries serve their last value while a
// background refresh runs; optimistic mutations apply immediately and roll
// back from a pre-mutation snapshot when the backing write fails.
//
// Components:
//   - Cache[V]: the subscription/mutation API (Subscribe, Get, Mutate,
//     Invalidate, NotifyTrigger).
//   - resource: typed CRUD client over /api/{resource} returning the
//     {success, data, error} envelope every backend call normalizes to.
//   - store.Store: optional warm store (Ristretto, BigCache, Redis) that
//     seeds a freshly created entry with last-known-good data.
//   - codec.Codec[V]: (de)serializes V for rollback snapshots and warm-store
//     payloads.
//
// Concurrency model: per key, at most one fetch is in flight and mutation
// writes run in FIFO order. A fetch records the entry version it started
// under and its result is discarded if the version moved (an invalidation or
// a newer accepted result) before it landed.
//
// Typical read path:
//
//	sub, _ := cache.Subscribe(ctx, key, fetcher)
//	defer sub.Close()
//	snap := sub.Snapshot() // {Data, Err, IsLoading, IsValidating}
//
// Typical optimistic write:
//
//	err := cache.Mutate(ctx, key, setNextGrade(x), syncache.MutateOptions[Grade]{
//	    Optimistic: true,
//	    Write:      writeThroughResourceClient,
//	})
package syncache
