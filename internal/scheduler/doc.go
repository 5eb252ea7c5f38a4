// Package scheduler keeps the task timeline moving. Tasks live in two tiers:
// every task is persisted in the durable store, and tasks due within the
// configured horizon are additionally held in a memory cache. A fast loop
// polls the cache and executes due tasks sequentially; a slow loop reconciles
// the cache against the store so that newly-in-horizon work is admitted and
// finished work is evicted. The slow reconciliation also runs once at start,
// which is how pending work survives a restart.
package scheduler
