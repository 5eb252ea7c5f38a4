// Package storage is the durable tier of the two-tier task residency model.
//
// Every scheduled task is written here unconditionally; the scheduler's
// in-memory cache only mirrors the near-term slice. Statuses are a small
// fixed vocabulary resolved through a lookup table (sqlite) or stored as
// labels (redis/memory); an unknown label on read degrades to "pending"
// instead of failing the read.
//
// The deliveries table/list is an append-only audit of channel send
// attempts, written best-effort by the orchestrator.
package storage
