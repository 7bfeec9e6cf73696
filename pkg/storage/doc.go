/*
Package storage provides BoltDB-backed persistence for the plan queue.

The storage package implements the Store interface using BoltDB as the
underlying database. It persists the three pieces of durable queue state:
the ordered plan queue, the append-only plan history and the single-element
running-item slot. All data is serialized as JSON.

# Architecture

	┌─────────────────── BOLTDB STORAGE ────────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────────┐         │
	│  │            BoltStore                      │         │
	│  │  - File: <dataDir>/qserver.db             │         │
	│  │  - Transactions: ACID with fsync          │         │
	│  │  - Open retried with backoff              │         │
	│  └──────────────────┬───────────────────────┘         │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐         │
	│  │            Bucket Structure               │         │
	│  │  ┌─────────────────────────────────┐     │         │
	│  │  │ plan_queue   (position key)     │     │         │
	│  │  │ plan_history (sequence key)     │     │         │
	│  │  │ meta         (running_item key) │     │         │
	│  │  └─────────────────────────────────┘     │         │
	│  └──────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────┘

# Ordering

Queue order is encoded in the keys: positions and history sequence numbers
are stored as fixed-width big-endian integers, so a bucket cursor walks the
entries in queue order without sorting.

Queue mutations are arbitrary (insert at position, move, replace), which is
why ReplaceQueue rewrites the whole queue bucket in one transaction instead
of patching individual entries. The queue is small (typically tens to
hundreds of items), so the rewrite is cheap and keeps every mutation
atomic.

# Usage

	store, err := storage.NewBoltStore("/var/lib/qserver")
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.QueueItems()
*/
package storage
