/*
Package queue implements the plan queue data service.

The service owns all queue state: the ordered list of pending items, the
plan history, the running-item slot and the UID index. Every operation is
serialized by a single mutex and persists its result before returning, so
the durable copy in BoltDB never diverges from what callers observed.

# Architecture

	┌──────────────────── PLAN QUEUE ────────────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐         │
	│  │              PlanQueue                     │         │
	│  │  - items: ordered pending items            │         │
	│  │  - running: zero or one item               │         │
	│  │  - uidIndex: UID -> item (queue + running) │         │
	│  │  - revision tags (queue, history)          │         │
	│  └──────────────────┬────────────────────────┘         │
	│                     │ every mutation                    │
	│  ┌──────────────────▼────────────────────────┐         │
	│  │            storage.Store                   │         │
	│  │  - ReplaceQueue / AppendHistory            │         │
	│  │  - SetRunningItem / ClearRunningItem       │         │
	│  └───────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────┘

# Positions

Operations address items by integer position, by the symbols "front" and
"back", or by item UID. Negative positions count from the back, python
style: -1 is the last item. Insertions clamp out-of-range positions to the
queue boundaries; reads and removals reject them.

# Revision tags

The queue and the history each carry a revision tag, a fresh UUID minted
whenever the corresponding collection changes. Operations that leave the
collection unchanged (a move to the same position, popping from an empty
queue) do not touch the tag, so clients can use tag equality to skip
reloading.

# Item lifecycle

	AddItemToQueue       queue grows, UID enters the index
	SetNextItemAsRunning front item moves to the running slot
	SetProcessedItemAsCompleted
	                     running item + result appended to the history
	SetProcessedItemAsStopped
	                     same, plus a copy returns to the queue front

A stopped, aborted or halted plan therefore reappears at the front of the
queue and is re-attempted by the next queue start, while completed and
failed plans only leave a history record.
*/
package queue
