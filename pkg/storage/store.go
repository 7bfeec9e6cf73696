package storage

import (
	"github.com/beamline/qserver/pkg/types"
)

// Store defines the durable persistence interface for the plan queue service.
// It provides the ordered-list and single-slot primitives the queue is built
// on: the plan queue (rewritten as a whole on mutation), the append-only plan
// history, and the running-item slot.
type Store interface {
	// Plan queue
	QueueItems() ([]types.Item, error)
	ReplaceQueue(items []types.Item) error

	// Plan history
	HistoryItems() ([]types.Item, error)
	AppendHistory(item types.Item) error
	ClearHistory() error

	// Running item slot (zero or one element)
	RunningItem() (*types.Item, error)
	SetRunningItem(item types.Item) error
	ClearRunningItem() error

	// Wipe removes all persisted state. Test hook.
	Wipe() error

	Close() error
}
