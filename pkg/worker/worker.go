package worker

import (
	"context"

	"github.com/beamline/qserver/pkg/types"
)

// EventType identifies events emitted by the worker
type EventType string

const (
	// EventReady is sent once after the worker environment finished loading
	EventReady EventType = "ready"
	// EventExited is sent when the worker process terminates
	EventExited EventType = "exited"

	EventPlanStarted    EventType = "plan_started"
	EventPlanPaused     EventType = "plan_paused"
	EventPlanCompleted  EventType = "plan_completed"
	EventRunListChanged EventType = "run_list_changed"
)

// Event is a single notification from the worker. PlanCompleted events carry
// the exit status and the UIDs of the runs the plan produced; the manager
// decides from the exit status whether the item goes back to the queue.
type Event struct {
	Type       EventType        `json:"event"`
	ItemUID    string           `json:"item_uid,omitempty"`
	ExitStatus types.ExitStatus `json:"exit_status,omitempty"`
	RunUIDs    []string         `json:"run_uids,omitempty"`
	RunList    []types.RunEntry `json:"run_list,omitempty"`
	Msg        string           `json:"msg,omitempty"`
}

// Worker is the manager-side handle of a run engine environment. Open and
// Close manage the environment lifecycle; plan control commands return once
// the worker acknowledged them, the outcome arrives later as an event.
type Worker interface {
	// Open starts the environment and blocks until the worker reports ready
	Open(ctx context.Context) error
	// Close asks the worker to shut down gracefully
	Close(ctx context.Context) error
	// Kill terminates the worker process without a handshake
	Kill() error

	// RunPlan starts executing a plan in the environment
	RunPlan(item types.Item) error
	// Pause interrupts the running plan at the next checkpoint (deferred)
	// or immediately
	Pause(option types.PauseOption) error
	// Resume continues a paused plan
	Resume() error
	// Stop finishes a paused plan with exit status "stopped"
	Stop() error
	// Abort finishes a paused plan with exit status "aborted"
	Abort() error
	// Halt finishes a paused plan with exit status "halted"
	Halt() error

	// RunList returns the worker's current list of runs
	RunList() ([]types.RunEntry, error)

	// Events returns the channel the worker delivers events on. The
	// channel is closed after EventExited.
	Events() <-chan Event

	// Alive reports whether the worker process is running
	Alive() bool
}
