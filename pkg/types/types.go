package types

// ItemType discriminates queue items
type ItemType string

const (
	ItemTypePlan        ItemType = "plan"
	ItemTypeInstruction ItemType = "instruction"
)

// InstructionQueueStop is the only instruction currently recognized by the
// queue manager. It stops queue execution after the preceding plan completes.
const InstructionQueueStop = "queue_stop"

// Item represents a single entry of the plan queue or the plan history.
// Plans carry args/kwargs for the run engine; instructions control the queue
// itself and carry no execution payload.
type Item struct {
	ItemType  ItemType               `json:"item_type"`
	Name      string                 `json:"name"`
	Args      []interface{}          `json:"args,omitempty"`
	Kwargs    map[string]interface{} `json:"kwargs,omitempty"`
	ItemUID   string                 `json:"item_uid,omitempty"`
	User      string                 `json:"user,omitempty"`
	UserGroup string                 `json:"user_group,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Result    *Result                `json:"result,omitempty"`
}

// Result is attached to history entries when a processed item leaves the
// running slot. ExitStatus is recorded verbatim from the worker.
type Result struct {
	ExitStatus ExitStatus `json:"exit_status"`
	RunUIDs    []string   `json:"run_uids"`
}

// Copy returns a copy of the item that does not share args/kwargs/meta
// containers with the original.
func (it Item) Copy() Item {
	cp := it
	if it.Args != nil {
		cp.Args = make([]interface{}, len(it.Args))
		copy(cp.Args, it.Args)
	}
	if it.Kwargs != nil {
		cp.Kwargs = make(map[string]interface{}, len(it.Kwargs))
		for k, v := range it.Kwargs {
			cp.Kwargs[k] = v
		}
	}
	if it.Meta != nil {
		cp.Meta = make(map[string]interface{}, len(it.Meta))
		for k, v := range it.Meta {
			cp.Meta[k] = v
		}
	}
	if it.Result != nil {
		r := *it.Result
		if it.Result.RunUIDs != nil {
			r.RunUIDs = make([]string, len(it.Result.RunUIDs))
			copy(r.RunUIDs, it.Result.RunUIDs)
		}
		cp.Result = &r
	}
	return cp
}

// ExitStatus describes how a processed plan terminated
type ExitStatus string

const (
	ExitStatusCompleted ExitStatus = "completed"
	ExitStatusStopped   ExitStatus = "stopped"
	ExitStatusAborted   ExitStatus = "aborted"
	ExitStatusHalted    ExitStatus = "halted"
	ExitStatusFailed    ExitStatus = "failed"
)

// ManagerState represents the state of the queue manager state machine
type ManagerState string

const (
	StateInitializing        ManagerState = "initializing"
	StateIdle                ManagerState = "idle"
	StateCreatingEnvironment ManagerState = "creating_environment"
	StateExecutingQueue      ManagerState = "executing_queue"
	StatePaused              ManagerState = "paused"
	StateClosingEnvironment  ManagerState = "closing_environment"
	StateStopping            ManagerState = "stopping"
)

// PauseOption selects how the run engine interrupts a running plan
type PauseOption string

const (
	PauseDeferred  PauseOption = "deferred"
	PauseImmediate PauseOption = "immediate"
)

// RunEntry describes one observation run opened by the currently executing
// plan. ExitStatus is empty while the run is open.
type RunEntry struct {
	UID        string `json:"uid"`
	IsOpen     bool   `json:"is_open"`
	ExitStatus string `json:"exit_status,omitempty"`
}

// Status is the document returned by the 'ping' and 'status' methods of the
// control channel. Revision tags let clients detect change without polling
// full state.
type Status struct {
	Msg                     string       `json:"msg"`
	ManagerState            ManagerState `json:"manager_state"`
	ItemsInQueue            int          `json:"items_in_queue"`
	ItemsInHistory          int          `json:"items_in_history"`
	RunningItemUID          *string      `json:"running_item_uid"`
	WorkerEnvironmentExists bool         `json:"worker_environment_exists"`
	PlanQueueUID            string       `json:"plan_queue_uid"`
	PlanHistoryUID          string       `json:"plan_history_uid"`
	RunListUID              string       `json:"run_list_uid"`
	QueueStopPending        bool         `json:"queue_stop_pending"`
}
