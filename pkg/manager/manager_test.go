package manager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beamline/qserver/pkg/events"
	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/types"
	"github.com/beamline/qserver/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const testPermissions = `
plans:
  count:
    description: Read detectors a number of times
  scan:
    description: Step scan over one motor
  failing_plan:
    description: Plan that always fails
devices:
  det1:
    description: Detector 1
user_groups:
  admin:
    allowed_plans:
      - ".*"
    allowed_devices:
      - ".*"
  restricted:
    allowed_plans:
      - "^count$"
`

// fakeEnv is an in-process worker environment with deterministic behavior:
// plans complete shortly after they are started unless manual mode is on, in
// which case they run until finish is called or a control command ends them.
type fakeEnv struct {
	mu      sync.Mutex
	events  chan worker.Event
	alive   bool
	manual  bool
	current *types.Item
	paused  bool
}

func newFakeEnv(manual bool) *fakeEnv {
	return &fakeEnv{manual: manual}
}

func (f *fakeEnv) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = make(chan worker.Event, 32)
	f.alive = true
	return nil
}

func (f *fakeEnv) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return
	}
	f.alive = false
	f.events <- worker.Event{Type: worker.EventExited}
	close(f.events)
}

func (f *fakeEnv) Close(ctx context.Context) error { f.exit(); return nil }
func (f *fakeEnv) Kill() error                     { f.exit(); return nil }

func (f *fakeEnv) RunPlan(item types.Item) error {
	f.mu.Lock()
	cp := item.Copy()
	f.current = &cp
	f.paused = false
	f.events <- worker.Event{Type: worker.EventPlanStarted, ItemUID: item.ItemUID}
	manual := f.manual
	f.mu.Unlock()

	if !manual {
		go func() {
			time.Sleep(5 * time.Millisecond)
			status := types.ExitStatusCompleted
			if item.Name == "failing_plan" {
				status = types.ExitStatusFailed
			}
			f.finish(status)
		}()
	}
	return nil
}

func (f *fakeEnv) finish(status types.ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return
	}
	uid := f.current.ItemUID
	f.current = nil
	f.events <- worker.Event{
		Type:       worker.EventPlanCompleted,
		ItemUID:    uid,
		ExitStatus: status,
		RunUIDs:    []string{"run-" + uid},
	}
}

func (f *fakeEnv) Pause(option types.PauseOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.events <- worker.Event{Type: worker.EventPlanPaused, ItemUID: f.current.ItemUID}
	return nil
}

func (f *fakeEnv) Resume() error {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
	return nil
}

func (f *fakeEnv) Stop() error  { f.finish(types.ExitStatusStopped); return nil }
func (f *fakeEnv) Abort() error { f.finish(types.ExitStatusAborted); return nil }
func (f *fakeEnv) Halt() error  { f.finish(types.ExitStatusHalted); return nil }

func (f *fakeEnv) RunList() ([]types.RunEntry, error) { return nil, nil }

func (f *fakeEnv) Events() <-chan worker.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeEnv) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func newTestManager(t *testing.T, manual bool) (*Manager, *fakeEnv) {
	t.Helper()

	dir := t.TempDir()
	permPath := filepath.Join(dir, "permissions.yaml")
	require.NoError(t, os.WriteFile(permPath, []byte(testPermissions), 0o644))

	env := newFakeEnv(manual)
	m, err := NewManager(Config{
		DataDir:         dir,
		PermissionsPath: permPath,
		WorkerFactory:   func() worker.Worker { return env },
	})
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m, env
}

func dispatch(t *testing.T, m *Manager, method string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := m.Dispatch(ctx, method, params)
	require.NoError(t, err, "method %s", method)
	return payload
}

func dispatchErr(t *testing.T, m *Manager, method string, params map[string]interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.Dispatch(ctx, method, params)
	require.Error(t, err, "method %s", method)
	return err
}

func status(t *testing.T, m *Manager) map[string]interface{} {
	return dispatch(t, m, "status", nil)
}

func waitFor(t *testing.T, m *Manager, cond func(map[string]interface{}) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if cond(status(t, m)) {
			return
		}
		require.True(t, time.Now().Before(deadline), "condition not reached, status: %v", status(t, m))
		time.Sleep(5 * time.Millisecond)
	}
}

func openEnvironment(t *testing.T, m *Manager) {
	t.Helper()
	dispatch(t, m, "environment_open", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["worker_environment_exists"] == true &&
			st["manager_state"] == types.StateIdle
	})
}

func addPlan(t *testing.T, m *Manager, name string) types.Item {
	t.Helper()
	payload := dispatch(t, m, "queue_item_add", map[string]interface{}{
		"item":       map[string]interface{}{"item_type": "plan", "name": name},
		"user":       "testuser",
		"user_group": "admin",
	})
	item, ok := payload["item"].(types.Item)
	require.True(t, ok)
	return item
}

func TestPingAndStatus(t *testing.T) {
	m, _ := newTestManager(t, false)

	st := dispatch(t, m, "ping", nil)
	assert.Equal(t, "RE Manager", st["msg"])
	assert.Equal(t, types.StateIdle, st["manager_state"])
	assert.Equal(t, 0, st["items_in_queue"])
	assert.Equal(t, false, st["worker_environment_exists"])
	assert.NotEmpty(t, st["plan_queue_uid"])
}

func TestQueueItemOperations(t *testing.T) {
	m, _ := newTestManager(t, false)

	itemA := addPlan(t, m, "count")
	itemB := addPlan(t, m, "scan")
	assert.NotEmpty(t, itemA.ItemUID)
	assert.Equal(t, "testuser", itemA.User)

	payload := dispatch(t, m, "queue_get", nil)
	items := payload["items"].([]types.Item)
	assert.Len(t, items, 2)
	assert.Equal(t, map[string]interface{}{}, payload["running_item"])

	// Get by UID
	payload = dispatch(t, m, "queue_item_get", map[string]interface{}{"uid": itemB.ItemUID})
	assert.Equal(t, "scan", payload["item"].(types.Item).Name)

	// Move to front
	payload = dispatch(t, m, "queue_item_move", map[string]interface{}{
		"uid": itemB.ItemUID, "pos_dest": "front",
	})
	assert.Equal(t, 2, payload["qsize"])
	payload = dispatch(t, m, "queue_get", nil)
	assert.Equal(t, "scan", payload["items"].([]types.Item)[0].Name)

	// Update
	payload = dispatch(t, m, "queue_item_update", map[string]interface{}{
		"item": map[string]interface{}{
			"item_type": "plan", "name": "count", "item_uid": itemB.ItemUID,
			"kwargs": map[string]interface{}{"num": 2},
		},
		"user": "testuser", "user_group": "admin",
	})
	assert.Equal(t, itemB.ItemUID, payload["item"].(types.Item).ItemUID)

	// Remove
	payload = dispatch(t, m, "queue_item_remove", map[string]interface{}{"uid": itemA.ItemUID})
	assert.Equal(t, 1, payload["qsize"])

	dispatch(t, m, "queue_clear", nil)
	st := status(t, m)
	assert.Equal(t, 0, st["items_in_queue"])
}

func TestQueueItemAdd_MetaMerge(t *testing.T) {
	m, _ := newTestManager(t, false)

	// Metadata supplied as a list of mappings is shallow-merged with
	// earlier entries winning on conflicts.
	payload := dispatch(t, m, "queue_item_add", map[string]interface{}{
		"item": map[string]interface{}{
			"item_type": "plan", "name": "count",
			"meta": []interface{}{
				map[string]interface{}{"sample": "water", "operator": "a"},
				map[string]interface{}{"operator": "b", "shift": "night"},
			},
		},
		"user": "testuser", "user_group": "admin",
	})
	item := payload["item"].(types.Item)
	assert.Equal(t, map[string]interface{}{
		"sample": "water", "operator": "a", "shift": "night",
	}, item.Meta)

	err := dispatchErr(t, m, "queue_item_add", map[string]interface{}{
		"item": map[string]interface{}{
			"item_type": "plan", "name": "count",
			"meta": []interface{}{"not-a-mapping"},
		},
		"user": "testuser", "user_group": "admin",
	})
	assert.Contains(t, err.Error(), "Item metadata must be a mapping")
}

func TestQueueItemAdd_Validation(t *testing.T) {
	m, _ := newTestManager(t, false)

	err := dispatchErr(t, m, "queue_item_add", map[string]interface{}{
		"item":       map[string]interface{}{"item_type": "plan", "name": "scan"},
		"user":       "testuser",
		"user_group": "restricted",
	})
	assert.Contains(t, err.Error(), "not in the list of allowed plans")

	err = dispatchErr(t, m, "queue_item_add", map[string]interface{}{
		"item":       map[string]interface{}{"item_type": "plan", "name": "count"},
		"user_group": "admin",
	})
	assert.Contains(t, err.Error(), "user name is not specified")

	err = dispatchErr(t, m, "queue_item_add", map[string]interface{}{
		"item": map[string]interface{}{"item_type": "plan", "name": "count"},
		"user": "testuser",
	})
	assert.Contains(t, err.Error(), "user group is not specified")
}

func TestQueueItemAddBatch(t *testing.T) {
	m, _ := newTestManager(t, false)

	payload := dispatch(t, m, "queue_item_add_batch", map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"item_type": "plan", "name": "count"},
			map[string]interface{}{"item_type": "plan", "name": "scan"},
		},
		"user": "testuser", "user_group": "admin",
	})
	assert.Equal(t, 2, payload["qsize"])

	// One invalid item rejects the whole batch
	err := dispatchErr(t, m, "queue_item_add_batch", map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"item_type": "plan", "name": "count"},
			map[string]interface{}{"item_type": "plan", "name": "nosuchplan"},
		},
		"user": "testuser", "user_group": "admin",
	})
	assert.Contains(t, err.Error(), "Failed to add all items")
	st := status(t, m)
	assert.Equal(t, 2, st["items_in_queue"], "failed batch must not add anything")
}

func TestEnvironmentLifecycle(t *testing.T) {
	m, env := newTestManager(t, false)

	err := dispatchErr(t, m, "environment_close", nil)
	assert.Contains(t, err.Error(), "RE Worker environment does not exist")

	openEnvironment(t, m)
	assert.True(t, env.Alive())

	err = dispatchErr(t, m, "environment_open", nil)
	assert.Contains(t, err.Error(), "RE Worker environment already exists")

	dispatch(t, m, "environment_close", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["worker_environment_exists"] == false &&
			st["manager_state"] == types.StateIdle
	})
	assert.False(t, env.Alive())
}

func TestQueueStart_RequiresEnvironment(t *testing.T) {
	m, _ := newTestManager(t, false)
	addPlan(t, m, "count")

	err := dispatchErr(t, m, "queue_start", nil)
	assert.Contains(t, err.Error(), "RE Worker environment does not exist")
}

func TestQueueExecution_RunsToCompletion(t *testing.T) {
	m, _ := newTestManager(t, false)
	openEnvironment(t, m)

	addPlan(t, m, "count")
	addPlan(t, m, "scan")
	addPlan(t, m, "count")

	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["items_in_queue"] == 0 &&
			st["items_in_history"] == 3 &&
			st["manager_state"] == types.StateIdle
	})

	payload := dispatch(t, m, "history_get", nil)
	items := payload["items"].([]types.Item)
	require.Len(t, items, 3)
	for _, item := range items {
		require.NotNil(t, item.Result)
		assert.Equal(t, types.ExitStatusCompleted, item.Result.ExitStatus)
		assert.Len(t, item.Result.RunUIDs, 1)
	}
}

func TestQueueExecution_StopInstruction(t *testing.T) {
	m, _ := newTestManager(t, false)
	openEnvironment(t, m)

	addPlan(t, m, "count")
	dispatch(t, m, "queue_item_add", map[string]interface{}{
		"item":       map[string]interface{}{"item_type": "instruction", "name": "queue_stop"},
		"user":       "testuser",
		"user_group": "admin",
	})
	addPlan(t, m, "scan")

	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StateIdle && st["items_in_history"] == 1
	})

	// The instruction stopped execution and was consumed without a history
	// record; the trailing plan is still queued
	st := status(t, m)
	assert.Equal(t, 1, st["items_in_queue"])
	assert.Equal(t, 1, st["items_in_history"])

	// Restarting picks up the remaining plan
	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["items_in_queue"] == 0 && st["items_in_history"] == 2 &&
			st["manager_state"] == types.StateIdle
	})
}

func TestQueueExecution_FailedPlanStopsQueue(t *testing.T) {
	m, _ := newTestManager(t, false)
	openEnvironment(t, m)

	addPlan(t, m, "failing_plan")
	addPlan(t, m, "count")

	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StateIdle && st["items_in_history"] == 1
	})

	st := status(t, m)
	assert.Equal(t, 1, st["items_in_queue"], "failed plan is not requeued, trailing plan remains")

	payload := dispatch(t, m, "history_get", nil)
	items := payload["items"].([]types.Item)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Result)
	assert.Equal(t, types.ExitStatusFailed, items[0].Result.ExitStatus)
}

func TestQueueStop_Pending(t *testing.T) {
	m, env := newTestManager(t, true)
	openEnvironment(t, m)

	addPlan(t, m, "count")
	addPlan(t, m, "scan")

	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool { return st["running_item_uid"] != nil })

	dispatch(t, m, "queue_stop", nil)
	st := status(t, m)
	assert.Equal(t, true, st["queue_stop_pending"])

	env.finish(types.ExitStatusCompleted)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StateIdle
	})

	st = status(t, m)
	assert.Equal(t, 1, st["items_in_queue"], "pending stop halts execution after the running plan")
	assert.Equal(t, 1, st["items_in_history"])
	assert.Equal(t, false, st["queue_stop_pending"])
}

func TestQueueStopCancel(t *testing.T) {
	m, env := newTestManager(t, true)
	openEnvironment(t, m)

	addPlan(t, m, "count")
	addPlan(t, m, "scan")

	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool { return st["running_item_uid"] != nil })

	dispatch(t, m, "queue_stop", nil)
	dispatch(t, m, "queue_stop_cancel", nil)

	env.finish(types.ExitStatusCompleted)
	waitFor(t, m, func(st map[string]interface{}) bool { return st["items_in_history"] == 1 })
	env.finish(types.ExitStatusCompleted)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["items_in_queue"] == 0 && st["items_in_history"] == 2 &&
			st["manager_state"] == types.StateIdle
	})
}

func TestPauseResumeAndStop(t *testing.T) {
	m, _ := newTestManager(t, true)
	openEnvironment(t, m)

	item := addPlan(t, m, "count")
	dispatch(t, m, "queue_start", nil)
	waitFor(t, m, func(st map[string]interface{}) bool { return st["running_item_uid"] != nil })

	// re_resume is refused while the plan is running
	err := dispatchErr(t, m, "re_resume", nil)
	assert.Contains(t, err.Error(), "Run engine is not paused")

	dispatch(t, m, "re_pause", map[string]interface{}{"option": "deferred"})
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StatePaused
	})

	// re_pause is refused while paused
	err = dispatchErr(t, m, "re_pause", nil)
	assert.Contains(t, err.Error(), "Run engine is not executing a plan")

	dispatch(t, m, "re_resume", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StateExecutingQueue
	})

	dispatch(t, m, "re_pause", map[string]interface{}{"option": "immediate"})
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StatePaused
	})

	dispatch(t, m, "re_stop", nil)
	waitFor(t, m, func(st map[string]interface{}) bool {
		return st["manager_state"] == types.StateIdle
	})

	// The stopped plan is back at the front of the queue and recorded in
	// the history
	st := status(t, m)
	assert.Equal(t, 1, st["items_in_queue"])
	assert.Equal(t, 1, st["items_in_history"])

	payload := dispatch(t, m, "queue_get", nil)
	items := payload["items"].([]types.Item)
	require.Len(t, items, 1)
	assert.Equal(t, item.ItemUID, items[0].ItemUID)
	require.NotNil(t, items[0].Result)
	assert.Equal(t, types.ExitStatusStopped, items[0].Result.ExitStatus)
}

func TestPauseAbortAndHalt(t *testing.T) {
	for _, tc := range []struct {
		method string
		status types.ExitStatus
	}{
		{"re_abort", types.ExitStatusAborted},
		{"re_halt", types.ExitStatusHalted},
	} {
		t.Run(tc.method, func(t *testing.T) {
			m, _ := newTestManager(t, true)
			openEnvironment(t, m)

			addPlan(t, m, "count")
			dispatch(t, m, "queue_start", nil)
			waitFor(t, m, func(st map[string]interface{}) bool { return st["running_item_uid"] != nil })

			dispatch(t, m, "re_pause", nil)
			waitFor(t, m, func(st map[string]interface{}) bool {
				return st["manager_state"] == types.StatePaused
			})

			dispatch(t, m, tc.method, nil)
			waitFor(t, m, func(st map[string]interface{}) bool {
				return st["manager_state"] == types.StateIdle
			})

			// Unlike a stopped plan the item is not re-attempted: the queue
			// stays empty and only the history records the outcome
			st := status(t, m)
			assert.Equal(t, 0, st["items_in_queue"])
			assert.Equal(t, 1, st["items_in_history"])

			payload := dispatch(t, m, "history_get", nil)
			items := payload["items"].([]types.Item)
			require.Len(t, items, 1)
			require.NotNil(t, items[0].Result)
			assert.Equal(t, tc.status, items[0].Result.ExitStatus)
		})
	}
}

func TestStop_PublishesStoppingState(t *testing.T) {
	dir := t.TempDir()
	permPath := filepath.Join(dir, "permissions.yaml")
	require.NoError(t, os.WriteFile(permPath, []byte(testPermissions), 0o644))

	env := newFakeEnv(false)
	m, err := NewManager(Config{
		DataDir:         dir,
		PermissionsPath: permPath,
		WorkerFactory:   func() worker.Worker { return env },
	})
	require.NoError(t, err)
	m.Start()

	sub := m.Broker().Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventManagerStateChange && ev.Metadata["state"] == string(types.StateStopping) {
				return
			}
		case <-deadline:
			t.Fatal("stopping state change was not published")
		}
	}
}

func TestPlansAndDevicesAllowed(t *testing.T) {
	m, _ := newTestManager(t, false)

	payload := dispatch(t, m, "plans_allowed", map[string]interface{}{"user_group": "admin"})
	assert.NotNil(t, payload["plans_allowed"])
	assert.NotEmpty(t, payload["plans_allowed_uid"])

	payload = dispatch(t, m, "devices_allowed", map[string]interface{}{"user_group": "admin"})
	assert.NotEmpty(t, payload["devices_allowed_uid"])

	err := dispatchErr(t, m, "plans_allowed", nil)
	assert.Contains(t, err.Error(), "user group is not specified")

	err = dispatchErr(t, m, "plans_allowed", map[string]interface{}{"user_group": "ghosts"})
	assert.Contains(t, err.Error(), "Unknown user group")
}

func TestPermissionsReload(t *testing.T) {
	m, _ := newTestManager(t, false)

	payload := dispatch(t, m, "permissions_reload", nil)
	assert.NotEmpty(t, payload["plans_allowed_uid"])
	assert.NotEmpty(t, payload["devices_allowed_uid"])
}

func TestUnknownMethod(t *testing.T) {
	m, _ := newTestManager(t, false)

	err := dispatchErr(t, m, "make_coffee", nil)
	assert.Contains(t, err.Error(), "Unknown method")
}
