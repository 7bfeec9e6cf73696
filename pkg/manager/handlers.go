package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/beamline/qserver/pkg/events"
	"github.com/beamline/qserver/pkg/queue"
	"github.com/beamline/qserver/pkg/types"
	"github.com/beamline/qserver/pkg/worker"
	"github.com/mitchellh/mapstructure"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// decodeParams decodes a raw params map into a typed struct. Field names
// follow the json tags so wire payloads and internal types stay aligned.
func decodeParams(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %v", err)
	}
	return nil
}

// decodeItem converts a raw item document to a typed item
func decodeItem(raw map[string]interface{}) (types.Item, error) {
	var item types.Item
	if err := decodeParams(raw, &item); err != nil {
		return types.Item{}, err
	}
	return item, nil
}

type itemOpParams struct {
	Item      map[string]interface{}   `json:"item"`
	Items     []map[string]interface{} `json:"items"`
	Pos       interface{}              `json:"pos"`
	UID       string                   `json:"uid"`
	DestPos   interface{}              `json:"pos_dest"`
	BeforeUID string                   `json:"before_uid"`
	AfterUID  string                   `json:"after_uid"`
	User      string                   `json:"user"`
	UserGroup string                   `json:"user_group"`
	Replace   bool                     `json:"replace"`
	Option    string                   `json:"option"`
}

// handle executes one control-channel method inside the manager loop
func (m *Manager) handle(method string, params map[string]interface{}) (map[string]interface{}, error) {
	var p itemOpParams
	if params != nil {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	switch method {
	case "ping", "status":
		return m.statusPayload(), nil

	case "queue_get":
		return m.handleQueueGet()
	case "queue_item_add":
		return m.handleItemAdd(p)
	case "queue_item_add_batch":
		return m.handleItemAddBatch(p)
	case "queue_item_update":
		return m.handleItemUpdate(p)
	case "queue_item_get":
		return m.handleItemGet(p)
	case "queue_item_remove":
		return m.handleItemRemove(p)
	case "queue_item_move":
		return m.handleItemMove(p)
	case "queue_clear":
		return nil, m.queue.ClearQueue()

	case "history_get":
		return m.handleHistoryGet()
	case "history_clear":
		return nil, m.queue.ClearHistory()

	case "environment_open":
		return nil, m.handleEnvironmentOpen()
	case "environment_close":
		return nil, m.handleEnvironmentClose()
	case "environment_destroy":
		return nil, m.handleEnvironmentDestroy()

	case "queue_start":
		return nil, m.handleQueueStart()
	case "queue_stop":
		return nil, m.handleQueueStop()
	case "queue_stop_cancel":
		return nil, m.handleQueueStopCancel()

	case "re_pause":
		return nil, m.handleREPause(p)
	case "re_resume":
		return nil, m.handleREControl("resume")
	case "re_stop":
		return nil, m.handleREControl("stop")
	case "re_abort":
		return nil, m.handleREControl("abort")
	case "re_halt":
		return nil, m.handleREControl("halt")
	case "re_runs":
		return m.handleRERuns(p)

	case "plans_allowed":
		return m.handlePlansAllowed(p)
	case "devices_allowed":
		return m.handleDevicesAllowed(p)
	case "permissions_reload":
		return m.handlePermissionsReload()

	default:
		return nil, fmt.Errorf("Unknown method '%s'", method)
	}
}

func (m *Manager) statusPayload() map[string]interface{} {
	st := m.status()
	var runningUID interface{}
	if st.RunningItemUID != nil {
		runningUID = *st.RunningItemUID
	}
	return map[string]interface{}{
		"msg":                       st.Msg,
		"manager_state":             st.ManagerState,
		"items_in_queue":            st.ItemsInQueue,
		"items_in_history":          st.ItemsInHistory,
		"running_item_uid":          runningUID,
		"worker_environment_exists": st.WorkerEnvironmentExists,
		"plan_queue_uid":            st.PlanQueueUID,
		"plan_history_uid":          st.PlanHistoryUID,
		"run_list_uid":              st.RunListUID,
		"queue_stop_pending":        st.QueueStopPending,
	}
}

func (m *Manager) handleQueueGet() (map[string]interface{}, error) {
	items, running, uid := m.queue.GetQueueFull()
	var runningDoc interface{} = map[string]interface{}{}
	if running != nil {
		runningDoc = running
	}
	return map[string]interface{}{
		"items":          items,
		"running_item":   runningDoc,
		"plan_queue_uid": uid,
	}, nil
}

// prepareItem builds the item to be queued from the request: the submitting
// user and group are stamped on the item and the item is validated against
// the allow lists
func (m *Manager) prepareItem(raw map[string]interface{}, user, userGroup string) (types.Item, error) {
	if raw == nil {
		return types.Item{}, fmt.Errorf("Item description is not specified")
	}
	meta, err := normalizeMeta(raw["meta"])
	if err != nil {
		return types.Item{}, err
	}
	if meta != nil {
		raw = copyDoc(raw)
		raw["meta"] = meta
	}
	item, err := decodeItem(raw)
	if err != nil {
		return types.Item{}, err
	}
	item.User = user
	item.UserGroup = userGroup
	if err := m.registry.ValidateItem(item); err != nil {
		return types.Item{}, err
	}
	return item, nil
}

// normalizeMeta accepts item metadata either as a single mapping or as a
// sequence of mappings that are shallow-merged with earlier entries winning
// on key conflicts.
func normalizeMeta(v interface{}) (map[string]interface{}, error) {
	switch meta := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return meta, nil
	case []interface{}:
		merged := make(map[string]interface{})
		for _, entry := range meta {
			doc, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("Item metadata must be a mapping or a list of mappings")
			}
			for k, val := range doc {
				if _, exists := merged[k]; !exists {
					merged[k] = val
				}
			}
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("Item metadata must be a mapping or a list of mappings")
	}
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp
}

func (m *Manager) handleItemAdd(p itemOpParams) (map[string]interface{}, error) {
	item, err := m.prepareItem(p.Item, p.User, p.UserGroup)
	if err != nil {
		return nil, err
	}
	// Queue item UIDs are always assigned by the server
	item = m.queue.SetNewItemUUID(item)

	added, qsize, err := m.queue.AddItemToQueue(item, queue.AddOptions{
		Pos:       p.Pos,
		BeforeUID: p.BeforeUID,
		AfterUID:  p.AfterUID,
	})
	if err != nil {
		return nil, err
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventItemAdded,
		Metadata: map[string]string{"item_uid": added.ItemUID, "name": added.Name},
	})
	return map[string]interface{}{"item": added, "qsize": qsize}, nil
}

func (m *Manager) handleItemAddBatch(p itemOpParams) (map[string]interface{}, error) {
	prepared := make([]types.Item, 0, len(p.Items))
	results := make([]map[string]interface{}, 0, len(p.Items))
	failed := false
	for _, raw := range p.Items {
		item, err := m.prepareItem(raw, p.User, p.UserGroup)
		if err != nil {
			failed = true
			results = append(results, map[string]interface{}{"success": false, "msg": err.Error()})
			continue
		}
		prepared = append(prepared, m.queue.SetNewItemUUID(item))
		results = append(results, map[string]interface{}{"success": true, "msg": ""})
	}

	// The batch is rejected as a whole if any item failed validation
	if failed {
		return map[string]interface{}{
			"items":   []types.Item{},
			"results": results,
			"qsize":   m.queue.GetQueueSize(),
		}, fmt.Errorf("Failed to add all items: validation of %d items failed", countFailures(results))
	}

	added, qsize, err := m.queue.AddBatchToQueue(prepared)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"items":   added,
		"results": results,
		"qsize":   qsize,
	}, nil
}

func countFailures(results []map[string]interface{}) int {
	n := 0
	for _, r := range results {
		if ok, _ := r["success"].(bool); !ok {
			n++
		}
	}
	return n
}

func (m *Manager) handleItemUpdate(p itemOpParams) (map[string]interface{}, error) {
	item, err := m.prepareItem(p.Item, p.User, p.UserGroup)
	if err != nil {
		return nil, err
	}
	if item.ItemUID == "" {
		return nil, fmt.Errorf("Item description does not contain UID")
	}

	targetUID := item.ItemUID
	if p.Replace {
		// Replace mode re-keys the item
		item = m.queue.SetNewItemUUID(item)
	}

	updated, qsize, err := m.queue.ReplaceItem(item, targetUID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"item": updated, "qsize": qsize}, nil
}

func (m *Manager) handleItemGet(p itemOpParams) (map[string]interface{}, error) {
	item, err := m.queue.GetItem(p.Pos, p.UID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"item": item}, nil
}

func (m *Manager) handleItemRemove(p itemOpParams) (map[string]interface{}, error) {
	item, qsize, err := m.queue.PopItemFromQueue(p.Pos, p.UID)
	if err != nil {
		return nil, err
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventItemRemoved,
		Metadata: map[string]string{"item_uid": item.ItemUID},
	})
	return map[string]interface{}{"item": item, "qsize": qsize}, nil
}

func (m *Manager) handleItemMove(p itemOpParams) (map[string]interface{}, error) {
	item, qsize, err := m.queue.MoveItem(queue.MoveOptions{
		Pos:       p.Pos,
		UID:       p.UID,
		DestPos:   p.DestPos,
		BeforeUID: p.BeforeUID,
		AfterUID:  p.AfterUID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"item": item, "qsize": qsize}, nil
}

func (m *Manager) handleHistoryGet() (map[string]interface{}, error) {
	items, uid, err := m.queue.GetHistory()
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []types.Item{}
	}
	return map[string]interface{}{
		"items":            items,
		"plan_history_uid": uid,
	}, nil
}

func (m *Manager) handleEnvironmentOpen() error {
	if m.envExists {
		return fmt.Errorf("RE Worker environment already exists")
	}
	switch m.state {
	case types.StateCreatingEnvironment:
		return fmt.Errorf("Manager is in the process of creating the RE Worker environment")
	case types.StateIdle:
	default:
		return fmt.Errorf("Manager state is '%s'", m.state)
	}

	w := m.cfg.WorkerFactory()
	m.w = w
	m.setState(types.StateCreatingEnvironment)

	timeout := m.cfg.EnvOpenTimeout
	go func() {
		ctx, cancel := contextWithTimeout(timeout)
		defer cancel()
		err := w.Open(ctx)
		var sup *worker.Supervisor
		if err == nil {
			sup = worker.NewSupervisor(w)
			go sup.Run()
			go m.forwardEvents(sup)
		}
		m.noteCh <- note{kind: noteEnvOpened, err: err, sup: sup}
	}()
	return nil
}

// forwardEvents pumps supervisor events into the manager loop
func (m *Manager) forwardEvents(sup *worker.Supervisor) {
	for ev := range sup.Events() {
		select {
		case m.workEv <- ev:
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handleEnvironmentClose() error {
	if !m.envExists {
		return fmt.Errorf("RE Worker environment does not exist")
	}
	switch m.state {
	case types.StateClosingEnvironment:
		return fmt.Errorf("Manager is in the process of closing the RE Worker environment")
	case types.StateExecutingQueue, types.StatePaused:
		return fmt.Errorf("Queue execution is in progress")
	case types.StateIdle:
	default:
		return fmt.Errorf("Manager state is '%s'", m.state)
	}

	w := m.w
	m.setState(types.StateClosingEnvironment)

	timeout := m.cfg.EnvCloseTimeout
	go func() {
		ctx, cancel := contextWithTimeout(timeout)
		defer cancel()
		m.noteCh <- note{kind: noteEnvClosed, err: w.Close(ctx)}
	}()
	return nil
}

func (m *Manager) handleEnvironmentDestroy() error {
	if !m.envExists && m.state != types.StateCreatingEnvironment {
		return fmt.Errorf("RE Worker environment does not exist")
	}
	return m.w.Kill()
}

func (m *Manager) handleQueueStart() error {
	if !m.envExists {
		return fmt.Errorf("RE Worker environment does not exist")
	}
	switch m.state {
	case types.StateExecutingQueue:
		return fmt.Errorf("Queue execution is in progress")
	case types.StatePaused:
		return fmt.Errorf("Run engine is paused, resume or finish the plan first")
	case types.StateIdle:
	default:
		return fmt.Errorf("Manager state is '%s'", m.state)
	}

	m.queueStopPending = false
	m.setState(types.StateExecutingQueue)
	m.broker.Publish(&events.Event{Type: events.EventQueueStarted})
	m.processNextItem()
	return nil
}

func (m *Manager) handleQueueStop() error {
	if m.state != types.StateExecutingQueue && m.state != types.StatePaused {
		return fmt.Errorf("Queue is not running")
	}
	m.queueStopPending = true
	return nil
}

func (m *Manager) handleQueueStopCancel() error {
	m.queueStopPending = false
	return nil
}

func (m *Manager) handleREPause(p itemOpParams) error {
	if m.state != types.StateExecutingQueue {
		return fmt.Errorf("Run engine is not executing a plan")
	}
	option := types.PauseOption(p.Option)
	switch option {
	case "":
		option = types.PauseDeferred
	case types.PauseDeferred, types.PauseImmediate:
	default:
		return fmt.Errorf("Option '%s' is not supported", p.Option)
	}
	return m.w.Pause(option)
}

func (m *Manager) handleREControl(op string) error {
	if m.state != types.StatePaused {
		return fmt.Errorf("Run engine is not paused")
	}
	switch op {
	case "resume":
		if err := m.w.Resume(); err != nil {
			return err
		}
		m.setState(types.StateExecutingQueue)
		return nil
	case "stop":
		return m.w.Stop()
	case "abort":
		return m.w.Abort()
	case "halt":
		return m.w.Halt()
	}
	return fmt.Errorf("Unknown operation '%s'", op)
}

func (m *Manager) handleRERuns(p itemOpParams) (map[string]interface{}, error) {
	if m.sup == nil {
		return map[string]interface{}{
			"run_list":     []types.RunEntry{},
			"run_list_uid": "",
		}, nil
	}
	runs, uid, err := m.sup.Runs(p.Option)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []types.RunEntry{}
	}
	return map[string]interface{}{
		"run_list":     runs,
		"run_list_uid": uid,
	}, nil
}

func (m *Manager) handlePlansAllowed(p itemOpParams) (map[string]interface{}, error) {
	if p.UserGroup == "" {
		return nil, fmt.Errorf("user group is not specified")
	}
	plans, uid, err := m.registry.PlansAllowed(p.UserGroup)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"plans_allowed":     plans,
		"plans_allowed_uid": uid,
	}, nil
}

func (m *Manager) handleDevicesAllowed(p itemOpParams) (map[string]interface{}, error) {
	if p.UserGroup == "" {
		return nil, fmt.Errorf("user group is not specified")
	}
	devices, uid, err := m.registry.DevicesAllowed(p.UserGroup)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"devices_allowed":     devices,
		"devices_allowed_uid": uid,
	}, nil
}

func (m *Manager) handlePermissionsReload() (map[string]interface{}, error) {
	if err := m.registry.Reload(); err != nil {
		return nil, err
	}
	m.broker.Publish(&events.Event{Type: events.EventPermissionsReload})
	return map[string]interface{}{
		"plans_allowed_uid":   m.registry.PlansAllowedUID(),
		"devices_allowed_uid": m.registry.DevicesAllowedUID(),
	}, nil
}
