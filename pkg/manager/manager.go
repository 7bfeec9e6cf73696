package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/beamline/qserver/pkg/events"
	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/permissions"
	"github.com/beamline/qserver/pkg/queue"
	"github.com/beamline/qserver/pkg/storage"
	"github.com/beamline/qserver/pkg/types"
	"github.com/beamline/qserver/pkg/worker"
	"github.com/rs/zerolog"
)

// statusMsg identifies the server in ping and status replies
const statusMsg = "RE Manager"

// Config holds configuration for creating a Manager
type Config struct {
	DataDir         string
	PermissionsPath string
	WorkerBinary    string

	// WorkerFactory overrides how worker environments are created. Tests
	// substitute an in-process fake; the default spawns WorkerBinary.
	WorkerFactory func() worker.Worker

	EnvOpenTimeout  time.Duration
	EnvCloseTimeout time.Duration
}

// request is one control-channel call routed through the manager loop
type request struct {
	method string
	params map[string]interface{}
	reply  chan response
}

type response struct {
	payload map[string]interface{}
	err     error
}

// note carries the outcome of an asynchronous environment transition back
// into the manager loop
type note struct {
	kind string
	err  error
	sup  *worker.Supervisor
}

const (
	noteEnvOpened = "env_opened"
	noteEnvClosed = "env_closed"
)

// Manager is the queue manager state machine. A single loop goroutine owns
// all mutable state: control requests and worker events are delivered to it
// over channels, so no handler ever observes a half-applied transition.
type Manager struct {
	cfg      Config
	queue    *queue.PlanQueue
	registry *permissions.Registry
	broker   *events.Broker
	lg       zerolog.Logger

	reqCh  chan *request
	noteCh chan note
	workEv chan worker.Event
	stopCh chan struct{}
	doneCh chan struct{}

	// Loop-owned state
	state            types.ManagerState
	w                worker.Worker
	sup              *worker.Supervisor
	envExists        bool
	queueStopPending bool
}

// NewManager creates a new Manager instance. The durable store is opened and
// the permissions file loaded immediately; the manager loop starts with
// Start.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	q := queue.New(store)
	if err := q.Start(); err != nil {
		store.Close()
		return nil, err
	}

	registry, err := permissions.Load(cfg.PermissionsPath)
	if err != nil {
		q.Stop()
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	if cfg.WorkerFactory == nil {
		binary := cfg.WorkerBinary
		cfg.WorkerFactory = func() worker.Worker {
			return worker.NewProcessWorker(binary)
		}
	}
	if cfg.EnvOpenTimeout == 0 {
		cfg.EnvOpenTimeout = 30 * time.Second
	}
	if cfg.EnvCloseTimeout == 0 {
		cfg.EnvCloseTimeout = 30 * time.Second
	}

	return &Manager{
		cfg:      cfg,
		queue:    q,
		registry: registry,
		broker:   broker,
		lg:       log.WithComponent("manager"),
		reqCh:    make(chan *request),
		noteCh:   make(chan note, 4),
		workEv:   make(chan worker.Event, 32),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		state:    types.StateInitializing,
	}, nil
}

// Broker returns the event broker for subscribers such as the metrics
// collector
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Registry returns the permissions registry
func (m *Manager) Registry() *permissions.Registry {
	return m.registry
}

// Start launches the manager loop
func (m *Manager) Start() {
	go m.run()
}

// Stop shuts the manager down: a running environment is destroyed, the loop
// stops and the durable store is closed.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.broker.Stop()
	return m.queue.Stop()
}

// Dispatch executes one control-channel method. Blocks until the manager
// loop handled the request or the context expires.
func (m *Manager) Dispatch(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	req := &request{method: method, params: params, reply: make(chan response, 1)}
	select {
	case m.reqCh <- req:
	case <-m.stopCh:
		return nil, fmt.Errorf("manager is stopping")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.payload, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)

	m.setState(types.StateIdle)
	m.lg.Info().Msg("queue manager started")

	for {
		select {
		case req := <-m.reqCh:
			payload, err := m.handle(req.method, req.params)
			req.reply <- response{payload: payload, err: err}

		case n := <-m.noteCh:
			m.handleNote(n)

		case ev := <-m.workEv:
			m.handleWorkerEvent(ev)

		case <-m.stopCh:
			m.setState(types.StateStopping)
			if m.envExists && m.w != nil {
				m.w.Kill()
			}
			m.lg.Info().Msg("queue manager stopped")
			return
		}
	}
}

func (m *Manager) setState(s types.ManagerState) {
	if m.state == s {
		return
	}
	m.lg.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("state transition")
	m.state = s
	m.broker.Publish(&events.Event{
		Type:     events.EventManagerStateChange,
		Message:  string(s),
		Metadata: map[string]string{"state": string(s)},
	})
}

// status assembles the status document served by ping and status
func (m *Manager) status() types.Status {
	var runningUID *string
	if item := m.queue.GetRunningItemInfo(); item != nil {
		uid := item.ItemUID
		runningUID = &uid
	}
	var runListUID string
	if m.sup != nil {
		runListUID = m.sup.RunListUID()
	}
	return types.Status{
		Msg:                     statusMsg,
		ManagerState:            m.state,
		ItemsInQueue:            m.queue.GetQueueSize(),
		ItemsInHistory:          m.queue.GetHistorySize(),
		RunningItemUID:          runningUID,
		WorkerEnvironmentExists: m.envExists,
		PlanQueueUID:            m.queue.PlanQueueUID(),
		PlanHistoryUID:          m.queue.PlanHistoryUID(),
		RunListUID:              runListUID,
		QueueStopPending:        m.queueStopPending,
	}
}

// handleNote applies the result of an asynchronous environment transition
func (m *Manager) handleNote(n note) {
	switch n.kind {
	case noteEnvOpened:
		if n.err != nil {
			m.lg.Error().Err(n.err).Msg("failed to open worker environment")
			m.w = nil
			m.sup = nil
			m.envExists = false
			m.setState(types.StateIdle)
			m.broker.Publish(&events.Event{Type: events.EventEnvironmentFailed, Message: n.err.Error()})
			return
		}
		m.sup = n.sup
		m.envExists = true
		m.setState(types.StateIdle)
		m.broker.Publish(&events.Event{Type: events.EventEnvironmentOpened})

	case noteEnvClosed:
		if n.err != nil {
			m.lg.Error().Err(n.err).Msg("failed to close worker environment")
			// The exited event will finish the teardown
			return
		}
	}
}

// handleWorkerEvent applies one event from the worker environment
func (m *Manager) handleWorkerEvent(ev worker.Event) {
	switch ev.Type {
	case worker.EventPlanPaused:
		m.setState(types.StatePaused)
		m.broker.Publish(&events.Event{
			Type:     events.EventPlanPaused,
			Metadata: map[string]string{"item_uid": ev.ItemUID},
		})

	case worker.EventPlanCompleted:
		m.finishItem(ev)

	case worker.EventRunListChanged:
		m.broker.Publish(&events.Event{Type: events.EventRunListChanged})

	case worker.EventExited:
		m.handleWorkerExit(ev)
	}
}

// finishItem routes a processed item to the history and decides whether
// queue execution continues
func (m *Manager) finishItem(ev worker.Event) {
	var (
		item *types.Item
		err  error
	)
	switch ev.ExitStatus {
	case types.ExitStatusStopped:
		// Only a stopped item returns to the front of the queue so a later
		// queue_start re-attempts it; abort and halt discard the item into
		// the history like completion and failure do
		item, err = m.queue.SetProcessedItemAsStopped(ev.ExitStatus, ev.RunUIDs)
	default:
		item, err = m.queue.SetProcessedItemAsCompleted(ev.ExitStatus, ev.RunUIDs)
	}
	if err != nil {
		m.lg.Error().Err(err).Msg("failed to record processed item")
	}
	if item != nil {
		evType := events.EventItemCompleted
		if ev.ExitStatus != types.ExitStatusCompleted {
			evType = events.EventItemFailed
		}
		m.broker.Publish(&events.Event{
			Type: evType,
			Metadata: map[string]string{
				"item_uid":    item.ItemUID,
				"exit_status": string(ev.ExitStatus),
			},
		})
	}

	if ev.ExitStatus == types.ExitStatusCompleted && m.state == types.StateExecutingQueue {
		m.processNextItem()
		return
	}
	// Any other outcome stops queue execution
	m.queueStopPending = false
	m.setState(types.StateIdle)
	m.broker.Publish(&events.Event{Type: events.EventQueueStopped})
}

// handleWorkerExit tears down environment state after the worker process
// terminated
func (m *Manager) handleWorkerExit(ev worker.Event) {
	expected := m.state == types.StateClosingEnvironment
	m.w = nil
	m.sup = nil
	m.envExists = false
	m.queueStopPending = false

	// A plan interrupted by the environment going away returns to the
	// queue with a failed record in the history
	if m.queue.IsItemRunning() {
		if _, err := m.queue.SetProcessedItemAsStopped(types.ExitStatusFailed, nil); err != nil {
			m.lg.Error().Err(err).Msg("failed to requeue interrupted item")
		}
	}

	m.setState(types.StateIdle)
	if expected {
		m.broker.Publish(&events.Event{Type: events.EventEnvironmentClosed})
	} else {
		m.lg.Error().Str("msg", ev.Msg).Msg("worker environment terminated unexpectedly")
		m.broker.Publish(&events.Event{Type: events.EventEnvironmentFailed, Message: ev.Msg})
	}
}

// processNextItem takes the next queue entry and hands it to the worker.
// Consumed instructions and an empty queue end execution.
func (m *Manager) processNextItem() {
	if m.queueStopPending {
		m.queueStopPending = false
		m.setState(types.StateIdle)
		m.broker.Publish(&events.Event{Type: events.EventQueueStopped})
		return
	}

	head, err := m.queue.GetItem(0, "")
	if err != nil {
		// Queue is empty
		m.setState(types.StateIdle)
		m.broker.Publish(&events.Event{Type: events.EventQueueStopped})
		return
	}

	if head.ItemType == types.ItemTypeInstruction {
		// Instructions are consumed without a history record
		if _, _, err := m.queue.PopItemFromQueue(0, ""); err != nil {
			m.lg.Error().Err(err).Msg("failed to consume instruction")
		}
		if head.Name == types.InstructionQueueStop {
			m.setState(types.StateIdle)
			m.broker.Publish(&events.Event{Type: events.EventQueueStopped})
			return
		}
		m.lg.Warn().Str("name", head.Name).Msg("skipping unknown instruction")
		m.processNextItem()
		return
	}

	item, err := m.queue.SetNextItemAsRunning()
	if err != nil || item == nil {
		m.lg.Error().Err(err).Msg("failed to start next item")
		m.setState(types.StateIdle)
		return
	}

	m.sup.ClearRunList()
	if err := m.w.RunPlan(*item); err != nil {
		m.lg.Error().Err(err).Str("item_uid", item.ItemUID).Msg("failed to start plan")
		if _, qerr := m.queue.SetProcessedItemAsStopped(types.ExitStatusFailed, nil); qerr != nil {
			m.lg.Error().Err(qerr).Msg("failed to requeue item")
		}
		m.setState(types.StateIdle)
		m.broker.Publish(&events.Event{Type: events.EventQueueStopped})
		return
	}

	m.broker.Publish(&events.Event{
		Type:     events.EventItemStarted,
		Metadata: map[string]string{"item_uid": item.ItemUID, "name": item.Name},
	})
}
