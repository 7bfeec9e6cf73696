package metrics

import (
	"context"
	"time"

	"github.com/beamline/qserver/pkg/events"
	"github.com/beamline/qserver/pkg/types"
)

// StatusSource serves status documents; satisfied by the queue manager
type StatusSource interface {
	Dispatch(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error)
}

// managerStates enumerates the states tracked by the manager state gauge
var managerStates = []types.ManagerState{
	types.StateInitializing,
	types.StateIdle,
	types.StateCreatingEnvironment,
	types.StateExecutingQueue,
	types.StatePaused,
	types.StateClosingEnvironment,
	types.StateStopping,
}

// Collector keeps the exported metrics current: counters follow the event
// stream, gauges are refreshed from the status document on a timer.
type Collector struct {
	source StatusSource
	broker *events.Broker
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatusSource, broker *events.Broker) *Collector {
	return &Collector{
		source: source,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	sub := c.broker.Subscribe()
	ticker := time.NewTicker(15 * time.Second)

	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					ticker.Stop()
					return
				}
				c.handleEvent(ev)
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				c.broker.Unsubscribe(sub)
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) handleEvent(ev *events.Event) {
	switch ev.Type {
	case events.EventItemStarted:
		ItemsStarted.Inc()
	case events.EventItemCompleted, events.EventItemFailed:
		ItemsProcessed.WithLabelValues(ev.Metadata["exit_status"]).Inc()
	case events.EventEnvironmentOpened:
		EnvironmentExists.Set(1)
	case events.EventEnvironmentClosed:
		EnvironmentExists.Set(0)
	case events.EventEnvironmentFailed:
		EnvironmentExists.Set(0)
		EnvironmentFailures.Inc()
	case events.EventManagerStateChange:
		setManagerState(ev.Metadata["state"])
	case events.EventItemAdded, events.EventItemRemoved, events.EventQueueStopped:
		c.collect()
	}
}

func setManagerState(state string) {
	for _, s := range managerStates {
		v := 0.0
		if string(s) == state {
			v = 1.0
		}
		ManagerState.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.source.Dispatch(ctx, "status", nil)
	if err != nil {
		return
	}
	if n, ok := st["items_in_queue"].(int); ok {
		QueueItems.Set(float64(n))
	}
	if n, ok := st["items_in_history"].(int); ok {
		HistoryItems.Set(float64(n))
	}
	if exists, ok := st["worker_environment_exists"].(bool); ok {
		v := 0.0
		if exists {
			v = 1.0
		}
		EnvironmentExists.Set(v)
	}
	if s, ok := st["manager_state"].(types.ManagerState); ok {
		setManagerState(string(s))
	}
}
