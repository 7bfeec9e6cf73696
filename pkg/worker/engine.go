package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/types"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine states
const (
	engineIdle      = "idle"
	engineExecuting = "executing"
	enginePaused    = "paused"
)

// Engine is the worker-side run engine. It serves the command socket, runs
// one plan at a time and reports progress over the event socket. Plan
// execution is simulated: a plan produces one run and takes
// num * delay seconds. Deferred pause requests take effect at the next
// step boundary, immediate requests interrupt the step in flight.
type Engine struct {
	cmdAddr   string
	eventAddr string
	lg        zerolog.Logger

	mu      sync.Mutex
	state   string
	runList []types.RunEntry

	pauseCh  chan types.PauseOption
	resumeCh chan struct{}
	termCh   chan types.ExitStatus

	push zmq4.Socket
}

// NewEngine creates an engine serving the given endpoints
func NewEngine(cmdAddr, eventAddr string) *Engine {
	return &Engine{
		cmdAddr:   cmdAddr,
		eventAddr: eventAddr,
		lg:        log.WithComponent("engine"),
		state:     engineIdle,
		pauseCh:   make(chan types.PauseOption, 1),
		resumeCh:  make(chan struct{}, 1),
		termCh:    make(chan types.ExitStatus, 1),
	}
}

// Run binds the sockets, announces readiness and serves commands until the
// close command arrives or the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	rep := zmq4.NewRep(ctx)
	defer rep.Close()
	if err := rep.Listen(e.cmdAddr); err != nil {
		return fmt.Errorf("failed to bind command socket: %w", err)
	}

	e.push = zmq4.NewPush(ctx)
	defer e.push.Close()
	if err := e.push.Listen(e.eventAddr); err != nil {
		return fmt.Errorf("failed to bind event socket: %w", err)
	}

	// Startup of a real environment takes a while; keep the simulation
	// honest enough for clients that poll for readiness
	time.Sleep(50 * time.Millisecond)
	e.emit(Event{Type: EventReady})
	e.lg.Info().Str("cmd_addr", e.cmdAddr).Msg("run engine ready")

	for {
		msg, err := rep.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("command socket receive failed: %w", err)
		}

		var c command
		if err := json.Unmarshal(msg.Bytes(), &c); err != nil {
			e.reply(rep, reply{Success: false, Msg: "malformed command"})
			continue
		}

		r := e.handle(c)
		e.reply(rep, r)

		if c.Command == cmdClose && r.Success {
			return nil
		}
	}
}

func (e *Engine) reply(rep zmq4.Socket, r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := rep.Send(zmq4.NewMsg(data)); err != nil {
		e.lg.Error().Err(err).Msg("failed to send reply")
	}
}

func (e *Engine) emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.push.Send(zmq4.NewMsg(data)); err != nil {
		e.lg.Error().Err(err).Msg("failed to send event")
	}
}

func (e *Engine) handle(c command) reply {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch c.Command {
	case cmdRunPlan:
		if e.state != engineIdle {
			return reply{Success: false, Msg: "Plan is already executing"}
		}
		if c.Item == nil || c.Item.ItemType != types.ItemTypePlan {
			return reply{Success: false, Msg: "Command 'run_plan' requires a plan item"}
		}
		e.state = engineExecuting
		go e.execute(*c.Item)
		return reply{Success: true}

	case cmdPause:
		if e.state != engineExecuting {
			return reply{Success: false, Msg: "Run engine is not executing a plan"}
		}
		option := c.Option
		if option == "" {
			option = types.PauseDeferred
		}
		// A request already pending covers this one
		select {
		case e.pauseCh <- option:
		default:
		}
		return reply{Success: true}

	case cmdResume:
		if e.state != enginePaused {
			return reply{Success: false, Msg: "Run engine is not paused"}
		}
		e.resumeCh <- struct{}{}
		return reply{Success: true}

	case cmdStop, cmdAbort, cmdHalt:
		if e.state != enginePaused {
			return reply{Success: false, Msg: "Run engine is not paused"}
		}
		status := map[string]types.ExitStatus{
			cmdStop:  types.ExitStatusStopped,
			cmdAbort: types.ExitStatusAborted,
			cmdHalt:  types.ExitStatusHalted,
		}[c.Command]
		e.termCh <- status
		return reply{Success: true}

	case cmdRunList:
		runs := make([]types.RunEntry, len(e.runList))
		copy(runs, e.runList)
		return reply{Success: true, RunList: runs}

	case cmdClose:
		if e.state != engineIdle {
			return reply{Success: false, Msg: "Plan is running"}
		}
		return reply{Success: true}

	default:
		return reply{Success: false, Msg: fmt.Sprintf("Unsupported command: '%s'", c.Command)}
	}
}

// planSteps extracts the simulated step count and per-step delay from the
// plan kwargs
func planSteps(item types.Item) (int, time.Duration) {
	num := 1
	delay := 10 * time.Millisecond
	if v, ok := item.Kwargs["num"]; ok {
		if f, ok := v.(float64); ok && f >= 1 {
			num = int(f)
		}
	}
	if v, ok := item.Kwargs["delay"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			delay = time.Duration(f * float64(time.Second))
		}
	}
	return num, delay
}

// planFails reports whether the plan is set up to fail
func planFails(item types.Item) bool {
	if item.Name == "failing_plan" {
		return true
	}
	v, ok := item.Kwargs["fail"]
	b, isBool := v.(bool)
	return ok && isBool && b
}

// execute simulates one plan. Runs in its own goroutine; the command handler
// keeps serving pause and termination requests meanwhile.
func (e *Engine) execute(item types.Item) {
	// Drain control requests left over from a previous plan
drain:
	for {
		select {
		case <-e.pauseCh:
		case <-e.resumeCh:
		case <-e.termCh:
		default:
			break drain
		}
	}

	runUID := uuid.New().String()

	e.mu.Lock()
	e.runList = []types.RunEntry{{UID: runUID, IsOpen: true}}
	runs := append([]types.RunEntry(nil), e.runList...)
	e.mu.Unlock()

	e.emit(Event{Type: EventRunListChanged, RunList: runs})
	e.emit(Event{Type: EventPlanStarted, ItemUID: item.ItemUID})

	status := types.ExitStatusCompleted
	num, delay := planSteps(item)

	// A deferred pause request waits for the step in flight to finish and
	// takes effect at the next checkpoint; an immediate pause interrupts
	// the step. A deferred request after the final step lets the plan
	// complete.
	pending := false
steps:
	for i := 0; i < num; i++ {
		if pending {
			pending = false
			st, terminated := e.pausePoint(item)
			if terminated {
				status = st
				break steps
			}
		}

		step := time.After(delay)
	step:
		for {
			select {
			case opt := <-e.pauseCh:
				if opt == types.PauseImmediate {
					st, terminated := e.pausePoint(item)
					if terminated {
						status = st
						break steps
					}
					continue
				}
				pending = true
			case st := <-e.termCh:
				status = st
				break steps
			case <-step:
				break step
			}
		}
	}

	if status == types.ExitStatusCompleted && planFails(item) {
		status = types.ExitStatusFailed
	}

	e.mu.Lock()
	e.runList = []types.RunEntry{{UID: runUID, IsOpen: false, ExitStatus: string(status)}}
	runs = append([]types.RunEntry(nil), e.runList...)
	e.state = engineIdle
	e.mu.Unlock()

	e.emit(Event{Type: EventRunListChanged, RunList: runs})
	e.emit(Event{
		Type:       EventPlanCompleted,
		ItemUID:    item.ItemUID,
		ExitStatus: status,
		RunUIDs:    []string{runUID},
	})
}

// pausePoint parks the plan until a resume or a termination request
// arrives. Reports the exit status when the plan was terminated.
func (e *Engine) pausePoint(item types.Item) (types.ExitStatus, bool) {
	e.setState(enginePaused)
	e.emit(Event{Type: EventPlanPaused, ItemUID: item.ItemUID})
	select {
	case <-e.resumeCh:
		e.setState(engineExecuting)
		return "", false
	case st := <-e.termCh:
		return st, true
	}
}

func (e *Engine) setState(s string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
