package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

// command is one request of the manager-to-worker command channel
type command struct {
	Command string            `json:"command"`
	Item    *types.Item       `json:"item,omitempty"`
	Option  types.PauseOption `json:"option,omitempty"`
}

// reply is the worker's response to a command
type reply struct {
	Success bool             `json:"success"`
	Msg     string           `json:"msg,omitempty"`
	RunList []types.RunEntry `json:"run_list,omitempty"`
}

// Worker commands
const (
	cmdRunPlan = "run_plan"
	cmdPause   = "pause"
	cmdResume  = "resume"
	cmdStop    = "stop"
	cmdAbort   = "abort"
	cmdHalt    = "halt"
	cmdRunList = "run_list"
	cmdClose   = "close"
)

// ProcessWorker runs the run engine environment as a child process and talks
// to it over a pair of ZeroMQ sockets: REQ/REP for commands, PUSH/PULL for
// events. Socket endpoints are ipc files in a private temp directory passed
// to the child on the command line.
type ProcessWorker struct {
	binary string
	lg     zerolog.Logger

	// cmdMu serializes command exchanges on the REQ socket; mu guards the
	// handle state. Socket IO never happens under mu, so a dying worker
	// cannot deadlock a caller blocked in Recv.
	cmdMu  sync.Mutex
	mu     sync.Mutex
	cmd    *exec.Cmd
	req    zmq4.Socket
	pull   zmq4.Socket
	cancel context.CancelFunc
	ipcDir string
	alive  bool

	events chan Event
	done   chan struct{}
}

// NewProcessWorker creates a worker handle that will run the given binary.
// The process is not started until Open.
func NewProcessWorker(binary string) *ProcessWorker {
	return &ProcessWorker{
		binary: binary,
		lg:     log.WithComponent("worker"),
	}
}

// Open spawns the worker process, connects the command and event sockets and
// blocks until the worker reports ready or the context expires.
func (w *ProcessWorker) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.alive {
		return fmt.Errorf("worker is already running")
	}

	ipcDir, err := os.MkdirTemp("", "qserver-worker-")
	if err != nil {
		return fmt.Errorf("failed to create ipc directory: %w", err)
	}
	cmdAddr := "ipc://" + filepath.Join(ipcDir, "cmd.sock")
	eventAddr := "ipc://" + filepath.Join(ipcDir, "events.sock")

	cmd := exec.Command(w.binary, "--cmd-addr", cmdAddr, "--event-addr", eventAddr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		os.RemoveAll(ipcDir)
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	sockCtx, cancel := context.WithCancel(context.Background())
	req := zmq4.NewReq(sockCtx)
	pull := zmq4.NewPull(sockCtx)

	fail := func(err error) error {
		cancel()
		req.Close()
		pull.Close()
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(ipcDir)
		return err
	}

	// The child binds the ipc endpoints after it starts up, so dialing is
	// retried for a short while
	dial := func(sock zmq4.Socket, addr string) error {
		bo := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewConstantBackOff(100*time.Millisecond), 50), ctx)
		return backoff.Retry(func() error { return sock.Dial(addr) }, bo)
	}
	if err := dial(pull, eventAddr); err != nil {
		return fail(fmt.Errorf("failed to connect to worker event socket: %w", err))
	}
	if err := dial(req, cmdAddr); err != nil {
		return fail(fmt.Errorf("failed to connect to worker command socket: %w", err))
	}

	events := make(chan Event, 32)
	done := make(chan struct{})

	go pumpEvents(pull, events, done)

	// Wait for the ready event
	select {
	case ev, ok := <-events:
		if !ok || ev.Type != EventReady {
			return fail(fmt.Errorf("worker did not report ready"))
		}
	case <-ctx.Done():
		return fail(fmt.Errorf("timed out waiting for the worker environment: %w", ctx.Err()))
	}

	w.cmd = cmd
	w.req = req
	w.pull = pull
	w.cancel = cancel
	w.ipcDir = ipcDir
	w.events = events
	w.done = done
	w.alive = true

	go w.waitExit()

	w.lg.Info().Int("pid", cmd.Process.Pid).Msg("worker environment ready")
	return nil
}

// pumpEvents forwards worker events from the PULL socket to the event
// channel until the socket is closed
func pumpEvents(pull zmq4.Socket, events chan<- Event, done chan struct{}) {
	defer close(done)
	for {
		msg, err := pull.Recv()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg.Bytes(), &ev); err != nil {
			continue
		}
		events <- ev
	}
}

// waitExit reaps the worker process and delivers the final exited event
func (w *ProcessWorker) waitExit() {
	err := w.cmd.Wait()

	w.mu.Lock()
	w.alive = false
	w.cancel()
	w.req.Close()
	w.pull.Close()
	os.RemoveAll(w.ipcDir)
	events := w.events
	done := w.done
	w.mu.Unlock()

	// The socket pump stops once the sockets are closed
	<-done

	ev := Event{Type: EventExited}
	if err != nil {
		ev.Msg = err.Error()
	}
	events <- ev
	close(events)

	w.lg.Info().Err(err).Msg("worker process exited")
}

// send delivers one command over the REQ socket and decodes the reply.
// Commands are serialized: REQ sockets allow a single request in flight.
func (w *ProcessWorker) send(c command) (reply, error) {
	w.mu.Lock()
	alive, req := w.alive, w.req
	w.mu.Unlock()

	if !alive {
		return reply{}, fmt.Errorf("worker is not running")
	}

	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return reply{}, err
	}
	if err := req.Send(zmq4.NewMsg(data)); err != nil {
		return reply{}, fmt.Errorf("failed to send command '%s': %w", c.Command, err)
	}
	msg, err := req.Recv()
	if err != nil {
		return reply{}, fmt.Errorf("failed to receive reply to '%s': %w", c.Command, err)
	}
	var r reply
	if err := json.Unmarshal(msg.Bytes(), &r); err != nil {
		return reply{}, fmt.Errorf("malformed reply to '%s': %w", c.Command, err)
	}
	if !r.Success {
		return r, fmt.Errorf("%s", r.Msg)
	}
	return r, nil
}

// Close asks the worker to shut down and waits for the process to exit
func (w *ProcessWorker) Close(ctx context.Context) error {
	if _, err := w.send(command{Command: cmdClose}); err != nil {
		return err
	}

	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.Kill()
		return fmt.Errorf("worker did not exit in time: %w", ctx.Err())
	}
}

// Kill terminates the worker process
func (w *ProcessWorker) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive {
		return nil
	}
	return w.cmd.Process.Kill()
}

// RunPlan starts executing a plan in the environment
func (w *ProcessWorker) RunPlan(item types.Item) error {
	_, err := w.send(command{Command: cmdRunPlan, Item: &item})
	return err
}

// Pause interrupts the running plan
func (w *ProcessWorker) Pause(option types.PauseOption) error {
	_, err := w.send(command{Command: cmdPause, Option: option})
	return err
}

// Resume continues a paused plan
func (w *ProcessWorker) Resume() error {
	_, err := w.send(command{Command: cmdResume})
	return err
}

// Stop finishes a paused plan with exit status "stopped"
func (w *ProcessWorker) Stop() error {
	_, err := w.send(command{Command: cmdStop})
	return err
}

// Abort finishes a paused plan with exit status "aborted"
func (w *ProcessWorker) Abort() error {
	_, err := w.send(command{Command: cmdAbort})
	return err
}

// Halt finishes a paused plan with exit status "halted"
func (w *ProcessWorker) Halt() error {
	_, err := w.send(command{Command: cmdHalt})
	return err
}

// RunList returns the worker's current list of runs
func (w *ProcessWorker) RunList() ([]types.RunEntry, error) {
	r, err := w.send(command{Command: cmdRunList})
	if err != nil {
		return nil, err
	}
	return r.RunList, nil
}

// Events returns the worker event channel
func (w *ProcessWorker) Events() <-chan Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Alive reports whether the worker process is running
func (w *ProcessWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}
