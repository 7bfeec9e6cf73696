/*
Package worker runs and supervises the run engine environment.

The run engine executes plans in a separate process so a crashing or hung
plan cannot take the queue manager down with it. This package contains both
sides of that boundary: the manager-side handle (ProcessWorker, Supervisor)
and the worker-side engine hosted by the qserver-worker binary.

# Architecture

	┌─────── manager process ────────┐   ┌──── worker process ────┐
	│                                 │   │                        │
	│  Supervisor                     │   │  Engine                │
	│   - run list cache + tag        │   │   - executes one plan  │
	│   - event forwarding            │   │   - pause / resume     │
	│        │                        │   │   - run list           │
	│  ProcessWorker                  │   │                        │
	│   - spawns the binary     REQ ──┼───┼── REP  commands        │
	│   - command socket       PULL ──┼───┼── PUSH events          │
	│   - process lifecycle           │   │                        │
	└─────────────────────────────────┘   └────────────────────────┘

Commands (run_plan, pause, resume, stop, abort, halt, run_list, close) are
synchronous request/reply exchanges; the outcome of plan execution arrives
asynchronously on the event socket. Socket endpoints are ipc files in a
private temp directory passed to the child on the command line.

The Worker interface hides the process plumbing from the manager, which
also lets tests substitute an in-process fake environment.
*/
package worker
