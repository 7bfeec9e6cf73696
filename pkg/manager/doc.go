/*
Package manager implements the queue manager state machine.

The manager coordinates everything the queue server does: it owns the plan
queue service, the permissions registry and the worker environment, and it
executes the control channel methods. It is the only component that decides
when plans run.

# Architecture

	┌─────────────────── QUEUE MANAGER ──────────────────────┐
	│                                                         │
	│  control requests        worker events                  │
	│        │                      │                         │
	│  ┌─────▼──────────────────────▼──────────────┐         │
	│  │            manager loop (one goroutine)    │         │
	│  │  - state machine transitions               │         │
	│  │  - request handlers                        │         │
	│  │  - queue execution                         │         │
	│  └─────┬──────────────┬──────────────┬───────┘         │
	│        │              │              │                  │
	│  ┌─────▼─────┐  ┌─────▼──────┐  ┌───▼────────┐        │
	│  │ PlanQueue │  │ Supervisor │  │ Registry    │        │
	│  │ (durable) │  │ + Worker   │  │ (allow      │        │
	│  │           │  │ (process)  │  │  lists)     │        │
	│  └───────────┘  └────────────┘  └────────────┘        │
	└─────────────────────────────────────────────────────────┘

All mutable manager state is owned by a single loop goroutine. Control
requests and worker events are delivered to it over channels, which is what
makes the state machine race free: no handler ever observes a transition
half-applied, and the status document is always a consistent snapshot.

# States

	idle                  no plan activity
	creating_environment  worker process starting
	executing_queue       plans are being executed
	paused                run engine paused mid-plan
	closing_environment   worker shutting down
	stopping              manager shutting down

Requests that are invalid in the current state are refused with a
descriptive message and change nothing.

# Queue execution

Once started, execution continues until the queue empties, a queue_stop
instruction is consumed, a pending stop takes effect or a plan finishes
with anything other than "completed". A stopped item returns to the front
of the queue so it can be re-attempted; completed, failed, aborted and
halted items only leave a history record.
*/
package manager
