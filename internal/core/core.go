// Package core holds the process-wide orchestration components. The
// server wires them once at startup; services reach them the same way
// they reach the database connection.
package core

import (
	"sync"

	"github.com/conveyor-ci/conveyor/internal/approval"
	"github.com/conveyor-ci/conveyor/internal/dispatch"
	"github.com/conveyor-ci/conveyor/internal/event"
	"github.com/conveyor-ci/conveyor/internal/ledger"
	"github.com/conveyor-ci/conveyor/internal/registry"
	"github.com/conveyor-ci/conveyor/pkg/db"
	"github.com/conveyor-ci/conveyor/pkg/env"
)

var (
	mu         sync.Mutex
	bus        event.Bus
	led        *ledger.Ledger
	reg        *registry.Registry
	approvals  *approval.Coordinator
	dispatcher *dispatch.Dispatcher
)

// Bus returns the process event bus, creating it on first use.
func Bus() event.Bus {
	mu.Lock()
	defer mu.Unlock()
	if bus == nil {
		bus = event.New()
	}
	return bus
}

// Ledger returns the build ledger, creating it on first use.
func Ledger() *ledger.Ledger {
	b := Bus()
	mu.Lock()
	defer mu.Unlock()
	if led == nil {
		led = ledger.New(db.Connection(), b)
	}
	return led
}

// Registry returns the agent registry, creating it on first use.
func Registry() *registry.Registry {
	b := Bus()
	mu.Lock()
	defer mu.Unlock()
	if reg == nil {
		reg = registry.New(db.Connection(), b, env.Variables().AgentLivenessTimeout)
	}
	return reg
}

// Approvals returns the gate coordinator, creating it on first use.
func Approvals() *approval.Coordinator {
	b := Bus()
	mu.Lock()
	defer mu.Unlock()
	if approvals == nil {
		approvals = approval.New(db.Connection(), b).
			WithDefaultTimeout(env.Variables().GateDefaultTimeout)
	}
	return approvals
}

// Dispatcher returns the dispatcher wired at startup, or nil when the
// process runs without one.
func Dispatcher() *dispatch.Dispatcher {
	mu.Lock()
	defer mu.Unlock()
	return dispatcher
}

// SetDispatcher installs the dispatcher. Called once from startup.
func SetDispatcher(d *dispatch.Dispatcher) {
	mu.Lock()
	defer mu.Unlock()
	dispatcher = d
}
