package dispatch

import (
	"context"
	"time"

	"github.com/conveyor-ci/conveyor/internal/models"
	"github.com/conveyor-ci/conveyor/pkg/pipedef"
	"github.com/google/uuid"
)

// buildState tracks one running build's frontier over its DAG layers.
// It is only ever touched under the dispatcher mutex.
type buildState struct {
	build    *models.Build
	def      *pipedef.Definition
	layers   [][]string
	frontier int
	stages   map[string]models.StageStatus
	agents   map[string]uuid.UUID          // stage → reserved agent slot
	gates    map[string]uuid.UUID          // stage → open gate
	cancels  map[string]context.CancelFunc // stage → in-flight execution
	started  map[string]time.Time          // stage → dispatch time
	failed   bool
	done     bool
}

func newBuildState(build *models.Build, def *pipedef.Definition, layers [][]string) *buildState {
	st := &buildState{
		build:   build,
		def:     def,
		layers:  layers,
		stages:  make(map[string]models.StageStatus, len(def.Stages)),
		agents:  make(map[string]uuid.UUID),
		gates:   make(map[string]uuid.UUID),
		cancels: make(map[string]context.CancelFunc),
		started: make(map[string]time.Time),
	}
	for _, stage := range def.Stages {
		st.stages[stage.Name] = models.StageStatusPending
	}
	return st
}

// frontierDone reports whether every stage of the current layer is
// terminal.
func (st *buildState) frontierDone() bool {
	if st.frontier >= len(st.layers) {
		return true
	}
	for _, name := range st.layers[st.frontier] {
		if !st.stages[name].Terminal() {
			return false
		}
	}
	return true
}

// inFlight reports whether any stage is still executing or gated.
func (st *buildState) inFlight() bool {
	for _, status := range st.stages {
		if status == models.StageStatusRunning {
			return true
		}
	}
	return false
}

// adjacency returns the stage graph as successor lists.
func (st *buildState) adjacency() map[string][]string {
	successors := make(map[string][]string, len(st.def.Stages))
	for _, stage := range st.def.Stages {
		for _, dep := range stage.DependsOn {
			successors[dep] = append(successors[dep], stage.Name)
		}
	}
	return successors
}

// descendants walks successor edges breadth-first from start.
func descendants(successors map[string][]string, start string) []string {
	queue := append([]string(nil), successors[start]...)
	seen := make(map[string]struct{}, len(queue))
	out := make([]string, 0, len(queue))

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		queue = append(queue, successors[name]...)
	}
	return out
}
