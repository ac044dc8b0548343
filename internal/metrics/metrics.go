package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_builds_total",
			Help: "Total number of builds by terminal status.",
		},
		[]string{"job_id", "status"},
	)

	BuildDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_build_duration_seconds",
			Help:    "Duration of builds in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"job_id", "status"},
	)

	StageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_stage_runs_total",
			Help: "Total number of stage runs by status.",
		},
		[]string{"job_id", "stage", "status"},
	)

	StageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_stage_duration_seconds",
			Help:    "Duration of stage runs in seconds.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job_id", "status"},
	)

	DispatchDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dispatch_decisions_total",
			Help: "Total number of dispatch decisions by result.",
		},
		[]string{"result"},
	)

	ReservationRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_reservation_races_total",
			Help: "Total number of agent slot reservations lost to a concurrent writer.",
		},
	)

	AgentsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_agents_online",
			Help: "Number of agents currently online.",
		},
	)

	AgentSlotsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_agent_slots_in_use",
			Help: "Build slots currently reserved per agent.",
		},
		[]string{"agent_id"},
	)

	GateResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_gate_resolutions_total",
			Help: "Total number of approval gate resolutions by outcome.",
		},
		[]string{"status"},
	)

	TriggerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_trigger_fires_total",
			Help: "Total number of downstream build triggers fired.",
		},
		[]string{"trigger"},
	)
)

func init() {
	prometheus.MustRegister(
		BuildsTotal,
		BuildDurationSeconds,
		StageRunsTotal,
		StageDurationSeconds,
		DispatchDecisionsTotal,
		ReservationRacesTotal,
		AgentsOnline,
		AgentSlotsInUse,
		GateResolutionsTotal,
		TriggerFiresTotal,
	)
}
