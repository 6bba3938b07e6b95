package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of sidecar spawn attempts that reached the OS.",
		},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "process",
			Name:      "kills_total",
			Help:      "Terminations by outcome (term, kill, failed).",
		}, []string{"outcome"},
	)
	sidecarAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidekeep",
			Subsystem: "process",
			Name:      "alive",
			Help:      "1 while the supervised sidecar process is alive.",
		},
	)
	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "supervisor",
			Name:      "attempts_total",
			Help:      "Supervision loop iterations by observed result.",
		}, []string{"result"},
	)
	acquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sidekeep",
			Subsystem: "supervisor",
			Name:      "acquire_duration_seconds",
			Help:      "Wall time of Acquire calls that ran a real attempt.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	supervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidekeep",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
	fatals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "supervisor",
			Name:      "fatal_total",
			Help:      "Fatal supervision failures by reason code.",
		}, []string{"reason"},
	)
	channelConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidekeep",
			Subsystem: "channel",
			Name:      "connected",
			Help:      "1 while the event channel is connected.",
		},
	)
	channelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Channel messages by type and direction.",
		}, []string{"type", "direction"},
	)
	parseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "channel",
			Name:      "parse_errors_total",
			Help:      "Inbound frames rejected by the envelope parser.",
		},
	)
	peerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidekeep",
			Subsystem: "channel",
			Name:      "peer_count",
			Help:      "Last aggregate peer count reported by the sidecar.",
		},
	)
	stateWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidekeep",
			Subsystem: "connstate",
			Name:      "waiters",
			Help:      "Registered WaitForUpdate listeners.",
		},
	)
	stateUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "connstate",
			Name:      "updates_total",
			Help:      "Connection state snapshots applied.",
		},
	)
	gqlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekeep",
			Subsystem: "gql",
			Name:      "requests_total",
			Help:      "GraphQL calls by mode (issued = hit the network, joined = coalesced).",
		}, []string{"mode"},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// multiple times; calls after the first success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		spawns, kills, sidecarAlive,
		attempts, acquireDuration, supervisorState, fatals,
		channelConnected, channelMessages, parseErrors, peerCount,
		stateWaiters, stateUpdates, gqlRequests,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncSpawn() {
	if regOK.Load() {
		spawns.Inc()
	}
}

func IncKill(outcome string) {
	if regOK.Load() {
		kills.WithLabelValues(outcome).Inc()
	}
}

func SetAlive(alive bool) {
	if regOK.Load() {
		sidecarAlive.Set(boolGauge(alive))
	}
}

func IncAttempt(result string) {
	if regOK.Load() {
		attempts.WithLabelValues(result).Inc()
	}
}

func ObserveAcquire(seconds float64) {
	if regOK.Load() {
		acquireDuration.Observe(seconds)
	}
}

func SetSupervisorState(state string, active bool) {
	if regOK.Load() {
		supervisorState.WithLabelValues(state).Set(boolGauge(active))
	}
}

func IncFatal(reason string) {
	if regOK.Load() {
		fatals.WithLabelValues(reason).Inc()
	}
}

func SetChannelConnected(connected bool) {
	if regOK.Load() {
		channelConnected.Set(boolGauge(connected))
	}
}

func IncMessage(msgType, direction string) {
	if regOK.Load() {
		channelMessages.WithLabelValues(msgType, direction).Inc()
	}
}

func IncParseError() {
	if regOK.Load() {
		parseErrors.Inc()
	}
}

func SetPeerCount(n int) {
	if regOK.Load() {
		peerCount.Set(float64(n))
	}
}

func SetWaiters(n int) {
	if regOK.Load() {
		stateWaiters.Set(float64(n))
	}
}

func IncStateUpdate() {
	if regOK.Load() {
		stateUpdates.Inc()
	}
}

func IncGQL(mode string) {
	if regOK.Load() {
		gqlRequests.WithLabelValues(mode).Inc()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
