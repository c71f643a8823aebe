// Package metrics wraps the Prometheus collectors the replication
// server exposes on its admin surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every named collector the control plane updates.
type Registry struct {
	ShardsConnected   prometheus.Gauge
	SectorsByState    *prometheus.GaugeVec
	FramesIn          *prometheus.CounterVec
	FramesOut         *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	ConnAccepted      prometheus.Counter
	ConnRejected      *prometheus.CounterVec
	RebalanceMoves    prometheus.Counter
	DeactivationRuns  prometheus.Counter
	TransitionQueued  prometheus.Counter
	TransitionDropped prometheus.Counter
	TransitionAcked   prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
}

// NewRegistry creates every Prometheus collector the control plane
// updates, registered against the default registry via promauto.
func NewRegistry() *Registry {
	return &Registry{
		ShardsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sectorfab_shards_connected",
			Help: "Number of shards currently registered with the control plane",
		}),
		SectorsByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sectorfab_sectors_by_state",
			Help: "Number of sectors currently in each AssignmentState",
		}, []string{"state"}),
		FramesIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorfab_frames_in_total",
			Help: "Total shard->replication frames processed, by tag",
		}, []string{"tag"}),
		FramesOut: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorfab_frames_out_total",
			Help: "Total replication->shard frames sent, by tag",
		}, []string{"tag"}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_protocol_errors_total",
			Help: "Total connections terminated by a ProtocolError",
		}),
		ConnAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_connections_accepted_total",
			Help: "Total shard connections accepted",
		}),
		ConnRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorfab_connections_rejected_total",
			Help: "Total shard connections rejected, by reason",
		}, []string{"reason"}),
		RebalanceMoves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_rebalance_moves_total",
			Help: "Total sector migrations initiated by the rebalance sweep",
		}),
		DeactivationRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_deactivation_sweeps_total",
			Help: "Total deactivation sweeps executed",
		}),
		TransitionQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_entity_transitions_queued_total",
			Help: "Total entity transition requests queued pending destination activation",
		}),
		TransitionDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_entity_transitions_dropped_total",
			Help: "Total entity transition requests dropped by queue overflow or owner disconnect",
		}),
		TransitionAcked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sectorfab_entity_transitions_acked_total",
			Help: "Total entity transitions acknowledged to their origin shard",
		}),
		PersistenceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sectorfab_persistence_errors_total",
			Help: "Total persistence hook failures, by operation",
		}, []string{"op"}),
	}
}

// Handler returns an HTTP handler exposing Prometheus exposition text.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
