// Package statistics implements the node-wide counters the Python
// DispersyStatistics/CommunityStatistics classes tracked as plain
// dict fields (original_source/statistics.py), re-expressed as
// prometheus collectors following the per-subsystem pattern
// (store/metrics.go, luxfi-consensus protocol/nova/metrics.go).
package statistics

import "github.com/prometheus/client_golang/prometheus"

// Statistics is the reason/meta-keyed counter ledger the ingress
// pipeline, walker and endpoint report into. It implements
// ingress.Stats without importing that package, avoiding an import
// cycle (ingress already depends on store/community/wire).
type Statistics struct {
	drop    *prometheus.CounterVec
	delay   *prometheus.CounterVec
	success *prometheus.CounterVec

	walkAttempt         prometheus.Counter
	walkSuccess         prometheus.Counter
	walkReset           prometheus.Counter
	bootstrapAttempt    prometheus.Counter
	bootstrapSuccess    prometheus.Counter
	createdCount        prometheus.Counter
	receivedCount       prometheus.Counter

	totalUp   prometheus.Counter
	totalDown prometheus.Counter
}

// New builds and registers every collector against registerer. A nil
// registerer gets a private registry, matching store.newMetrics'
// test-friendly default.
func New(registerer prometheus.Registerer) (*Statistics, error) {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	s := &Statistics{
		drop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispersy_drop_total",
			Help: "Number of incoming packets dropped, by reason.",
		}, []string{"reason"}),
		delay: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispersy_delay_total",
			Help: "Number of incoming packets delayed, by reason.",
		}, []string{"reason"}),
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispersy_success_total",
			Help: "Number of incoming messages accepted, by meta-message name.",
		}, []string{"meta"}),
		walkAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_walk_attempt_total",
			Help: "Number of introduction-request walk steps taken.",
		}),
		walkSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_walk_success_total",
			Help: "Number of walk steps that received an introduction-response.",
		}),
		walkReset: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_walk_reset_total",
			Help: "Number of times the walker reset its candidate table.",
		}),
		bootstrapAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_walk_bootstrap_attempt_total",
			Help: "Number of walk steps directed at a bootstrap candidate.",
		}),
		bootstrapSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_walk_bootstrap_success_total",
			Help: "Number of bootstrap walk steps that received a response.",
		}),
		createdCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_created_total",
			Help: "Number of messages this node authored.",
		}),
		receivedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_received_total",
			Help: "Number of raw packets received off the endpoint.",
		}),
		totalUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_total_up_bytes",
			Help: "Cumulative bytes sent through the endpoint.",
		}),
		totalDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_total_down_bytes",
			Help: "Cumulative bytes received through the endpoint.",
		}),
	}

	collectors := []prometheus.Collector{
		s.drop, s.delay, s.success,
		s.walkAttempt, s.walkSuccess, s.walkReset,
		s.bootstrapAttempt, s.bootstrapSuccess,
		s.createdCount, s.receivedCount,
		s.totalUp, s.totalDown,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// IncDrop satisfies ingress.Stats.
func (s *Statistics) IncDrop(reason string) { s.drop.WithLabelValues(reason).Inc() }

// IncDelay satisfies ingress.Stats.
func (s *Statistics) IncDelay(reason string) { s.delay.WithLabelValues(reason).Inc() }

// IncSuccess satisfies ingress.Stats.
func (s *Statistics) IncSuccess(metaName string) { s.success.WithLabelValues(metaName).Inc() }

// WalkAttempt records a walk step taken against a regular candidate.
func (s *Statistics) WalkAttempt() { s.walkAttempt.Inc() }

// WalkSuccess records an introduction-response received for a walk step.
func (s *Statistics) WalkSuccess() { s.walkSuccess.Inc() }

// WalkReset records the candidate table being reset after exhaustion.
func (s *Statistics) WalkReset() { s.walkReset.Inc() }

// BootstrapAttempt records a walk step directed at a bootstrap candidate.
func (s *Statistics) BootstrapAttempt() { s.bootstrapAttempt.Inc() }

// BootstrapSuccess records a bootstrap walk step's response.
func (s *Statistics) BootstrapSuccess() { s.bootstrapSuccess.Inc() }

// Created records one message authored locally.
func (s *Statistics) Created() { s.createdCount.Inc() }

// Received records one raw packet received off the endpoint.
func (s *Statistics) Received() { s.receivedCount.Inc() }

// AddUp records n bytes sent through the endpoint.
func (s *Statistics) AddUp(n int) { s.totalUp.Add(float64(n)) }

// AddDown records n bytes received through the endpoint.
func (s *Statistics) AddDown(n int) { s.totalDown.Add(float64(n)) }
