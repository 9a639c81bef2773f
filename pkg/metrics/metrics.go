// Package metrics owns the process-wide request/validation/rule-matching
// counters and exposes them both as real Prometheus instruments (for
// scraping) and as a copy-on-read snapshot (for the status payload).
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/protoforge/mockgrpc/pkg/status"
)

// Recorder is the single process-wide owner of every counter the shared
// request handler increments. Every validation and rule-matching increment
// updates both a real Prometheus instrument (for scraping) and a plain
// atomic/mutex-guarded shadow value (for the status payload's copy-on-read
// Snapshot) — the two are cheap enough to keep in lockstep and a CounterVec
// offers no cheap read-back path of its own. Request counts are kept in
// Prometheus only.
type Recorder struct {
	mu sync.Mutex

	validationChecksTotal    atomic.Int64
	validationFailuresTotal  atomic.Int64
	validationFailuresByType *prometheus.CounterVec
	failuresByType           map[string]int64

	ruleMatchingAttemptsTotal atomic.Int64
	ruleMatchingMatchesTotal  atomic.Int64
	ruleMatchingMissesTotal   atomic.Int64
	ruleMatchingMatchesByRule *prometheus.CounterVec
	matchesByRule             map[string]int64

	validationChecksCounter   prometheus.Counter
	validationFailuresCounter prometheus.Counter
	attemptsCounter           prometheus.Counter
	matchesCounter            prometheus.Counter
	missesCounter             prometheus.Counter

	requestsTotal *prometheus.CounterVec
}

// NewRecorder registers a fresh set of counters against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer to expose them on the process's default
// /metrics handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		failuresByType: map[string]int64{},
		matchesByRule:  map[string]int64{},

		validationChecksCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mockgrpc_validation_checks_total",
			Help: "Total number of message validations performed.",
		}),
		validationFailuresCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mockgrpc_validation_failures_total",
			Help: "Total number of message validations that produced at least one violation.",
		}),
		validationFailuresByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockgrpc_validation_failures_by_type_total",
			Help: "Validation failures broken down by message type.",
		}, []string{"type"}),

		attemptsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mockgrpc_rule_matching_attempts_total",
			Help: "Total rule lookups attempted.",
		}),
		matchesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mockgrpc_rule_matching_matches_total",
			Help: "Total rule lookups that found a RuleDoc.",
		}),
		missesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mockgrpc_rule_matching_misses_total",
			Help: "Total rule lookups that found no RuleDoc.",
		}),
		ruleMatchingMatchesByRule: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockgrpc_rule_matching_matches_by_rule_total",
			Help: "Rule matches broken down by rule key.",
		}, []string{"rule_key"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mockgrpc_requests_total",
			Help: "Total RPCs served, by protocol and status.",
		}, []string{"protocol", "service", "method", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			r.validationChecksCounter,
			r.validationFailuresCounter,
			r.validationFailuresByType,
			r.attemptsCounter,
			r.matchesCounter,
			r.missesCounter,
			r.ruleMatchingMatchesByRule,
			r.requestsTotal,
		)
	}
	return r
}

// RecordValidation records one Validate call's outcome.
func (r *Recorder) RecordValidation(messageType string, ok bool) {
	r.validationChecksCounter.Inc()
	r.validationChecksTotal.Add(1)
	if ok {
		return
	}
	r.validationFailuresCounter.Inc()
	r.validationFailuresTotal.Add(1)
	r.validationFailuresByType.WithLabelValues(messageType).Inc()

	r.mu.Lock()
	r.failuresByType[messageType]++
	r.mu.Unlock()
}

// RecordRuleLookup records one (service, method) rule lookup.
func (r *Recorder) RecordRuleLookup(ruleKey string, matched bool) {
	r.attemptsCounter.Inc()
	r.ruleMatchingAttemptsTotal.Add(1)
	if !matched {
		r.missesCounter.Inc()
		r.ruleMatchingMissesTotal.Add(1)
		return
	}
	r.matchesCounter.Inc()
	r.ruleMatchingMatchesTotal.Add(1)
	r.ruleMatchingMatchesByRule.WithLabelValues(ruleKey).Inc()

	r.mu.Lock()
	r.matchesByRule[ruleKey]++
	r.mu.Unlock()
}

// RecordRequest records one completed RPC on the Prometheus request counter.
// It keeps no shadow value, so request counts do not appear in Snapshot.
func (r *Recorder) RecordRequest(protocol, service, method, statusName string) {
	r.requestsTotal.WithLabelValues(protocol, service, method, statusName).Inc()
}

// Snapshot copies the current counter values into a status.Metrics DTO.
func (r *Recorder) Snapshot() status.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType := make(map[string]int64, len(r.failuresByType))
	for k, v := range r.failuresByType {
		byType[k] = v
	}
	byRule := make(map[string]int64, len(r.matchesByRule))
	for k, v := range r.matchesByRule {
		byRule[k] = v
	}

	return status.Metrics{
		ValidationChecksTotal:     r.validationChecksTotal.Load(),
		ValidationFailuresTotal:   r.validationFailuresTotal.Load(),
		ValidationFailuresByType:  byType,
		RuleMatchingAttemptsTotal: r.ruleMatchingAttemptsTotal.Load(),
		RuleMatchingMatchesTotal:  r.ruleMatchingMatchesTotal.Load(),
		RuleMatchingMissesTotal:   r.ruleMatchingMissesTotal.Load(),
		RuleMatchingMatchesByRule: byRule,
	}
}
