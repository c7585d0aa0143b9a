package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule engine metrics.
//
// These describe how events move through the rule tree and how often the
// stateful rule features fire. Per-rule labels are avoided on purpose to
// keep cardinality bounded for large rule sets.

var (
	// RuleMatches counts rule selections.
	// Labels:
	//   - depth: "1", "2", "3" or "4+" for the tree level of the selected rule
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "rule_matches_total",
			Help:      "Total number of rules selected while walking the rule tree",
		},
		[]string{"depth"},
	)

	// ActivationTriggers counts activation group checks that reached their rate.
	ActivationTriggers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "activation_triggers_total",
			Help:      "Total number of activation group windows that reached their rate",
		},
	)

	UnlessArmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "unless_armed_total",
			Help:      "Total number of unless timers armed",
		},
	)

	UnlessCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "unless_cancelled_total",
			Help:      "Total number of armed unless timers cancelled by their target rule",
		},
	)

	// UnlessFired counts pending alerts released by the state flusher,
	// whether or not they met the alert threshold.
	UnlessFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "unless_fired_total",
			Help:      "Total number of unless timers that expired",
		},
	)

	// RegexTimeouts counts format and rule regex evaluations aborted by the
	// match timeout. A steady increase points at a pattern with
	// catastrophic backtracking.
	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "engine",
			Name:      "regex_timeouts_total",
			Help:      "Total number of regex evaluations aborted by the match timeout",
		},
	)
)
