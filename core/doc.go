// Package core defines the domain model of the argus correlation engine.
//
// # Overview
//
// The core package provides:
//   - Rule definitions (Rule, Matcher, ActivationGroup, UnlessRule) and the
//     loaded RuleSet forest keyed by rule id
//   - Events flowing through the pipeline (SourceEvent on the wire, Event
//     once enriched by the matching engine)
//   - Intervention commands produced for the dispatch stage
//   - The pipeline Message envelope carrying a payload or the shutdown variant
//   - Typed load-time errors (RuleError)
//
// Types in this package carry no goroutines and perform no I/O. Rules are
// immutable once a RuleSet has been built; Events are owned by exactly one
// pipeline stage at a time and are cloned when a snapshot must outlive it.
package core
