package core

import (
	"time"

	"github.com/dlclark/regexp2"
)

// AlwaysGroup is the trigger group wildcard that matches every event.
const AlwaysGroup = "!ALWAYS"

// ActivationGroup gates a rule on the rate of events carrying GroupName:
// at least Rate events within Time.
type ActivationGroup struct {
	Time      time.Duration
	Rate      uint32
	GroupName string
	// Reset clears the window once the rule has been selected.
	Reset bool
}

// UnlessRule delays an alert for Timeout and drops it if an event for
// Target arrives first.
type UnlessRule struct {
	Target  uint32
	Timeout time.Duration
}

// InterventionSpec names an intervention and the event field holding its argument.
type InterventionSpec struct {
	Name             string `json:"name" yaml:"name" msgpack:"name"`
	Field            string `json:"field" yaml:"field" msgpack:"field"`
	IgnoreEmptyField bool   `json:"ignore_empty_field,omitempty" yaml:"ignore_empty_field,omitempty" msgpack:"ignore_empty_field"`
}

// Rule is a node of the rule forest. Rules are built and validated by the
// loader and never mutated afterwards.
type Rule struct {
	ID          uint32
	Priority    uint32
	Description string
	Groups      []string

	// Regex is searched against the event's "log" field (or its message).
	// Capture group i is stored under RegexFields[i-1].
	Regex       *regexp2.Regexp
	RegexFields []string

	ParentIDs     []uint32
	TriggerGroup  string
	TriggerFields map[string]Matcher
	TriggerTraits map[string]Matcher

	ActivationGroup *ActivationGroup
	SameField       string
	Unless          *UnlessRule

	Children      []*Rule
	Interventions []InterventionSpec
	AlwaysAlert   bool

	// Source is the file the rule was loaded from.
	Source string
}

// IsGroupRule reports whether the rule is gated by group membership or rate
// rather than by a parent.
func (r *Rule) IsGroupRule() bool {
	return len(r.ParentIDs) == 0 && (r.TriggerGroup != "" || r.ActivationGroup != nil)
}

// IsTopLevel reports whether the rule is evaluated against every event.
func (r *Rule) IsTopLevel() bool {
	return len(r.ParentIDs) == 0 && !r.IsGroupRule()
}

// HasParent reports whether id is one of the rule's parents.
func (r *Rule) HasParent(id uint32) bool {
	for _, p := range r.ParentIDs {
		if p == id {
			return true
		}
	}
	return false
}

// HasCondition reports whether any match condition is configured.
func (r *Rule) HasCondition() bool {
	return r.TriggerGroup != "" ||
		len(r.TriggerFields) > 0 ||
		len(r.TriggerTraits) > 0 ||
		r.Regex != nil ||
		len(r.ParentIDs) > 0 ||
		r.ActivationGroup != nil
}

// Walk calls fn for r and every descendant, depth first. A rule reachable
// through more than one parent is visited once per path.
func (r *Rule) Walk(fn func(*Rule)) {
	fn(r)
	for _, c := range r.Children {
		c.Walk(fn)
	}
}
