package core

import (
	"sort"

	"github.com/dlclark/regexp2"
)

// Format extracts fields from messages it fully matches.
type Format struct {
	Name   string
	Regex  *regexp2.Regexp
	Fields []string
}

// RuleSet is the validated rule forest plus the declarations rules refer to.
type RuleSet struct {
	// TopLevel rules in declaration order.
	TopLevel []*Rule
	// GroupRules are evaluated after the top-level tree for every event.
	GroupRules    []*Rule
	Groups        map[string]struct{}
	Formats       []*Format
	Interventions map[string]struct{}

	byID map[uint32]*Rule
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		Groups:        make(map[string]struct{}),
		Interventions: make(map[string]struct{}),
		byID:          make(map[uint32]*Rule),
	}
}

// Register indexes r by id. It reports false if the id is already taken.
func (rs *RuleSet) Register(r *Rule) bool {
	if _, ok := rs.byID[r.ID]; ok {
		return false
	}
	rs.byID[r.ID] = r
	return true
}

// Rule returns the rule with the given id.
func (rs *RuleSet) Rule(id uint32) (*Rule, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// Len returns the number of distinct rules.
func (rs *RuleSet) Len() int {
	return len(rs.byID)
}

// IDs returns every rule id in ascending order.
func (rs *RuleSet) IDs() []uint32 {
	ids := make([]uint32, 0, len(rs.byID))
	for id := range rs.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasGroup reports whether group has been declared.
func (rs *RuleSet) HasGroup(group string) bool {
	_, ok := rs.Groups[group]
	return ok
}

// HasIntervention reports whether an intervention has been declared.
func (rs *RuleSet) HasIntervention(name string) bool {
	_, ok := rs.Interventions[name]
	return ok
}
