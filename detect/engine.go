package detect

import (
	"fmt"
	"math"
	"strings"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// LogicViolationError reports an event reaching an unless rule through a
// path the loader should have made impossible. The processing stage treats
// it as fatal.
type LogicViolationError struct {
	RuleID      uint32
	EventRuleID uint32
	ParentIDs   []uint32
	Target      uint32
}

func (e *LogicViolationError) Error() string {
	return fmt.Sprintf("unless rule %d reached by event of rule %d (parents %v, unless target %d)",
		e.RuleID, e.EventRuleID, e.ParentIDs, e.Target)
}

type update struct {
	name, value string
}

type checkResult struct {
	matched bool
	fields  []update
	traits  []update
}

// Engine evaluates events against a rule set. It is driven by a single
// processing goroutine; only its RuleStateStore is shared.
type Engine struct {
	rules   *core.RuleSet
	formats *FormatExtractor
	state   *RuleStateStore
	clock   core.Clock
	logger  *zap.SugaredLogger
	trace   bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the wall clock used for windows and timers.
func WithClock(c core.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithTrace logs every rule check at debug level.
func WithTrace() EngineOption {
	return func(e *Engine) { e.trace = true }
}

// NewEngine returns an engine over rules sharing state with the flusher.
func NewEngine(rules *core.RuleSet, state *RuleStateStore, logger *zap.SugaredLogger, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:   rules,
		formats: NewFormatExtractor(rules.Formats, logger),
		state:   state,
		clock:   core.SystemClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rule set the engine evaluates.
func (e *Engine) Rules() *core.RuleSet {
	return e.rules
}

// State returns the shared rule state store.
func (e *Engine) State() *RuleStateStore {
	return e.state
}

// Process extracts fields from ev and runs it through the top-level tree
// and then the group rules, mutating ev in place. The only error is a
// *LogicViolationError.
func (e *Engine) Process(ev *core.Event) error {
	e.formats.Extract(ev)
	if err := e.evaluate(ev, e.rules.TopLevel, 1); err != nil {
		return err
	}
	return e.evaluate(ev, e.rules.GroupRules, 1)
}

func (e *Engine) evaluate(ev *core.Event, candidates []*core.Rule, depth int) error {
	for len(candidates) > 0 {
		var (
			selected    *core.Rule
			selectedRes checkResult
			maxPriority uint32
			minID       uint32 = math.MaxUint32
		)
		for _, r := range candidates {
			res, err := e.check(ev, r)
			if err != nil {
				return err
			}
			if e.trace {
				e.logger.Debugw("Rule checked", "depth", depth, "rule_id", r.ID, "matched", res.matched)
			}
			if !res.matched {
				continue
			}
			if r.Priority > maxPriority || (r.Priority == maxPriority && r.ID < minID) {
				selected, selectedRes = r, res
				maxPriority, minID = r.Priority, r.ID
			}
		}
		if selected == nil {
			return nil
		}

		if e.trace {
			e.logger.Debugw("Rule selected", "depth", depth, "rule_id", selected.ID, "children", len(selected.Children))
		}
		metrics.RuleMatches.WithLabelValues(depthLabel(depth)).Inc()
		e.apply(ev, selected, selectedRes)
		e.resetActivation(ev, selected)

		candidates = selected.Children
		depth++
	}
	return nil
}

func (e *Engine) apply(ev *core.Event, r *core.Rule, res checkResult) {
	ev.ApplyRule(r)
	for _, u := range res.fields {
		ev.Fields[u.name] = u.value
	}
	for _, u := range res.traits {
		ev.Traits[u.name] = u.value
	}
}

func (e *Engine) resetActivation(ev *core.Event, r *core.Rule) {
	if r.ActivationGroup == nil || !r.ActivationGroup.Reset {
		return
	}
	if r.SameField == "" {
		e.state.ResetWindow(r.ID)
		return
	}
	if v, ok := ev.Field(r.SameField); ok {
		e.state.ResetWindowMatching(r.ID, r.SameField, v)
	}
}

func (e *Engine) check(ev *core.Event, r *core.Rule) (checkResult, error) {
	var res checkResult

	if r.Unless != nil {
		return res, e.checkUnless(ev, r)
	}

	configured := false
	active := true
	if ag := r.ActivationGroup; ag != nil {
		member := ev.HasGroup(ag.GroupName)
		configured = member
		count := e.state.RecordActivation(r.ID, e.clock.Now(), ev, member, ag.Time, r.SameField)
		active = count.Count >= int(ag.Rate)
		if active {
			trait := core.TraitTriggerLogs
			if r.SameField != "" {
				trait = core.TraitTriggerSameLogs
			}
			res.traits = append(res.traits, update{trait, joinLogs(count.Logs)})
			metrics.ActivationTriggers.Inc()
		}
		if e.trace {
			e.logger.Debugw("Activation group", "rule_id", r.ID, "member", member, "count", count.Count, "rate", ag.Rate)
		}
	}

	if r.TriggerGroup != "" {
		configured = true
		if r.TriggerGroup != core.AlwaysGroup && !ev.HasGroup(r.TriggerGroup) {
			return checkResult{}, nil
		}
	}

	if len(r.TriggerFields) > 0 {
		configured = true
		for name, m := range r.TriggerFields {
			v, ok := ev.Fields[name]
			if !m.Matches(v, ok) {
				return checkResult{}, nil
			}
		}
	}

	if len(r.TriggerTraits) > 0 {
		configured = true
		for name, m := range r.TriggerTraits {
			v, ok := ev.Traits[name]
			if !m.Matches(v, ok) {
				return checkResult{}, nil
			}
		}
	}

	if r.Regex != nil {
		configured = true
		target := ev.LogStr
		if v, ok := ev.Fields[core.FieldLog]; ok {
			target = v
		}
		captures, ok, err := FindCaptures(r.Regex, target)
		if err != nil {
			e.logger.Warnw("Rule regex timed out", "rule_id", r.ID, "error", err)
			return checkResult{}, nil
		}
		if !ok {
			return checkResult{}, nil
		}
		for i, v := range captures {
			if v != "" && i < len(r.RegexFields) {
				res.fields = append(res.fields, update{r.RegexFields[i], v})
			}
		}
	}

	if len(r.ParentIDs) > 0 {
		configured = true
	}

	res.matched = configured && active
	return res, nil
}

// checkUnless arms or cancels the suppression timer of r. An unless rule
// never matches directly; its alert is released by the state flusher.
func (e *Engine) checkUnless(ev *core.Event, r *core.Rule) error {
	switch {
	case r.HasParent(ev.RuleID):
		pending := ev.Clone()
		pending.ApplyRule(r)
		e.state.ArmUnless(r.ID, pending, e.clock.Now(), r.Unless.Timeout)
		metrics.UnlessArmed.Inc()
		if e.trace {
			e.logger.Debugw("Unless timer armed", "rule_id", r.ID, "timeout", r.Unless.Timeout)
		}
		return nil
	case ev.RuleID == r.Unless.Target:
		if e.state.CancelUnless(r.ID) {
			metrics.UnlessCancelled.Inc()
		}
		if e.trace {
			e.logger.Debugw("Unless timer cancelled", "rule_id", r.ID, "target", r.Unless.Target)
		}
		return nil
	default:
		return &LogicViolationError{
			RuleID:      r.ID,
			EventRuleID: ev.RuleID,
			ParentIDs:   append([]uint32(nil), r.ParentIDs...),
			Target:      r.Unless.Target,
		}
	}
}

func joinLogs(logs []string) string {
	var b strings.Builder
	for _, l := range logs {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func depthLabel(depth int) string {
	if depth > 3 {
		return "4+"
	}
	return fmt.Sprint(depth)
}
