package core

import (
	"errors"
	"fmt"
	"strings"
)

// RuleErrorKind classifies rule configuration errors.
type RuleErrorKind string

const (
	RuleErrInvalidID           RuleErrorKind = "invalid_id"
	RuleErrDuplicateID         RuleErrorKind = "duplicate_id"
	RuleErrMissingReference    RuleErrorKind = "missing_reference"
	RuleErrInvalidRegex        RuleErrorKind = "invalid_regex"
	RuleErrInvalidActivation   RuleErrorKind = "invalid_activation"
	RuleErrInvalidSameField    RuleErrorKind = "invalid_same_field"
	RuleErrInvalidUnless       RuleErrorKind = "invalid_unless"
	RuleErrInvalidPlacement    RuleErrorKind = "invalid_placement"
	RuleErrCycle               RuleErrorKind = "cycle"
	RuleErrUnmatchable         RuleErrorKind = "unmatchable"
	RuleErrUnknownIntervention RuleErrorKind = "unknown_intervention"
	RuleErrInvalidGroup        RuleErrorKind = "invalid_group"
	RuleErrMissingPriority     RuleErrorKind = "missing_priority"
	RuleErrInvalidMatcher      RuleErrorKind = "invalid_matcher"
	RuleErrInvalidFormat       RuleErrorKind = "invalid_format"
	RuleErrSchema              RuleErrorKind = "schema"
)

// RuleError is a load-time rule configuration error.
type RuleError struct {
	RuleID uint32
	Kind   RuleErrorKind
	Source string
	Msg    string
}

func (e *RuleError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		b.WriteString(e.Source)
		b.WriteString(": ")
	}
	if e.RuleID != 0 {
		fmt.Fprintf(&b, "rule %d: ", e.RuleID)
	}
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Msg)
	return b.String()
}

// NewRuleError builds a RuleError with a formatted message.
func NewRuleError(id uint32, kind RuleErrorKind, format string, args ...interface{}) *RuleError {
	return &RuleError{RuleID: id, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsRuleErrorKind reports whether err contains a RuleError of the given kind.
func IsRuleErrorKind(err error, kind RuleErrorKind) bool {
	var list RuleErrors
	if errors.As(err, &list) {
		for _, e := range list {
			if e.Kind == kind {
				return true
			}
		}
		return false
	}
	var re *RuleError
	return errors.As(err, &re) && re.Kind == kind
}

// RuleErrors collects every error found while validating a rule set.
type RuleErrors []*RuleError

func (l RuleErrors) Error() string {
	if len(l) == 1 {
		return l[0].Error()
	}
	msgs := make([]string, len(l))
	for i, e := range l {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d rule errors: %s", len(l), strings.Join(msgs, "; "))
}

// ErrOrNil returns nil for an empty list.
func (l RuleErrors) ErrOrNil() error {
	if len(l) == 0 {
		return nil
	}
	return l
}
