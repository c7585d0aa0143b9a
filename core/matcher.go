package core

import (
	"fmt"

	"github.com/dlclark/regexp2"
)

// MatchKind selects how a Matcher compares a field or trait value.
type MatchKind uint8

const (
	// MatchExact requires the value to be present and equal.
	MatchExact MatchKind = iota + 1
	// MatchRegex requires the pattern to be found somewhere in the value.
	MatchRegex
	// MatchEmpty requires the value to be absent or empty.
	MatchEmpty
)

// String returns the rule file spelling of the kind.
func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchRegex:
		return "regex"
	case MatchEmpty:
		return "empty"
	default:
		return fmt.Sprintf("MatchKind(%d)", uint8(k))
	}
}

// ParseMatchKind parses the rule file spelling of a match kind.
func ParseMatchKind(s string) (MatchKind, error) {
	switch s {
	case "exact", "":
		return MatchExact, nil
	case "regex":
		return MatchRegex, nil
	case "empty":
		return MatchEmpty, nil
	default:
		return 0, fmt.Errorf("unknown match kind %q", s)
	}
}

// Matcher is one trigger_fields or trigger_traits condition.
type Matcher struct {
	Kind    MatchKind
	Value   string
	Pattern *regexp2.Regexp
}

// ExactMatcher matches values equal to v.
func ExactMatcher(v string) Matcher {
	return Matcher{Kind: MatchExact, Value: v}
}

// RegexMatcher matches values containing re.
func RegexMatcher(re *regexp2.Regexp) Matcher {
	return Matcher{Kind: MatchRegex, Value: re.String(), Pattern: re}
}

// EmptyMatcher matches absent or empty values.
func EmptyMatcher() Matcher {
	return Matcher{Kind: MatchEmpty}
}

// Matches reports whether the condition holds for value. present is false
// when the name is missing from the event. A regex that exceeds its match
// timeout does not match.
func (m Matcher) Matches(value string, present bool) bool {
	switch m.Kind {
	case MatchEmpty:
		return !present || value == ""
	case MatchExact:
		return present && value == m.Value
	case MatchRegex:
		if !present || m.Pattern == nil {
			return false
		}
		ok, err := m.Pattern.MatchString(value)
		return err == nil && ok
	default:
		return false
	}
}
