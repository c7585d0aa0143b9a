package detect

import (
	"fmt"
	"strconv"
	"strings"
)

// Complexity limits above which a pattern is reported.
const (
	MaxRegexLength  = 1000
	MaxNestingDepth = 3
	MaxAlternations = 50
	MaxRepeatCount  = 1000
)

// RegexRisk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RegexRisk is the result of AssessRegex.
type RegexRisk struct {
	Level  string
	Issues []string
}

// Safe reports whether no issue was found.
func (r RegexRisk) Safe() bool {
	return len(r.Issues) == 0
}

func (r *RegexRisk) add(level, format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	if rank(level) > rank(r.Level) {
		r.Level = level
	}
}

func rank(level string) int {
	switch level {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	}
	return 0
}

// AssessRegex looks for the shapes that make a backtracking engine slow:
// a quantified group containing a quantifier, as in (a+)+, deep nesting,
// long alternations and huge repeat counts. The check is a heuristic; the
// match timeout is what actually bounds evaluation.
func AssessRegex(pattern string) RegexRisk {
	risk := RegexRisk{Level: RiskLow}
	if len(pattern) > MaxRegexLength {
		risk.add(RiskMedium, "pattern length %d exceeds %d", len(pattern), MaxRegexLength)
	}

	// quantified[i] records whether the group open at depth i contains a
	// quantifier so far.
	var quantified []bool
	depth, maxDepth, alternations := 0, 0, 0
	nested := false

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			i++
		case '[':
			// skip the character class
			for i++; i < len(pattern) && pattern[i] != ']'; i++ {
				if pattern[i] == '\\' {
					i++
				}
			}
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			quantified = append(quantified, false)
		case ')':
			if depth == 0 {
				continue
			}
			inner := quantified[len(quantified)-1]
			quantified = quantified[:len(quantified)-1]
			depth--
			if i+1 < len(pattern) && isQuantifier(pattern[i+1]) {
				if inner {
					nested = true
				}
				markQuantified(quantified)
			} else if inner {
				markQuantified(quantified)
			}
		case '*', '+':
			markQuantified(quantified)
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				continue
			}
			if n, ok := largestBound(pattern[i+1 : i+end]); ok && n > MaxRepeatCount {
				risk.add(RiskMedium, "repeat count %d exceeds %d", n, MaxRepeatCount)
			}
			markQuantified(quantified)
			i += end
		case '|':
			alternations++
		}
	}

	if nested {
		risk.add(RiskHigh, "nested quantifiers can backtrack exponentially")
	}
	if maxDepth > MaxNestingDepth {
		risk.add(RiskMedium, "group nesting depth %d exceeds %d", maxDepth, MaxNestingDepth)
	}
	if alternations > MaxAlternations {
		risk.add(RiskMedium, "%d alternations exceed %d", alternations, MaxAlternations)
	}
	return risk
}

func isQuantifier(c byte) bool {
	return c == '*' || c == '+' || c == '{'
}

func markQuantified(stack []bool) {
	if len(stack) > 0 {
		stack[len(stack)-1] = true
	}
}

// largestBound parses the inside of {n}, {n,} or {n,m}.
func largestBound(s string) (int, bool) {
	lo, hi, _ := strings.Cut(s, ",")
	bound := strings.TrimSpace(hi)
	if bound == "" {
		bound = strings.TrimSpace(lo)
	}
	n, err := strconv.Atoi(bound)
	return n, err == nil
}
