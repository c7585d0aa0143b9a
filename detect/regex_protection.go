package detect

import (
	"errors"
	"fmt"
	"time"

	"argus/metrics"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single regex evaluation against backtracking.
const DefaultRegexTimeout = 500 * time.Millisecond

// ErrRegexTimeout is returned when a match exceeds its timeout.
var ErrRegexTimeout = errors.New("regex evaluation timeout")

// CompileSearch compiles a pattern matched anywhere in the input.
func CompileSearch(pattern string, timeout time.Duration) (*regexp2.Regexp, error) {
	return compile(pattern, timeout)
}

// CompileFullMatch compiles a pattern that must match the whole input.
func CompileFullMatch(pattern string, timeout time.Duration) (*regexp2.Regexp, error) {
	if _, err := compile(pattern, timeout); err != nil {
		return nil, err
	}
	return compile(`^(?:`+pattern+`)\z`, timeout)
}

func compile(pattern string, timeout time.Duration) (*regexp2.Regexp, error) {
	if pattern == "" {
		return nil, errors.New("regex pattern cannot be empty")
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex %q: %w", pattern, err)
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re.MatchTimeout = timeout
	return re, nil
}

// CaptureCount returns the number of capture groups in re.
func CaptureCount(re *regexp2.Regexp) int {
	return len(re.GetGroupNumbers()) - 1
}

// FindCaptures searches re in input. On a match it returns the text of
// every capture group in order; groups that did not participate are "".
func FindCaptures(re *regexp2.Regexp, input string) ([]string, bool, error) {
	m, err := re.FindStringMatch(input)
	if err != nil {
		metrics.RegexTimeouts.Inc()
		return nil, false, fmt.Errorf("%w: %v", ErrRegexTimeout, err)
	}
	if m == nil {
		return nil, false, nil
	}
	groups := m.Groups()
	captures := make([]string, 0, len(groups)-1)
	for _, g := range groups[1:] {
		captures = append(captures, g.String())
	}
	return captures, true, nil
}
