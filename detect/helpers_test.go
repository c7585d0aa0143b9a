package detect

import (
	"sync"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func loadRules(t *testing.T, src string) *core.RuleSet {
	t.Helper()
	rs, err := loadRulesErr(src)
	require.NoError(t, err)
	return rs
}

func loadRulesErr(src string) (*core.RuleSet, error) {
	l, err := NewLoader(DefaultRegexTimeout, zap.NewNop().Sugar())
	if err != nil {
		return nil, err
	}
	return l.Load(Document{Name: "test.yml", Data: []byte(src)})
}

func newTestEngine(t *testing.T, src string) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	e := NewEngine(loadRules(t, src), NewRuleStateStore(), zap.NewNop().Sugar(), WithClock(clock))
	return e, clock
}

func process(t *testing.T, e *Engine, msg string) *core.Event {
	t.Helper()
	ev := core.NewLogEvent(msg, e.clock.Now())
	require.NoError(t, e.Process(ev))
	return ev
}
