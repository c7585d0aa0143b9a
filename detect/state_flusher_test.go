package detect

import (
	"context"
	"testing"
	"time"

	"argus/core"
	"argus/util/goroutine"
	"argus/util/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateFlusher_ReleasesExpiredOnce(t *testing.T) {
	e, clock := newTestEngine(t, unlessRules)
	alerts := queue.NewBlocking[core.Message[*core.Event]]()
	f := NewStateFlusher(e.State(), alerts, time.Second, 1, clock, zap.NewNop().Sugar())

	process(t, e, "service sshd stopped")
	assert.Zero(t, f.Flush())

	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, f.Flush())
	assert.Zero(t, f.Flush())

	out := alerts.Drain()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(20), out[0].Payload.RuleID)
	assert.Equal(t, "sshd", out[0].Payload.Fields["service"])
}

func TestStateFlusher_RespectsThreshold(t *testing.T) {
	e, clock := newTestEngine(t, unlessRules)
	alerts := queue.NewBlocking[core.Message[*core.Event]]()
	f := NewStateFlusher(e.State(), alerts, time.Second, 8, clock, zap.NewNop().Sugar())

	process(t, e, "service sshd stopped")
	clock.Advance(6 * time.Second)

	assert.Zero(t, f.Flush(), "priority 7 is below 8")
	assert.Zero(t, alerts.Len())
	assert.Empty(t, e.State().DrainExpired(clock.Now()), "the timer is disarmed anyway")
}

func TestStateFlusher_Ticker(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	state := NewRuleStateStore()
	alerts := queue.NewBlocking[core.Message[*core.Event]]()
	ev := core.NewLogEvent("pending", time.Now())
	ev.Priority = 3
	state.ArmUnless(1, ev, time.Now().Add(-time.Minute), time.Second)

	f := NewStateFlusher(state, alerts, 10*time.Millisecond, 1, nil, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	f.Start(ctx)

	msg, err := alerts.TakeTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pending", msg.Payload.LogStr)

	cancel()
	f.Wait()
}

func TestNewStateFlusher_Defaults(t *testing.T) {
	f := NewStateFlusher(NewRuleStateStore(), queue.NewBlocking[core.Message[*core.Event]](), 0, 1, nil, zap.NewNop().Sugar())
	assert.Equal(t, DefaultFlushInterval, f.interval)
	assert.IsType(t, core.SystemClock{}, f.clock)
}
