package soar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"argus/core"
	"argus/util/goroutine"
	"argus/util/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSink struct {
	mu   sync.Mutex
	err  error
	runs []string
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Run(_ context.Context, cmd core.InterventionCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.runs = append(s.runs, cmd.Name+" "+cmd.Argument)
	return nil
}

func (s *fakeSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSink) done() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runs...)
}

var testBreaker = core.BreakerConfig{MaxFailures: 100, Cooldown: time.Millisecond}

var errRefused = fmt.Errorf("dial: %w", syscall.ECONNREFUSED)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{nil, ErrorTypeUnknown},
		{fmt.Errorf("%w: empty name", ErrInvalidCommand), ErrorTypePermanent},
		{context.DeadlineExceeded, ErrorTypeTimeout},
		{errRefused, ErrorTypeNetwork},
		{errors.New("something else"), ErrorTypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}

func TestDispatcher_BuffersUntilSinkRecovers(t *testing.T) {
	sink := &fakeSink{err: errRefused}
	d := NewDispatcher(queue.NewBlocking[core.Message[core.InterventionCommand]](), sink, time.Second, testBreaker, zap.NewNop().Sugar())
	ctx := context.Background()

	d.Dispatch(ctx, core.InterventionCommand{Name: "block_ip", Argument: "1"})
	d.Dispatch(ctx, core.InterventionCommand{Name: "block_ip", Argument: "2"})
	assert.Equal(t, 2, d.Pending())

	sink.setErr(nil)
	d.retry(ctx)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, []string{"block_ip 1", "block_ip 2"}, sink.done())
}

func TestDispatcher_RetryBufferIsNotCapped(t *testing.T) {
	sink := &fakeSink{err: errRefused}
	d := NewDispatcher(queue.NewBlocking[core.Message[core.InterventionCommand]](), sink, time.Second, testBreaker, zap.NewNop().Sugar())
	ctx := context.Background()

	const n = 1500
	for i := 1; i <= n; i++ {
		d.Dispatch(ctx, core.InterventionCommand{Name: "block_ip", Argument: fmt.Sprint(i)})
	}
	assert.Equal(t, n, d.Pending())

	sink.setErr(nil)
	d.retry(ctx)
	runs := sink.done()
	require.Len(t, runs, n)
	assert.Equal(t, "block_ip 1", runs[0])
	assert.Equal(t, fmt.Sprintf("block_ip %d", n), runs[n-1])
}

func TestDispatcher_DropsInvalidCommand(t *testing.T) {
	obs, logs := observer.New(zapcore.ErrorLevel)
	sink := &fakeSink{}
	d := NewDispatcher(queue.NewBlocking[core.Message[core.InterventionCommand]](), sink, time.Second, testBreaker, zap.New(obs).Sugar())

	d.Dispatch(context.Background(), core.InterventionCommand{Argument: "no name"})
	assert.Equal(t, 0, d.Pending())
	assert.Empty(t, sink.done())
	assert.Equal(t, 1, logs.FilterMessage("Dropping intervention").Len())
}

func TestDispatcher_RunUntilShutdown(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	commands := queue.NewBlocking[core.Message[core.InterventionCommand]]()
	sink := &fakeSink{}
	d := NewDispatcher(commands, sink, 10*time.Millisecond, testBreaker, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	commands.Push(core.NewMessage(core.InterventionCommand{Name: "a", Argument: "1"}))
	commands.Push(core.NewMessage(core.InterventionCommand{Name: "b", Argument: "2"}))
	commands.Push(core.Shutdown[core.InterventionCommand]())
	d.Wait()

	assert.Equal(t, []string{"a 1", "b 2"}, sink.done())
}

func TestDispatcher_RetryTick(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	commands := queue.NewBlocking[core.Message[core.InterventionCommand]]()
	sink := &fakeSink{err: errRefused}
	d := NewDispatcher(commands, sink, 10*time.Millisecond, testBreaker, zap.NewNop().Sugar())
	d.Start(context.Background())

	commands.Push(core.NewMessage(core.InterventionCommand{Name: "a", Argument: "1"}))
	time.Sleep(30 * time.Millisecond)
	sink.setErr(nil)

	require.Eventually(t, func() bool { return len(sink.done()) == 1 }, time.Second, 5*time.Millisecond)
	commands.Push(core.Shutdown[core.InterventionCommand]())
	d.Wait()
}
