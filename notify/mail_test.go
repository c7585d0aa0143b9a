package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"argus/core"
	"argus/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sentMail struct {
	subject string
	body    string
}

type recordingSender struct {
	mu    sync.Mutex
	mails []sentMail
}

func (s *recordingSender) Send(subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mails = append(s.mails, sentMail{subject: subject, body: body})
	return nil
}

func (s *recordingSender) sent() []sentMail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMail(nil), s.mails...)
}

// flakySender fails until recover is called.
type flakySender struct {
	recordingSender
	healthy  bool
	attempts int
}

func (s *flakySender) Send(subject, body string) error {
	s.mu.Lock()
	s.attempts++
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		return errors.New("connection refused")
	}
	return s.recordingSender.Send(subject, body)
}

func (s *flakySender) recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
}

func (s *flakySender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func testMailConfig() MailConfig {
	return MailConfig{
		Priority:        4,
		InstantPriority: 7,
		Interval:        time.Hour,
		SampleTime:      20 * time.Millisecond,
		MaxSampleCount:  100,
	}
}

func TestDigest(t *testing.T) {
	batch := []*core.Event{
		newAlert(1, 5, "ssh brute force"),
		newAlert(2, 8, "root login"),
		newAlert(1, 5, "ssh brute force"),
	}
	assert.Equal(t, "argus :: 3 alert(s) :: max priority 8", DigestSubject(batch))

	body := DigestBody(batch)
	assert.True(t, strings.HasPrefix(body, "Summary:\n  2 x ssh brute force\n  1 x root login\n\n"))
	assert.Equal(t, 3, strings.Count(body, "ALERT START"))
}

func TestMailer_InstantAlertFlushesAfterSampleTime(t *testing.T) {
	sender := &recordingSender{}
	m := NewMailer(testMailConfig(), sender, zap.NewNop().Sugar())
	m.Start()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, newAlert(1, 5, "follower")))
	require.NoError(t, m.Record(ctx, newAlert(2, 9, "instant")))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "argus :: 2 alert(s) :: max priority 9", sender.sent()[0].subject)
}

func TestMailer_BelowPriorityIgnored(t *testing.T) {
	sender := &recordingSender{}
	m := NewMailer(testMailConfig(), sender, zap.NewNop().Sugar())
	m.Start()

	require.NoError(t, m.Record(context.Background(), newAlert(1, 3, "noise")))
	require.NoError(t, m.Close())

	mails := sender.sent()
	require.Len(t, mails, 1)
	assert.True(t, strings.HasPrefix(mails[0].subject, "argus :: shutdown"))
}

func TestMailer_CloseFlushesBatchAndSendsShutdownMail(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	sender := &recordingSender{}
	m := NewMailer(testMailConfig(), sender, zap.NewNop().Sugar())
	m.Start()

	require.NoError(t, m.Record(context.Background(), newAlert(1, 5, "regular")))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	mails := sender.sent()
	require.Len(t, mails, 2)
	assert.Equal(t, "argus :: 1 alert(s) :: max priority 5", mails[0].subject)
	assert.True(t, strings.HasPrefix(mails[1].subject, "argus :: shutdown"))
}

func TestMailer_MaxSampleCountFlushesEarly(t *testing.T) {
	cfg := testMailConfig()
	cfg.MaxSampleCount = 2
	sender := &recordingSender{}
	m := NewMailer(cfg, sender, zap.NewNop().Sugar())
	m.Start()
	defer m.Close()

	for i := uint32(1); i <= 2; i++ {
		require.NoError(t, m.Record(context.Background(), newAlert(i, 5, "regular")))
	}
	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "argus :: 2 alert(s) :: max priority 5", sender.sent()[0].subject)
}

func TestMailer_AlwaysAlertBelowPriorityIsMailed(t *testing.T) {
	sender := &recordingSender{}
	m := NewMailer(testMailConfig(), sender, zap.NewNop().Sugar())
	m.Start()

	ev := newAlert(1, 1, "watched file changed")
	ev.AlwaysAlert = true
	require.NoError(t, m.Record(context.Background(), ev))
	require.NoError(t, m.Close())

	mails := sender.sent()
	require.Len(t, mails, 2)
	assert.Equal(t, "argus :: 1 alert(s) :: max priority 1", mails[0].subject)
}

func TestMailer_FailedDigestIsResent(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	obs, logs := observer.New(zapcore.InfoLevel)
	sender := &flakySender{}
	m := NewMailer(testMailConfig(), sender, zap.New(obs).Sugar())
	m.Start()

	require.NoError(t, m.Record(context.Background(), newAlert(1, 8, "root login")))
	require.Eventually(t, func() bool { return sender.attemptCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sender.sent())

	sender.recover()
	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "argus :: 1 alert(s) :: max priority 8", sender.sent()[0].subject)
	require.NoError(t, m.Close())

	assert.Equal(t, 1, logs.FilterMessage("Failed to send mail, keeping alerts for retry").Len())
	assert.Equal(t, 1, logs.FilterMessage("Mail transport recovered").Len())
}

func TestMailer_CloseResendsFailedDigest(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	cfg := testMailConfig()
	cfg.SampleTime = time.Hour
	cfg.MaxSampleCount = 1
	sender := &flakySender{}
	m := NewMailer(cfg, sender, zap.NewNop().Sugar())
	m.Start()

	require.NoError(t, m.Record(context.Background(), newAlert(1, 8, "root login")))
	require.Eventually(t, func() bool { return sender.attemptCount() == 1 }, time.Second, 5*time.Millisecond)

	sender.recover()
	require.NoError(t, m.Close())

	mails := sender.sent()
	require.Len(t, mails, 2)
	assert.Equal(t, "argus :: 1 alert(s) :: max priority 8", mails[0].subject)
	assert.True(t, strings.HasPrefix(mails[1].subject, "argus :: shutdown"))
}

func TestMailer_DigestNotDelayedByBusyStream(t *testing.T) {
	cfg := testMailConfig()
	cfg.MaxSampleCount = 1 << 20
	sender := &recordingSender{}
	m := NewMailer(cfg, sender, zap.NewNop().Sugar())
	m.Start()
	defer m.Close()

	require.NoError(t, m.Record(context.Background(), newAlert(1, 9, "instant")))
	for i := 0; i < 20000 && len(sender.sent()) == 0; i++ {
		require.NoError(t, m.Record(context.Background(), newAlert(2, 5, "follower")))
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	require.Eventually(t, func() bool { return len(sender.sent()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, sender.sent()[0].subject, "max priority 9")
}

func TestSMTPSender_NoRecipients(t *testing.T) {
	err := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 25, From: "argus@example.com"}).Send("s", "b")
	assert.Error(t, err)
}
