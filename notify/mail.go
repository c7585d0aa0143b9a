package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"
	"argus/util/queue"

	"go.uber.org/zap"
)

// MailSender delivers one mail.
type MailSender interface {
	Send(subject, body string) error
}

// SMTPConfig addresses the relay used by SMTPSender.
type SMTPConfig struct {
	Host    string
	Port    int
	From    string
	To      []string
	ReplyTo string
}

// SMTPSender sends plain text mail through an unauthenticated relay, usually
// the local MTA.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender returns a sender for cfg.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send implements MailSender.
func (s *SMTPSender) Send(subject, body string) error {
	if len(s.cfg.To) == 0 {
		return errors.New("no recipients specified for mail")
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	if s.cfg.ReplyTo != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", s.cfg.ReplyTo)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := smtp.SendMail(addr, nil, s.cfg.From, s.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", addr, err)
	}
	return nil
}

// MailConfig tunes the aggregation of a Mailer.
type MailConfig struct {
	// Priority is the minimum priority of a mailed alert.
	Priority uint32
	// InstantPriority alerts are mailed after SampleTime instead of Interval.
	InstantPriority uint32
	Interval        time.Duration
	SampleTime      time.Duration
	MaxSampleCount  int
}

// Mailer batches alerts into digest mails. It is an AlertSink that never
// fails: a digest the relay rejects stays batched and is resent on the next
// deadline and at Close.
type Mailer struct {
	cfg      MailConfig
	sender   MailSender
	hostname string
	queue    *queue.Blocking[core.Message[*core.Event]]
	logger   *zap.SugaredLogger

	// failing is only touched by the mail goroutine.
	failing bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMailer returns a mailer; call Start before recording alerts.
func NewMailer(cfg MailConfig, sender MailSender, logger *zap.SugaredLogger) *Mailer {
	if cfg.MaxSampleCount < 1 {
		cfg.MaxSampleCount = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SampleTime <= 0 {
		cfg.SampleTime = time.Second
	}
	host, _ := os.Hostname()
	return &Mailer{
		cfg:      cfg,
		sender:   sender,
		hostname: host,
		queue:    queue.NewBlocking[core.Message[*core.Event]](),
		logger:   logger,
	}
}

// Name implements AlertSink.
func (m *Mailer) Name() string { return "mail" }

// Record implements AlertSink. Alerts below the mail priority are skipped
// unless their rule always alerts.
func (m *Mailer) Record(_ context.Context, ev *core.Event) error {
	if !ev.ShouldAlert(m.cfg.Priority) {
		return nil
	}
	m.queue.Push(core.NewMessage(ev.Clone()))
	return nil
}

// Start runs the aggregation goroutine.
func (m *Mailer) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer goroutine.Recover("mail", m.logger)
		m.run()
	}()
}

// Close sends what is batched plus a shutdown notice and waits for the mail
// goroutine.
func (m *Mailer) Close() error {
	m.closeOnce.Do(func() {
		m.queue.Push(core.Shutdown[*core.Event]())
	})
	m.wg.Wait()
	m.queue.Close()
	return nil
}

func (m *Mailer) run() {
	var (
		batch    []*core.Event
		deadline time.Time
	)
	flush := func() {
		if err := m.send(DigestSubject(batch), DigestBody(batch)); err != nil {
			deadline = time.Now().Add(m.cfg.SampleTime)
			return
		}
		batch = nil
	}

	for {
		wait := m.cfg.Interval
		if len(batch) > 0 {
			wait = time.Until(deadline)
		}
		msg, err := m.queue.TakeTimeout(wait)
		if errors.Is(err, queue.ErrTimeout) {
			if len(batch) > 0 && !time.Now().Before(deadline) {
				flush()
			}
			continue
		}
		if err != nil || msg.IsShutdown() {
			if len(batch) > 0 {
				if err := m.send(DigestSubject(batch), DigestBody(batch)); err != nil {
					m.logger.Errorw("Alerts not mailed at shutdown", "count", len(batch))
				}
			}
			_ = m.send(fmt.Sprintf("argus :: shutdown :: %s", m.hostname),
				fmt.Sprintf("argus correlation engine on %s stopped at %s\n", m.hostname, time.Now().Format(time.RFC3339)))
			return
		}

		ev := msg.Payload
		due := time.Now().Add(m.cfg.Interval)
		if ev.Priority >= m.cfg.InstantPriority {
			due = time.Now().Add(m.cfg.SampleTime)
		}
		if len(batch) == 0 || due.Before(deadline) {
			deadline = due
		}
		batch = append(batch, ev)
		// While the relay is failing only the deadline triggers a resend.
		if (len(batch) >= m.cfg.MaxSampleCount && !m.failing) || !time.Now().Before(deadline) {
			flush()
		}
	}
}

// send delivers one mail. The first failure of a burst is logged as an
// error, the following ones at debug level.
func (m *Mailer) send(subject, body string) error {
	if err := m.sender.Send(subject, body); err != nil {
		metrics.MailsSent.WithLabelValues("failure").Inc()
		if !m.failing {
			m.failing = true
			m.logger.Errorw("Failed to send mail, keeping alerts for retry", "subject", subject, "error", err)
		} else {
			m.logger.Debugw("Mail retry failed", "subject", subject, "error", err)
		}
		return err
	}
	metrics.MailsSent.WithLabelValues("success").Inc()
	if m.failing {
		m.failing = false
		m.logger.Infow("Mail transport recovered")
	}
	m.logger.Infow("Mail sent", "subject", subject)
	return nil
}

// DigestSubject is "argus :: N alert(s) :: max priority P".
func DigestSubject(batch []*core.Event) string {
	var maxPrio uint32
	for _, ev := range batch {
		if ev.Priority > maxPrio {
			maxPrio = ev.Priority
		}
	}
	return fmt.Sprintf("argus :: %d alert(s) :: max priority %d", len(batch), maxPrio)
}

// DigestBody lists a count per description, most frequent first, followed by
// every alert.
func DigestBody(batch []*core.Event) string {
	counts := make(map[string]int)
	for _, ev := range batch {
		counts[ev.Description]++
	}
	descs := make([]string, 0, len(counts))
	for d := range counts {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool {
		if counts[descs[i]] != counts[descs[j]] {
			return counts[descs[i]] > counts[descs[j]]
		}
		return descs[i] < descs[j]
	})

	var b strings.Builder
	b.WriteString("Summary:\n")
	for _, d := range descs {
		fmt.Fprintf(&b, "  %d x %s\n", counts[d], d)
	}
	b.WriteString("\n")
	for _, ev := range batch {
		b.WriteString(FormatAlert(ev))
		b.WriteString("\n")
	}
	return b.String()
}
