package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"
	"argus/util/queue"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// InputQueue is the queue feeding the processing stage.
type InputQueue = queue.Blocking[core.Message[*core.SourceEvent]]

// readPoll bounds how long a blocked read delays shutdown.
const readPoll = 250 * time.Millisecond

// SocketConfig configures a SocketListener.
type SocketConfig struct {
	Path string
	// RateLimit is events per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// SocketListener reads msgpack source events from a unix datagram socket
// and pushes them to the input queue in arrival order.
type SocketListener struct {
	cfg     SocketConfig
	input   *InputQueue
	limiter *rate.Limiter
	dlq     *DLQ
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	conn *net.UnixConn

	sentinelOnce sync.Once
	wg           sync.WaitGroup
}

// NewSocketListener returns a listener; dlq may be nil.
func NewSocketListener(cfg SocketConfig, input *InputQueue, dlq *DLQ, logger *zap.SugaredLogger) *SocketListener {
	l := &SocketListener{cfg: cfg, input: input, dlq: dlq, logger: logger}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return l
}

// Start binds the socket, replacing a stale socket file, and starts reading.
// The reader exits when ctx is done and then pushes one shutdown message.
func (l *SocketListener) Start(ctx context.Context) error {
	if dir := filepath.Dir(l.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create socket directory: %w", err)
		}
	}
	if err := os.Remove(l.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: l.cfg.Path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Path, err)
	}
	if err := os.Chmod(l.cfg.Path, 0o660); err != nil {
		l.logger.Warnw("Failed to set socket permissions", "path", l.cfg.Path, "error", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.logger.Infow("Input socket listening", "path", l.cfg.Path, "rate_limit", l.cfg.RateLimit)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer goroutine.Recover("input", l.logger)
		defer l.pushSentinel()
		defer l.close()
		l.readLoop(ctx, conn)
	}()
	return nil
}

// Wait blocks until the reader has exited.
func (l *SocketListener) Wait() {
	l.wg.Wait()
}

func (l *SocketListener) readLoop(ctx context.Context, conn *net.UnixConn) {
	buf := make([]byte, MaxDatagramSize+1)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnw("Input socket read failed", "error", err)
			continue
		}
		if n > MaxDatagramSize {
			l.reject(ctx, buf[:n], "oversized", fmt.Errorf("datagram exceeds %d bytes", MaxDatagramSize))
			continue
		}
		if !l.handle(ctx, buf[:n]) {
			return
		}
	}
}

// handle decodes and queues one datagram. It returns false when ctx ended
// while waiting for the rate limiter.
func (l *SocketListener) handle(ctx context.Context, data []byte) bool {
	metrics.EventsReceived.WithLabelValues("socket").Inc()

	se, err := DecodeSourceEvent(data)
	if err != nil {
		l.reject(ctx, data, "decode_failure", err)
		return true
	}
	if se.IsShutdown() {
		metrics.EventsDropped.WithLabelValues("external_shutdown").Inc()
		l.logger.Warnw("Ignoring shutdown message received on the input socket", "hostname", se.Hostname)
		return true
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return false
		}
	}
	if !l.input.Push(core.NewMessage(se)) {
		metrics.EventsDropped.WithLabelValues("closed").Inc()
	}
	return true
}

func (l *SocketListener) reject(ctx context.Context, data []byte, reason string, cause error) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	l.logger.Warnw("Dropping malformed input", "reason", reason, "size", len(data), "error", cause)
	if l.dlq == nil {
		return
	}
	raw := append([]byte(nil), data...)
	if err := l.dlq.Add(ctx, &FailedEvent{
		Protocol:     "unixgram",
		RawEvent:     raw,
		ErrorReason:  reason,
		ErrorDetails: cause.Error(),
	}); err != nil {
		l.logger.Warnw("Failed to write event to DLQ", "error", err)
	}
}

func (l *SocketListener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	_ = l.conn.Close()
	l.conn = nil
	if err := os.Remove(l.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warnw("Failed to remove input socket", "path", l.cfg.Path, "error", err)
	}
	l.logger.Info("Input socket closed")
}

func (l *SocketListener) pushSentinel() {
	l.sentinelOnce.Do(func() {
		l.input.Push(core.Shutdown[*core.SourceEvent]())
	})
}

// Send writes one source event to the socket at path.
func Send(path string, se *core.SourceEvent) error {
	data, err := EncodeSourceEvent(se)
	if err != nil {
		return err
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}
