package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// LineReader turns newline separated log lines into source events. It backs
// the stdin input mode and `argus check`.
type LineReader struct {
	scanner *bufio.Scanner
	base    core.SourceEvent
	logger  *zap.SugaredLogger
}

// NewLineReader reads from r. Every event carries hostname, program "stdin"
// and domain "stdin".
func NewLineReader(r io.Reader, logger *zap.SugaredLogger) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxDatagramSize)
	host, _ := os.Hostname()
	return &LineReader{
		scanner: sc,
		base:    core.SourceEvent{Hostname: host, SourceProgram: "stdin", SourceDomain: "stdin"},
		logger:  logger,
	}
}

// Next returns the next non-empty line as a source event, or io.EOF.
func (lr *LineReader) Next() (*core.SourceEvent, error) {
	for lr.scanner.Scan() {
		line := lr.scanner.Text()
		if line == "" {
			continue
		}
		se := lr.base
		se.Message = line
		now := time.Now()
		se.TimeScanned = now
		se.TimeSend = now
		return &se, nil
	}
	if err := lr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Run pushes every line to input and then one shutdown message. It returns
// early when ctx is done.
func (lr *LineReader) Run(ctx context.Context, input *InputQueue) error {
	defer input.Push(core.Shutdown[*core.SourceEvent]())
	for {
		if ctx.Err() != nil {
			return nil
		}
		se, err := lr.Next()
		if err == io.EOF {
			lr.logger.Info("Input stream closed")
			return nil
		}
		if err != nil {
			metrics.EventsDropped.WithLabelValues("read_error").Inc()
			return err
		}
		metrics.EventsReceived.WithLabelValues("stdin").Inc()
		input.Push(core.NewMessage(se))
	}
}
