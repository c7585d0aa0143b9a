package soar

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"argus/core"

	"github.com/vmihailenco/msgpack/v5"
)

// Sink delivers intervention commands to the intervention daemon.
type Sink interface {
	Name() string
	Run(ctx context.Context, cmd core.InterventionCommand) error
}

func validate(cmd core.InterventionCommand) error {
	if cmd.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCommand)
	}
	return nil
}

// SocketSink sends each command as one msgpack datagram.
type SocketSink struct {
	path string

	mu   sync.Mutex
	conn *net.UnixConn
}

// NewSocketSink returns a sink for the daemon socket at path. It connects
// lazily so that argus can start before the daemon.
func NewSocketSink(path string) *SocketSink {
	return &SocketSink{path: path}
}

// Name implements Sink.
func (s *SocketSink) Name() string { return "socket" }

// Run implements Sink. A failed write drops the connection so the next
// attempt redials.
func (s *SocketSink) Run(ctx context.Context, cmd core.InterventionCommand) error {
	if err := validate(cmd); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.path, Net: "unixgram"})
		if err != nil {
			return fmt.Errorf("failed to connect to intervention socket: %w", err)
		}
		s.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if _, err := s.conn.Write(data); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("failed to send intervention: %w", err)
	}
	return nil
}

// Close drops the connection.
func (s *SocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// DecodeCommand parses a datagram written by SocketSink.
func DecodeCommand(data []byte) (core.InterventionCommand, error) {
	var cmd core.InterventionCommand
	if err := msgpack.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("failed to decode intervention: %w", err)
	}
	return cmd, nil
}

// FileSink appends one line per command, for running without the
// intervention daemon.
type FileSink struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create intervention log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open intervention log: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Name implements Sink.
func (s *FileSink) Name() string { return "file" }

// FormatCommand renders cmd as "<time> [<name>] : <argument>".
func FormatCommand(cmd core.InterventionCommand) string {
	issued := cmd.Issued
	if issued.IsZero() {
		issued = time.Now()
	}
	return fmt.Sprintf("%s [%s] : %s\n", issued.Format(time.RFC3339), cmd.Name, cmd.Argument)
}

// Run implements Sink.
func (s *FileSink) Run(_ context.Context, cmd core.InterventionCommand) error {
	if err := validate(cmd); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("intervention log %s is closed", s.path)
	}
	if _, err := s.f.WriteString(FormatCommand(cmd)); err != nil {
		return fmt.Errorf("failed to write intervention log: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
