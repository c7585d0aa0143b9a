package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const stackBufferSize = 4096

// PanicError carries a recovered panic out of a pipeline goroutine.
type PanicError struct {
	Goroutine string
	Value     interface{}
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("goroutine %s panicked: %v", e.Goroutine, e.Value)
}

// Recover logs a panic in the calling goroutine. Use it deferred.
// Without a logger the panic is written to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logPanic(name, r, stack(), logger)
	}
}

// RecoverTo logs a panic and hands it to report, so a supervisor can stop
// the process instead of running without the goroutine.
func RecoverTo(name string, logger *zap.SugaredLogger, report func(error)) {
	if r := recover(); r != nil {
		st := stack()
		logPanic(name, r, st, logger)
		if report != nil {
			report(&PanicError{Goroutine: name, Value: r, Stack: st})
		}
	}
}

func stack() string {
	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func logPanic(name string, r interface{}, st string, logger *zap.SugaredLogger) {
	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", st)
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, st)
}
