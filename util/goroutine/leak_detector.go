package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks fails the test if, after it finishes, the goroutine count
// does not return to its value at the time of the call within five seconds.
// Call it first in tests that start pipeline stages.
func AssertNoLeaks(t *testing.T) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		if WaitForGoroutineCount(before, 5*time.Second, 50*time.Millisecond) {
			return
		}
		current := runtime.NumGoroutine()
		t.Errorf("goroutine leak detected: started with %d goroutines, ended with %d", before, current)
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Logf("Active goroutines:\n%s", buf[:n])
	})
}

// WaitForGoroutineCount polls until at most target goroutines are running.
func WaitForGoroutineCount(target int, timeout, poll time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= target {
			return true
		}
		time.Sleep(poll)
	}
	return false
}
