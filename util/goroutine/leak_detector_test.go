package goroutine

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssertNoLeaks_WaitGroupWorkers(t *testing.T) {
	AssertNoLeaks(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
		}()
	}
	wg.Wait()
}

func TestWaitForGoroutineCount(t *testing.T) {
	base := runtime.NumGoroutine()
	stop := make(chan struct{})
	go func() { <-stop }()

	assert.False(t, WaitForGoroutineCount(base, 60*time.Millisecond, 10*time.Millisecond), "parked goroutine is still counted")

	close(stop)
	assert.True(t, WaitForGoroutineCount(base, 2*time.Second, 10*time.Millisecond))
}
