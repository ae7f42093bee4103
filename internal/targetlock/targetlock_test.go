package targetlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameTarget(t *testing.T) {
	r := New()
	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("nrf52")
			defer unlock()
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxConcurrent) {
				atomic.StoreInt32(&maxConcurrent, n)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxConcurrent)
}

func TestLockAllowsDifferentTargetsConcurrently(t *testing.T) {
	r := New()
	unlockA := r.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := r.Lock("b")
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on target b blocked by unrelated lock on target a")
	}
	unlockA()
}
