package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running int32
	var maxConcurrent int32
	done := make(chan struct{})

	for i := 0; i < 6; i++ {
		go func() {
			_ = p.Run(func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					cur := atomic.LoadInt32(&maxConcurrent)
					if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, int(maxConcurrent), 2)
}

func TestPoolRecoversPanic(t *testing.T) {
	p := New(1)
	err := p.Run(func() error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPoolPropagatesError(t *testing.T) {
	p := New(0)
	err := p.Run(func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}
