package ledger_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/earning-engine/ledger"
)

func TestKeyedMutex_SameKeySerializes(t *testing.T) {
	k := ledger.NewKeyedMutex()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("task:1")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Zero(t, k.Len(), "released keys are dropped")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	k := ledger.NewKeyedMutex()
	unlockA := k.Lock("user:a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("user:b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	assert.Equal(t, 1, k.Len())
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	k := ledger.NewKeyedMutex()
	unlock := k.Lock("k")
	unlock()
	unlock()

	assert.Zero(t, k.Len())
	relock := k.Lock("k")
	relock()
}
