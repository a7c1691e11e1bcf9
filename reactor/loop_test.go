package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/devhub/log2"
)

func TestLoopTimers(t *testing.T) {
	t.Parallel()

	loop := NewLoop(log2.NewTest(t, log2.LDebug))
	var fast, slow, polls int
	var tFast, tSlow *Timer
	handler := func(token int) {
		switch token {
		case tFast.Token():
			require.NoError(t, tFast.Consume())
			fast++
		case tSlow.Token():
			require.NoError(t, tSlow.Consume())
			slow++
		}
	}
	tFast = loop.NewTimer(handler)
	tSlow = loop.NewTimer(handler)
	assert.NotEqual(t, tFast.Token(), tSlow.Token())
	require.NoError(t, tFast.SetPeriod(5*time.Millisecond))
	require.NoError(t, tSlow.SetPeriod(40*time.Millisecond))
	loop.AfterPoll(func() { polls++ })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
	assert.True(t, fast > slow, "fast=%d slow=%d", fast, slow)
	assert.True(t, slow >= 1, "slow=%d", slow)
	assert.True(t, polls >= fast, "polls=%d fast=%d", polls, fast)
	assert.Equal(t, uint64(polls), loop.Polls())
}

func TestLoopPost(t *testing.T) {
	t.Parallel()

	loop := NewLoop(log2.NewTest(t, log2.LDebug))
	done := make(chan struct{})
	go func() {
		_ = loop.Run(context.Background())
		close(done)
	}()

	var got int32
	for i := 0; i < 10; i++ {
		require.NoError(t, loop.Post(func() { atomic.AddInt32(&got, 1) }))
	}
	require.NoError(t, loop.Post(loop.Stop))
	<-done
	assert.Equal(t, int32(10), atomic.LoadInt32(&got))
	loop.Wait()
	assert.Equal(t, ErrStopped, loop.Post(func() {}))
	assert.Equal(t, ErrStopped, loop.Run(context.Background()))
}

func TestTimerConsume(t *testing.T) {
	t.Parallel()

	loop := NewLoop(log2.NewTest(t, log2.LDebug))
	tm := loop.NewTimer(nil)
	err := tm.Consume()
	assert.Equal(t, ErrNotExpired, errors.Cause(err))
	assert.True(t, errors.IsNotValid(tm.SetPeriod(-time.Second)))

	require.NoError(t, tm.SetPeriod(time.Millisecond))
	loop.fire(time.Now().Add(2 * time.Millisecond))
	assert.True(t, tm.Expired())
	loop.fire(time.Now().Add(10 * time.Millisecond))
	assert.Equal(t, uint64(1), tm.Overruns())
	require.NoError(t, tm.Consume())
	assert.False(t, tm.Expired())

	// disarmed timer never fires
	require.NoError(t, tm.SetPeriod(0))
	loop.fire(time.Now().Add(time.Hour))
	assert.False(t, tm.Expired())

	loop.Remove(tm)
	_, ok := loop.nextDeadline()
	assert.False(t, ok)
}

func TestTimerRearmFromHandler(t *testing.T) {
	t.Parallel()

	loop := NewLoop(log2.NewTest(t, log2.LDebug))
	var fired []time.Duration
	var tm *Timer
	tm = loop.NewTimer(func(int) {
		require.NoError(t, tm.Consume())
		fired = append(fired, tm.Period())
		if len(fired) == 3 {
			loop.Stop()
			return
		}
		require.NoError(t, tm.SetPeriod(tm.Period()*2))
	})
	require.NoError(t, tm.SetPeriod(2*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, fired)
}
