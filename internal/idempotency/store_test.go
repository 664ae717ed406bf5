package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyKeyAlwaysFresh(t *testing.T) {
	m := NewMemory(time.Hour)
	for i := 0; i < 3; i++ {
		out, err := m.Begin(context.Background(), "")
		require.NoError(t, err)
		assert.True(t, out.Fresh)
	}
}

func TestDuplicateReturnsCachedResult(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()

	out, err := m.Begin(ctx, "k1")
	require.NoError(t, err)
	require.True(t, out.Fresh)
	require.NoError(t, m.Complete(ctx, "k1", []byte(`{"x":1}`)))

	out, err = m.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, []byte(`{"x":1}`), out.Result)
}

func TestExpiredEntryIsFreshAgain(t *testing.T) {
	m := NewMemory(time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	out, err := m.Begin(ctx, "k1")
	require.NoError(t, err)
	require.True(t, out.Fresh)
	require.NoError(t, m.Complete(ctx, "k1", []byte("r")))

	now = now.Add(time.Hour + time.Second)
	out, err = m.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, out.Fresh)
}

func TestConcurrentCallersSerialize(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()

	var freshCount int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := m.Begin(ctx, "shared")
			require.NoError(t, err)
			if out.Fresh {
				atomic.AddInt64(&freshCount, 1)
				time.Sleep(10 * time.Millisecond)
				require.NoError(t, m.Complete(ctx, "shared", []byte("winner")))
				return
			}
			assert.Equal(t, []byte("winner"), out.Result)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), freshCount)
}

func TestAbortLetsWaitersRetryFresh(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()

	out, err := m.Begin(ctx, "k")
	require.NoError(t, err)
	require.True(t, out.Fresh)

	got := make(chan Outcome, 1)
	go func() {
		out, err := m.Begin(ctx, "k")
		require.NoError(t, err)
		got <- out
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Abort(ctx, "k"))

	select {
	case out := <-got:
		// The waiter inherits the released claim as fresh.
		assert.True(t, out.Fresh)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake after abort")
	}
}

func TestBeginRespectsContextCancel(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()

	out, err := m.Begin(ctx, "held")
	require.NoError(t, err)
	require.True(t, out.Fresh)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = m.Begin(waitCtx, "held")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
