package boc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cacheforge/vcache/pkg/boc"
)

func TestStateAdvancesMonotonically(t *testing.T) {
	b := boc.New()
	require.NoError(t, b.SetReqDone())
	require.NoError(t, b.SetPrepStream())
	require.NoError(t, b.SetStream())

	b.Finish()
	s, _ := b.State()
	require.Equal(t, boc.Finished, s)

	// Further transitions after terminal are rejected.
	require.Error(t, b.SetStream())
}

func TestLenSoFarMonotonic(t *testing.T) {
	b := boc.New()
	require.NoError(t, b.Append(10))
	require.NoError(t, b.Append(5))
	_, n := b.State()
	require.Equal(t, uint64(15), n)
}

func TestFailIsTerminalAndWakesWaiters(t *testing.T) {
	b := boc.New()
	require.NoError(t, b.SetStream())

	var wg sync.WaitGroup
	results := make([]boc.WaitResult, 5)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = b.WaitForMore(context.Background(), 0)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Fail(nil)
	wg.Wait()

	for _, r := range results {
		require.Equal(t, boc.WaitFailed, r)
	}
}

func TestWaitForMoreHasData(t *testing.T) {
	b := boc.New()
	require.NoError(t, b.SetStream())

	done := make(chan boc.WaitResult, 1)
	go func() {
		r, _ := b.WaitForMore(context.Background(), 0)
		done <- r
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Append(3))

	select {
	case r := <-done:
		require.Equal(t, boc.WaitHasData, r)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WaitForMore to observe new data")
	}
}

func TestWaitForMoreTimesOut(t *testing.T) {
	b := boc.New()
	require.NoError(t, b.SetStream())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	r, _ := b.WaitForMore(ctx, 0)
	require.Equal(t, boc.WaitTimeout, r)
}
