package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerRunsImmediatelyAndRepeats(t *testing.T) {
	s := NewTickerScheduler(10 * time.Millisecond)

	var runs atomic.Int32
	require.NoError(t, s.Start(context.Background(), func(time.Time) { runs.Add(1) }))
	require.NoError(t, s.Start(context.Background(), func(time.Time) { runs.Add(100) }), "second start is ignored")

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
	assert.Less(t, after, int32(100))
}

func TestTickerStopsWithContext(t *testing.T) {
	s := NewTickerScheduler(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	require.NoError(t, s.Start(ctx, func(time.Time) { started <- struct{}{} }))
	<-started
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, s.Stop(stopCtx))
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewTickerScheduler(0).Stop(context.Background()))
}
