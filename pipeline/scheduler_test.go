package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("not a schedule", time.UTC, func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestNewSchedulerRegistersEntry(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tehran")
	require.NoError(t, err)

	s, err := NewScheduler("30 9 * * *", loc, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Len(t, s.Entries(), 1)
}

func TestSchedulerRunsJobUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s, err := NewScheduler("@every 1s", time.UTC, func(jobCtx context.Context) error {
		if runs.Add(1) == 1 {
			cancel()
		}
		return jobCtx.Err()
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.Equal(t, int32(1), runs.Load())
}
