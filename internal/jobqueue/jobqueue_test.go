package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convohub/internal/history"
)

type processorFunc func(ctx context.Context, id string) error

func (f processorFunc) ProcessFollowup(ctx context.Context, id string) error { return f(ctx, id) }

func job(id string) *river.Job[FollowupArgs] {
	return &river.Job[FollowupArgs]{
		JobRow: &rivertype.JobRow{ID: 7, Attempt: 1},
		Args:   FollowupArgs{FollowupID: id},
	}
}

func TestFollowupWorker_Work(t *testing.T) {
	var seen string
	w := &FollowupWorker{processor: processorFunc(func(ctx context.Context, id string) error {
		seen = id
		return nil
	})}
	require.NoError(t, w.Work(context.Background(), job("f-1")))
	assert.Equal(t, "f-1", seen)
}

func TestFollowupWorker_FailureIsRetried(t *testing.T) {
	upstream := fmt.Errorf("model down: %w", history.ErrUpstreamFailure)
	w := &FollowupWorker{processor: processorFunc(func(context.Context, string) error { return upstream })}

	err := w.Work(context.Background(), job("f-1"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "JobCancelError")
	assert.True(t, errors.Is(err, history.ErrUpstreamFailure))
}

func TestFollowupWorker_MissingFollowupCancels(t *testing.T) {
	w := &FollowupWorker{processor: processorFunc(func(context.Context, string) error { return history.ErrNotFound })}

	err := w.Work(context.Background(), job("gone"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobCancelError")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestFollowupArgs_Kind(t *testing.T) {
	assert.Equal(t, "convohub_followup", FollowupArgs{}.Kind())
}

func TestQueueConfigFor(t *testing.T) {
	assert.Equal(t, 20, QueueConfigFor("production").MaxWorkers)
	assert.Equal(t, 3, QueueConfigFor("development").MaxWorkers)
	assert.Equal(t, DefaultQueueConfig(), QueueConfigFor(""))

	cfg := QueueConfig{MaxWorkers: 0}
	assert.Equal(t, map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: 1}}, cfg.RiverQueueConfig())

	w := &FollowupWorker{timeout: 2 * time.Minute}
	assert.Equal(t, 2*time.Minute, w.Timeout(nil))
}
