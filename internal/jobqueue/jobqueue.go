package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/history"
)

// FollowupArgs identifies a persisted follow-up. The follow-up row holds
// everything else, so job args stay stable across schema changes.
type FollowupArgs struct {
	FollowupID   string `json:"followup_id"`
	FollowupKind string `json:"followup_kind"`
}

func (FollowupArgs) Kind() string {
	return "convohub_followup"
}

// FollowupProcessor executes one follow-up by id.
type FollowupProcessor interface {
	ProcessFollowup(ctx context.Context, id string) error
}

type FollowupWorker struct {
	river.WorkerDefaults[FollowupArgs]
	processor FollowupProcessor
	timeout   time.Duration
}

func (w *FollowupWorker) Timeout(*river.Job[FollowupArgs]) time.Duration {
	return w.timeout
}

func (w *FollowupWorker) Work(ctx context.Context, job *river.Job[FollowupArgs]) error {
	logger := log.With().
		Int64("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("followup_id", job.Args.FollowupID).
		Logger()

	err := w.processor.ProcessFollowup(ctx, job.Args.FollowupID)
	switch {
	case err == nil:
		logger.Debug().Msg("Follow-up job completed")
		return nil
	case errors.Is(err, history.ErrNotFound):
		logger.Warn().Err(err).Msg("Follow-up no longer exists, cancelling job")
		return river.JobCancel(err)
	default:
		logger.Warn().Err(err).Msg("Follow-up job failed")
		return err
	}
}

// JobQueue manages the River client that runs follow-ups.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	config QueueConfig
}

// NewJobQueue builds a client on pool. The pool stays owned by the caller.
func NewJobQueue(pool *pgxpool.Pool, processor FollowupProcessor, config QueueConfig) (*JobQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &FollowupWorker{processor: processor, timeout: config.JobTimeout})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &JobQueue{client: client, config: config}, nil
}

// NewInsertOnlyQueue builds a client that can enqueue but never works
// jobs, for API processes that leave execution to `convohub worker`.
func NewInsertOnlyQueue(pool *pgxpool.Pool, config QueueConfig) (*JobQueue, error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &JobQueue{client: client, config: config}, nil
}

func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// Dispatch enqueues f. Duplicate enqueues of a follow-up still waiting
// to run collapse into one job.
func (jq *JobQueue) Dispatch(ctx context.Context, f *history.Followup) error {
	_, err := jq.client.Insert(ctx, FollowupArgs{FollowupID: f.ID, FollowupKind: string(f.Kind)}, &river.InsertOpts{
		Queue:       jq.config.queueName(),
		MaxAttempts: jq.config.MaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("failed to queue follow-up %s: %w", f.ID, err)
	}
	return nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to apply River migrations: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}
