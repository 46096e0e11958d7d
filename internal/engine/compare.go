package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/events"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/merge"
)

// FindLCA exposes the ancestry walk for two branches directly.
func (e *Engine) FindLCA(ctx context.Context, leftID, rightID string, opts ancestry.Options) (*ancestry.Result, error) {
	left, err := e.GetBranch(ctx, leftID)
	if err != nil {
		return nil, err
	}
	right, err := e.GetBranch(ctx, rightID)
	if err != nil {
		return nil, err
	}
	if left.ThreadID != right.ThreadID {
		return nil, fmt.Errorf("branches belong to different threads: %w", history.ErrInvalidArgument)
	}
	return e.resolver.FindLCA(ctx, left.Tip(), right.Tip(), opts)
}

func (e *Engine) Diff(ctx context.Context, leftID, rightID string, mode diff.Mode, opts ancestry.Options) (*diff.Result, error) {
	if mode == "" {
		mode = diff.ModeMessages
	}
	left, err := e.GetBranch(ctx, leftID)
	if err != nil {
		return nil, err
	}
	right, err := e.GetBranch(ctx, rightID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := e.differ.Compare(ctx, left, right, mode, opts)
	if err != nil {
		return nil, err
	}
	e.metrics.DiffDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	return res, nil
}

type MergeRequest struct {
	ThreadID       string                `json:"thread_id"`
	SourceBranchID string                `json:"source_branch_id"`
	TargetBranchID string                `json:"target_branch_id"`
	Strategy       history.MergeStrategy `json:"strategy"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

func (e *Engine) Merge(ctx context.Context, req MergeRequest) (*history.MergeRecord, error) {
	out, err := e.merger.Merge(ctx, merge.Request{
		ThreadID:       req.ThreadID,
		SourceBranchID: req.SourceBranchID,
		TargetBranchID: req.TargetBranchID,
		Strategy:       req.Strategy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, history.ErrConflict):
			outcome = "conflict"
			e.metrics.Conflicts.WithLabelValues("merge").Inc()
		case errors.Is(err, history.ErrUpstreamFailure):
			outcome = "upstream_failure"
		}
		e.metrics.Merges.WithLabelValues(string(req.Strategy), outcome).Inc()
		log.Debug().Err(err).Str("target_branch_id", req.TargetBranchID).Msg("Merge rejected")
		return nil, err
	}
	if out.Replayed {
		e.metrics.Merges.WithLabelValues(string(req.Strategy), "replayed").Inc()
		return out.Record, nil
	}
	e.metrics.Merges.WithLabelValues(string(req.Strategy), "committed").Inc()

	rec := out.Record
	e.emit(ctx, events.Event{Type: events.MessageCreated, ThreadID: rec.ThreadID, BranchID: rec.TargetBranchID, MessageID: rec.MergeMessageID})
	e.emit(ctx, events.Event{
		Type:           events.MergeCompleted,
		ThreadID:       rec.ThreadID,
		SourceBranchID: rec.SourceBranchID,
		TargetBranchID: rec.TargetBranchID,
		MessageID:      rec.MergeMessageID,
	})
	if out.Summary != nil {
		e.emit(ctx, events.Event{Type: events.SummaryUpdated, ThreadID: rec.ThreadID, BranchID: rec.TargetBranchID})
	}
	if len(out.Facts) > 0 {
		e.emit(ctx, events.Event{Type: events.MemoryUpdated, ThreadID: rec.ThreadID, BranchID: rec.TargetBranchID})
	}
	return rec, nil
}

func (e *Engine) GetMerge(ctx context.Context, id string) (*history.MergeRecord, error) {
	m, err := e.store.GetMerge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", id, err)
	}
	return m, nil
}

func (e *Engine) ListMerges(ctx context.Context, threadID string) ([]*history.MergeRecord, error) {
	if _, err := e.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return e.store.ListMerges(ctx, threadID)
}

// GetContext assembles the bounded context for a branch.
func (e *Engine) GetContext(ctx context.Context, branchID string, policy contextbuilder.Policy) (*contextbuilder.Context, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	branch, err := e.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	return e.buildContext(ctx, branch, policy)
}

func (e *Engine) buildContext(ctx context.Context, branch *history.Branch, policy contextbuilder.Policy) (*contextbuilder.Context, error) {
	thread, err := e.GetThread(ctx, branch.ThreadID)
	if err != nil {
		return nil, err
	}
	view, err := diff.LoadView(ctx, e.resolver, e.store, branch)
	if err != nil {
		return nil, err
	}
	return contextbuilder.Build(thread, view, policy), nil
}

// DefaultPolicy is the configured context policy.
func (e *Engine) DefaultPolicy() contextbuilder.Policy {
	return e.cfg.ContextPolicy
}
