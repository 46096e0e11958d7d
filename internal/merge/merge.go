// Package merge reconciles a source branch into a target branch.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/tokens"
)

type Store interface {
	GetBranch(ctx context.Context, id string) (*history.Branch, error)
	GetMerge(ctx context.Context, id string) (*history.MergeRecord, error)
	CommitMerge(ctx context.Context, c history.MergeCommit) (*history.Branch, error)
	ReserveIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (*history.IdempotencyRecord, error)
	ReleaseIdempotencyKey(ctx context.Context, scope, key string) error
}

type Config struct {
	ResolverTimeout time.Duration
	PendingKeyTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResolverTimeout: 30 * time.Second,
		PendingKeyTTL:   5 * time.Minute,
	}
}

type Engine struct {
	store    Store
	resolver *ancestry.Resolver
	differ   *diff.Engine
	merger   SemanticMerger
	cfg      Config
}

func NewEngine(store Store, resolver *ancestry.Resolver, differ *diff.Engine, merger SemanticMerger, cfg Config) *Engine {
	return &Engine{store: store, resolver: resolver, differ: differ, merger: merger, cfg: cfg}
}

type Request struct {
	ThreadID       string
	SourceBranchID string
	TargetBranchID string
	Strategy       history.MergeStrategy
	IdempotencyKey string
}

// Outcome is a merge record plus what the merge wrote. Replayed is set
// when the record came from an earlier call with the same key, in which
// case nothing else is populated.
type Outcome struct {
	Record   *history.MergeRecord
	Target   *history.Branch
	Summary  *history.Summary
	Facts    []*history.MemoryFact
	Replayed bool
}

func idempotencyScope(source, target string) string {
	return "merge:" + source + ":" + target
}

// Merge applies req atomically. It either commits the merge node, the
// tip advance, the record, and the new summary and memory versions
// together, or commits nothing.
func (e *Engine) Merge(ctx context.Context, req Request) (out *Outcome, err error) {
	if !req.Strategy.Valid() {
		return nil, fmt.Errorf("unknown merge strategy %q: %w", req.Strategy, history.ErrInvalidArgument)
	}
	if req.SourceBranchID == req.TargetBranchID {
		return nil, fmt.Errorf("cannot merge a branch into itself: %w", history.ErrInvalidArgument)
	}
	source, err := e.store.GetBranch(ctx, req.SourceBranchID)
	if err != nil {
		return nil, fmt.Errorf("source branch %s: %w", req.SourceBranchID, err)
	}
	target, err := e.store.GetBranch(ctx, req.TargetBranchID)
	if err != nil {
		return nil, fmt.Errorf("target branch %s: %w", req.TargetBranchID, err)
	}
	if source.ThreadID != req.ThreadID || target.ThreadID != req.ThreadID {
		return nil, fmt.Errorf("branches must belong to thread %s: %w", req.ThreadID, history.ErrInvalidArgument)
	}

	var claim *history.IdempotencyClaim
	if req.IdempotencyKey != "" {
		scope := idempotencyScope(source.ID, target.ID)
		prior, reserveErr := e.store.ReserveIdempotencyKey(ctx, scope, req.IdempotencyKey, e.cfg.PendingKeyTTL)
		if reserveErr != nil {
			return nil, reserveErr
		}
		if prior != nil {
			rec, getErr := e.store.GetMerge(ctx, prior.ResultID)
			if getErr != nil {
				return nil, fmt.Errorf("load merge for idempotency key %q: %w", req.IdempotencyKey, getErr)
			}
			return &Outcome{Record: rec, Replayed: true}, nil
		}
		claim = &history.IdempotencyClaim{Scope: scope, Key: req.IdempotencyKey}
		defer func() {
			if err == nil {
				return
			}
			if relErr := e.store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), scope, req.IdempotencyKey); relErr != nil {
				log.Warn().Err(relErr).Str("scope", scope).Msg("Failed to release idempotency key")
			}
		}()
	}

	if !target.Active {
		return nil, fmt.Errorf("target branch %s is inactive: %w", target.ID, history.ErrNotFound)
	}
	if source.TipMessageID == nil || target.TipMessageID == nil {
		return nil, fmt.Errorf("both branches need at least one message to merge: %w", history.ErrInvalidArgument)
	}
	merged, err := e.resolver.Reachable(ctx, target.Tip(), source.Tip())
	if err != nil {
		return nil, err
	}
	if merged {
		return nil, fmt.Errorf("source tip %s already merged into target: %w", source.Tip(), history.ErrInvalidArgument)
	}

	d, err := e.differ.Compare(ctx, source, target, diff.ModeAll, ancestry.Options{})
	if err != nil {
		return nil, err
	}

	var plan *Plan
	switch req.Strategy {
	case history.StrategyAppendLast:
		plan = AppendLast(d)
	case history.StrategyResolver:
		if plan, err = Resolve(ctx, e.merger, e.cfg.ResolverTimeout, d); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commit := e.buildCommit(req, source, target, d, plan, claim)
	updated, err := e.store.CommitMerge(ctx, commit)
	if err != nil {
		if errors.Is(err, history.ErrConflict) {
			log.Info().Str("target_branch_id", target.ID).Msg("Merge lost race for target tip")
		}
		return nil, err
	}
	log.Info().
		Str("merge_id", commit.Record.ID).
		Str("source_branch_id", source.ID).
		Str("target_branch_id", target.ID).
		Str("strategy", string(req.Strategy)).
		Int("facts_written", len(commit.Facts)).
		Msg("Merge committed")
	return &Outcome{Record: commit.Record, Target: updated, Summary: commit.Summary, Facts: commit.Facts}, nil
}

func (e *Engine) buildCommit(req Request, source, target *history.Branch, d *diff.Result, plan *Plan, claim *history.IdempotencyClaim) history.MergeCommit {
	msgID := uuid.NewString()
	notes := plan.Notes
	if notes == nil {
		notes = []history.ResolutionNote{}
	}
	msg := &history.Message{
		ID:       msgID,
		ThreadID: req.ThreadID,
		BranchID: target.ID,
		Role:     history.RoleMerge,
		Parents: []history.Edge{
			{ParentID: target.Tip(), Type: history.EdgeParent},
			{ParentID: source.Tip(), Type: history.EdgeMerge},
		},
		Content: map[string]any{
			"text":               fmt.Sprintf("[merge:%s] %s into %s", req.Strategy, source.Name, target.Name),
			"strategy":           string(req.Strategy),
			"source_branch_id":   source.ID,
			"lca":                d.LCA,
			"src_delta":          d.SrcDelta,
			"tgt_delta":          d.TgtDelta,
			"resolution_summary": plan.Summary,
			"notes":              notes,
		},
	}
	commit := history.MergeCommit{
		Message:         msg,
		ExpectedVersion: target.Version,
		Idempotency:     claim,
		Record: &history.MergeRecord{
			ID:             uuid.NewString(),
			ThreadID:       req.ThreadID,
			SourceBranchID: source.ID,
			TargetBranchID: target.ID,
			Strategy:       req.Strategy,
			LCAMessageID:   d.LCA,
			MergeMessageID: msgID,
			Notes:          notes,
		},
	}
	if plan.Summary != "" && plan.Summary != d.Right.SummaryText() {
		commit.Summary = &history.Summary{
			ID:         uuid.NewString(),
			ThreadID:   req.ThreadID,
			BranchID:   target.ID,
			MessageID:  msgID,
			Content:    plan.Summary,
			TokenCount: tokens.Estimate(plan.Summary),
		}
	}
	for _, f := range plan.Facts {
		commit.Facts = append(commit.Facts, &history.MemoryFact{
			ID:         uuid.NewString(),
			ThreadID:   req.ThreadID,
			BranchID:   target.ID,
			MessageID:  msgID,
			Key:        f.Key,
			Value:      f.Value,
			Type:       f.Type,
			Confidence: f.Confidence,
		})
	}
	return commit
}
