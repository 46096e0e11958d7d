package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/convohub/internal/events"
	"github.com/convohub/internal/history"
)

// ForkBranch records an origin pointer on a new branch. No messages are
// copied and the source is never mutated. atMessageID, when set, must lie
// on the source's primary path.
func (e *Engine) ForkBranch(ctx context.Context, sourceID, name, description, atMessageID string) (*history.Branch, error) {
	return e.fork(ctx, CreateBranchRequest{
		SourceBranchID: sourceID,
		Name:           name,
		Description:    description,
		AtMessageID:    atMessageID,
	})
}

func (e *Engine) fork(ctx context.Context, req CreateBranchRequest) (*history.Branch, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("branch name is required: %w", history.ErrInvalidArgument)
	}
	source, err := e.store.GetBranch(ctx, req.SourceBranchID)
	if err != nil {
		return nil, fmt.Errorf("source branch %s: %w", req.SourceBranchID, err)
	}
	if req.ThreadID != "" && source.ThreadID != req.ThreadID {
		return nil, fmt.Errorf("source branch %s is not in thread %s: %w", source.ID, req.ThreadID, history.ErrInvalidArgument)
	}

	origin := source.TipMessageID
	if req.AtMessageID != "" {
		path, err := e.resolver.PrimaryPath(ctx, source.Tip())
		if err != nil {
			return nil, err
		}
		found := false
		for _, m := range path {
			if m.ID == req.AtMessageID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("message %s is not on the history of branch %s: %w", req.AtMessageID, source.ID, history.ErrInvalidArgument)
		}
		at := req.AtMessageID
		origin = &at
	}

	srcID := source.ID
	b := &history.Branch{
		ID:              uuid.NewString(),
		ThreadID:        source.ThreadID,
		Name:            name,
		Description:     req.Description,
		OriginBranchID:  &srcID,
		OriginMessageID: origin,
		TipMessageID:    origin,
		Active:          true,
	}
	if err := e.store.CreateBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("create fork: %w", err)
	}
	e.emit(ctx, events.Event{Type: events.BranchCreated, ThreadID: b.ThreadID, BranchID: b.ID})
	return b, nil
}

func (e *Engine) GetBranch(ctx context.Context, id string) (*history.Branch, error) {
	b, err := e.store.GetBranch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", id, err)
	}
	return b, nil
}

func (e *Engine) ListBranches(ctx context.Context, threadID string) ([]*history.Branch, error) {
	if _, err := e.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return e.store.ListBranches(ctx, threadID)
}

// GetBranchTip returns the tip message, or nil for an empty branch.
func (e *Engine) GetBranchTip(ctx context.Context, branchID string) (*history.Message, error) {
	b, err := e.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if b.TipMessageID == nil {
		return nil, nil
	}
	return e.resolver.Message(ctx, *b.TipMessageID)
}

// DeactivateBranch hides a branch from appends and merges. Its messages
// stay reachable from any branch that forked or merged them.
func (e *Engine) DeactivateBranch(ctx context.Context, branchID string) (*history.Branch, error) {
	b, err := e.store.SetBranchActive(ctx, branchID, false)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branchID, err)
	}
	return b, nil
}
