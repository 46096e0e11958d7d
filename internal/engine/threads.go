package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/convohub/internal/events"
	"github.com/convohub/internal/history"
)

type CreateThreadRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	OwnerID     string         `json:"owner_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (e *Engine) CreateThread(ctx context.Context, req CreateThreadRequest) (*history.Thread, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("thread title is required: %w", history.ErrInvalidArgument)
	}
	t := &history.Thread{
		ID:          uuid.NewString(),
		Title:       title,
		Description: req.Description,
		OwnerID:     req.OwnerID,
		Metadata:    req.Metadata,
	}
	if err := e.store.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// UpdateThreadRequest changes metadata only; nil fields are left alone.
type UpdateThreadRequest struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

func (e *Engine) UpdateThread(ctx context.Context, id string, req UpdateThreadRequest) (*history.Thread, error) {
	t, err := e.store.GetThread(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", id, err)
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, fmt.Errorf("thread title cannot be empty: %w", history.ErrInvalidArgument)
		}
		t.Title = title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Metadata != nil {
		t.Metadata = req.Metadata
	}
	if err := e.store.UpdateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	return t, nil
}

func (e *Engine) GetThread(ctx context.Context, id string) (*history.Thread, error) {
	t, err := e.store.GetThread(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", id, err)
	}
	return t, nil
}

func (e *Engine) ListThreads(ctx context.Context) ([]*history.Thread, error) {
	return e.store.ListThreads(ctx)
}

// GetSummaries returns every summary version in the thread, oldest first.
func (e *Engine) GetSummaries(ctx context.Context, threadID string) ([]*history.Summary, error) {
	if _, err := e.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return e.store.ListSummaries(ctx, threadID)
}

// GetMemories returns every memory fact version in the thread.
func (e *Engine) GetMemories(ctx context.Context, threadID string) ([]*history.MemoryFact, error) {
	if _, err := e.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return e.store.ListMemoryFacts(ctx, threadID)
}

type CreateBranchRequest struct {
	ThreadID       string `json:"thread_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	SourceBranchID string `json:"source_branch_id"`
	AtMessageID    string `json:"at_message_id"`
}

// CreateBranch creates an empty root branch, or forks SourceBranchID when
// it is set.
func (e *Engine) CreateBranch(ctx context.Context, req CreateBranchRequest) (*history.Branch, error) {
	if req.SourceBranchID != "" {
		return e.fork(ctx, req)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("branch name is required: %w", history.ErrInvalidArgument)
	}
	if req.AtMessageID != "" {
		return nil, fmt.Errorf("at_message_id requires source_branch_id: %w", history.ErrInvalidArgument)
	}
	if _, err := e.GetThread(ctx, req.ThreadID); err != nil {
		return nil, err
	}
	b := &history.Branch{
		ID:          uuid.NewString(),
		ThreadID:    req.ThreadID,
		Name:        name,
		Description: req.Description,
		Active:      true,
	}
	if err := e.store.CreateBranch(ctx, b); err != nil {
		return nil, fmt.Errorf("create branch: %w", err)
	}
	e.emit(ctx, events.Event{Type: events.BranchCreated, ThreadID: b.ThreadID, BranchID: b.ID})
	return b, nil
}
