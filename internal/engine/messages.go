package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/events"
	"github.com/convohub/internal/history"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

type AppendRequest struct {
	BranchID       string         `json:"branch_id"`
	Role           history.Role   `json:"role"`
	Content        map[string]any `json:"content"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// AppendMessage adds a message on top of the branch tip. The message and
// the tip advance commit together or not at all; a concurrent mutation of
// the same branch yields ErrConflict. Follow-ups are persisted in the same
// commit and dispatched afterwards.
func (e *Engine) AppendMessage(ctx context.Context, req AppendRequest) (msg *history.Message, err error) {
	if !req.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", req.Role, history.ErrInvalidArgument)
	}
	if req.Role == history.RoleMerge {
		return nil, fmt.Errorf("merge messages are created by merges only: %w", history.ErrInvalidArgument)
	}
	branch, err := e.GetBranch(ctx, req.BranchID)
	if err != nil {
		return nil, err
	}

	var claim *history.IdempotencyClaim
	if req.IdempotencyKey != "" {
		scope := "append:" + branch.ID
		prior, reserveErr := e.store.ReserveIdempotencyKey(ctx, scope, req.IdempotencyKey, e.cfg.Merge.PendingKeyTTL)
		if reserveErr != nil {
			return nil, reserveErr
		}
		if prior != nil {
			return e.resolver.Message(ctx, prior.ResultID)
		}
		claim = &history.IdempotencyClaim{Scope: scope, Key: req.IdempotencyKey}
		defer func() {
			if err != nil {
				if relErr := e.store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), scope, req.IdempotencyKey); relErr != nil {
					log.Warn().Err(relErr).Str("scope", scope).Msg("Failed to release idempotency key")
				}
			}
		}()
	}
	if !branch.Active {
		return nil, fmt.Errorf("branch %s is inactive: %w", branch.ID, history.ErrNotFound)
	}

	content := req.Content
	if content == nil {
		content = map[string]any{}
	}
	msg = &history.Message{
		ID:       uuid.NewString(),
		ThreadID: branch.ThreadID,
		BranchID: branch.ID,
		Role:     req.Role,
		Content:  content,
	}
	if branch.TipMessageID != nil {
		msg.Parents = []history.Edge{{ParentID: *branch.TipMessageID, Type: history.EdgeParent}}
	}

	followups := e.followupsFor(msg)
	_, err = e.store.AppendMessage(ctx, history.AppendCommit{
		Message:         msg,
		ExpectedVersion: branch.Version,
		Followups:       followups,
		Idempotency:     claim,
	})
	if err != nil {
		if errors.Is(err, history.ErrConflict) {
			e.metrics.Conflicts.WithLabelValues("append").Inc()
		}
		return nil, err
	}
	e.metrics.MessagesAppended.WithLabelValues(string(msg.Role)).Inc()
	e.emit(ctx, events.Event{Type: events.MessageCreated, ThreadID: msg.ThreadID, BranchID: msg.BranchID, MessageID: msg.ID})

	for _, f := range followups {
		if err := e.dispatcher.Dispatch(ctx, f); err != nil {
			log.Warn().Err(err).Str("followup_id", f.ID).Str("kind", string(f.Kind)).Msg("Failed to dispatch follow-up")
		}
	}
	return msg, nil
}

func (e *Engine) followupsFor(msg *history.Message) []*history.Followup {
	var kind history.FollowupKind
	switch {
	case msg.Role == history.RoleAssistant && e.extractor != nil:
		kind = history.FollowupExtract
	case msg.Role == history.RoleUser && e.replies != nil:
		kind = history.FollowupReply
	default:
		return nil
	}
	return []*history.Followup{{
		ID:        uuid.NewString(),
		Kind:      kind,
		ThreadID:  msg.ThreadID,
		BranchID:  msg.BranchID,
		MessageID: msg.ID,
		Status:    history.FollowupPending,
	}}
}

type MessagePage struct {
	Messages   []*history.Message `json:"messages"`
	HasMore    bool               `json:"has_more"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// pageCursor pins pagination to the tip seen by the first page, so later
// appends do not shift offsets.
type pageCursor struct {
	Tip    string `json:"t"`
	Offset int    `json:"o"`
}

func encodeCursor(c pageCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (pageCursor, error) {
	var c pageCursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("malformed cursor: %w", history.ErrInvalidArgument)
	}
	if err := json.Unmarshal(b, &c); err != nil || c.Offset < 0 || c.Tip == "" {
		return c, fmt.Errorf("malformed cursor: %w", history.ErrInvalidArgument)
	}
	return c, nil
}

// ListMessages pages through the branch's primary history, oldest first.
func (e *Engine) ListMessages(ctx context.Context, branchID, cursor string, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	branch, err := e.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	cur := pageCursor{Tip: branch.Tip()}
	if strings.TrimSpace(cursor) != "" {
		if cur, err = decodeCursor(cursor); err != nil {
			return nil, err
		}
		tip, err := e.resolver.Message(ctx, cur.Tip)
		if err != nil || tip.ThreadID != branch.ThreadID {
			return nil, fmt.Errorf("cursor does not belong to branch %s: %w", branch.ID, history.ErrInvalidArgument)
		}
	}
	page := &MessagePage{Messages: []*history.Message{}}
	if cur.Tip == "" {
		return page, nil
	}
	path, err := e.resolver.PrimaryPath(ctx, cur.Tip)
	if err != nil {
		return nil, err
	}
	if cur.Offset >= len(path) {
		return page, nil
	}
	end := cur.Offset + limit
	if end > len(path) {
		end = len(path)
	}
	page.Messages = path[cur.Offset:end]
	if end < len(path) {
		page.HasMore = true
		page.NextCursor = encodeCursor(pageCursor{Tip: cur.Tip, Offset: end})
	}
	return page, nil
}

type PutMemoryRequest struct {
	BranchID   string             `json:"branch_id"`
	Key        string             `json:"key"`
	Value      string             `json:"value"`
	Type       history.MemoryType `json:"memory_type"`
	Confidence float64            `json:"confidence"`
}

// PutMemory records a fact version anchored at the branch's current tip.
func (e *Engine) PutMemory(ctx context.Context, req PutMemoryRequest) (*history.MemoryFact, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, fmt.Errorf("memory key is required: %w", history.ErrInvalidArgument)
	}
	if req.Type == "" {
		req.Type = history.MemoryFactType
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown memory type %q: %w", req.Type, history.ErrInvalidArgument)
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, fmt.Errorf("confidence must be within [0, 1]: %w", history.ErrInvalidArgument)
	}
	branch, err := e.GetBranch(ctx, req.BranchID)
	if err != nil {
		return nil, err
	}
	if !branch.Active {
		return nil, fmt.Errorf("branch %s is inactive: %w", branch.ID, history.ErrNotFound)
	}
	if branch.TipMessageID == nil {
		return nil, fmt.Errorf("branch %s has no messages to anchor memory on: %w", branch.ID, history.ErrInvalidArgument)
	}
	f := &history.MemoryFact{
		ID:         uuid.NewString(),
		ThreadID:   branch.ThreadID,
		BranchID:   branch.ID,
		MessageID:  *branch.TipMessageID,
		Key:        key,
		Value:      req.Value,
		Type:       req.Type,
		Confidence: req.Confidence,
	}
	if err := e.store.PutMemoryFacts(ctx, []*history.MemoryFact{f}); err != nil {
		return nil, fmt.Errorf("put memory: %w", err)
	}
	e.emit(ctx, events.Event{Type: events.MemoryUpdated, ThreadID: f.ThreadID, BranchID: f.BranchID})
	return f, nil
}
