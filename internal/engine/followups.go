package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/events"
	"github.com/convohub/internal/extraction"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/retry"
	"github.com/convohub/internal/tokens"
)

// maxExtractionTurns bounds how many turns one extraction sees.
const maxExtractionTurns = 50

// ProcessFollowup runs a persisted follow-up to completion or failure.
// Completed follow-ups are skipped, so redelivery is harmless.
func (e *Engine) ProcessFollowup(ctx context.Context, id string) error {
	f, err := e.store.GetFollowup(ctx, id)
	if err != nil {
		return fmt.Errorf("followup %s: %w", id, err)
	}
	if f.Status == history.FollowupCompleted {
		return nil
	}
	f.Status = history.FollowupRunning
	f.Attempts++
	f.LastError = ""
	if err := e.store.UpdateFollowup(ctx, f); err != nil {
		return fmt.Errorf("mark followup %s running: %w", id, err)
	}

	logger := log.With().Str("followup_id", f.ID).Str("kind", string(f.Kind)).Str("branch_id", f.BranchID).Logger()
	var runErr error
	switch f.Kind {
	case history.FollowupReply:
		runErr = e.runReply(ctx, f)
	case history.FollowupExtract:
		runErr = e.runExtract(ctx, f)
	default:
		runErr = fmt.Errorf("unknown followup kind %q", f.Kind)
	}

	if runErr != nil {
		f.Status = history.FollowupFailed
		f.LastError = runErr.Error()
	} else {
		f.Status = history.FollowupCompleted
	}
	if err := e.store.UpdateFollowup(context.WithoutCancel(ctx), f); err != nil {
		logger.Error().Err(err).Msg("Failed to record followup outcome")
	}
	e.metrics.Followups.WithLabelValues(string(f.Kind), string(f.Status)).Inc()

	if runErr != nil {
		logger.Warn().Err(runErr).Int("attempts", f.Attempts).Msg("Follow-up failed")
		return fmt.Errorf("followup %s: %v: %w", f.ID, runErr, history.ErrUpstreamFailure)
	}
	logger.Debug().Int("attempts", f.Attempts).Msg("Follow-up completed")
	return nil
}

func (e *Engine) runReply(ctx context.Context, f *history.Followup) error {
	if e.replies == nil {
		return fmt.Errorf("no reply generator configured")
	}
	branch, err := e.GetBranch(ctx, f.BranchID)
	if err != nil {
		return err
	}
	assembled, err := e.buildContext(ctx, branch, e.cfg.ContextPolicy)
	if err != nil {
		return err
	}

	var reply string
	err = retry.Do(ctx, e.cfg.FollowupRetry, "generate_reply", func(ctx context.Context) error {
		out, genErr := e.replies.Generate(ctx, assembled)
		if genErr != nil {
			if !retry.IsRetryableError(genErr) {
				return retry.Permanent(genErr)
			}
			return genErr
		}
		reply = out
		return nil
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) == "" {
		return fmt.Errorf("reply generator returned an empty reply")
	}

	_, err = e.AppendMessage(ctx, AppendRequest{
		BranchID:       f.BranchID,
		Role:           history.RoleAssistant,
		Content:        map[string]any{"text": reply, "reply_to": f.MessageID},
		IdempotencyKey: "reply:" + f.ID,
	})
	return err
}

func (e *Engine) runExtract(ctx context.Context, f *history.Followup) error {
	if e.extractor == nil {
		return fmt.Errorf("no extractor configured")
	}
	branch, err := e.store.GetBranch(ctx, f.BranchID)
	if err != nil {
		return err
	}
	view, err := diff.LoadViewAt(ctx, e.resolver, e.store, branch, f.MessageID)
	if err != nil {
		return err
	}
	path, previous := view.Path, view.Summary
	if len(path) == 0 {
		return nil
	}

	start := 0
	if previous != nil {
		for i, m := range path {
			if m.ID == previous.MessageID {
				start = i + 1
				break
			}
		}
	}
	turns := path[start:]
	if len(turns) > maxExtractionTurns {
		turns = turns[len(turns)-maxExtractionTurns:]
	}
	if len(turns) == 0 {
		return nil
	}

	in := extraction.Input{
		ThreadID:    f.ThreadID,
		BranchID:    f.BranchID,
		Trigger:     path[len(path)-1],
		NewMessages: turns,
	}
	if previous != nil {
		in.PreviousSummary = previous.Content
	}

	var res *extraction.Result
	err = retry.Do(ctx, e.cfg.FollowupRetry, "extract_memory", func(ctx context.Context) error {
		out, exErr := e.extractor.Extract(ctx, in)
		if exErr != nil {
			if !retry.IsRetryableError(exErr) {
				return retry.Permanent(exErr)
			}
			return exErr
		}
		res = out
		return nil
	})
	if err != nil {
		return err
	}

	if s := strings.TrimSpace(res.Summary); s != "" && (previous == nil || s != previous.Content) {
		sum := &history.Summary{
			ID:         uuid.NewString(),
			ThreadID:   f.ThreadID,
			BranchID:   f.BranchID,
			MessageID:  f.MessageID,
			Content:    s,
			TokenCount: tokens.Estimate(s),
		}
		if err := e.store.PutSummary(ctx, sum); err != nil {
			return fmt.Errorf("store summary: %w", err)
		}
		e.emit(ctx, events.Event{Type: events.SummaryUpdated, ThreadID: f.ThreadID, BranchID: f.BranchID, MessageID: f.MessageID})
	}

	current := view.Facts
	var facts []*history.MemoryFact
	for _, fi := range res.Facts {
		if fi.Key == "" {
			continue
		}
		if cur, ok := current[fi.Key]; ok && cur.Value == fi.Value {
			continue
		}
		kind := fi.Type
		if !kind.Valid() {
			kind = history.MemoryFactType
		}
		facts = append(facts, &history.MemoryFact{
			ID:         uuid.NewString(),
			ThreadID:   f.ThreadID,
			BranchID:   f.BranchID,
			MessageID:  f.MessageID,
			Key:        fi.Key,
			Value:      fi.Value,
			Type:       kind,
			Confidence: clampConfidence(fi.Confidence),
		})
	}
	if len(facts) > 0 {
		if err := e.store.PutMemoryFacts(ctx, facts); err != nil {
			return fmt.Errorf("store memory facts: %w", err)
		}
		e.emit(ctx, events.Event{Type: events.MemoryUpdated, ThreadID: f.ThreadID, BranchID: f.BranchID, MessageID: f.MessageID})
	}
	return nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// RetryFollowup re-dispatches a failed follow-up.
func (e *Engine) RetryFollowup(ctx context.Context, id string) (*history.Followup, error) {
	f, err := e.store.GetFollowup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("followup %s: %w", id, err)
	}
	if f.Status != history.FollowupFailed {
		return nil, fmt.Errorf("followup %s is %s, only failed follow-ups can be retried: %w", id, f.Status, history.ErrInvalidArgument)
	}
	f.Status = history.FollowupPending
	if err := e.store.UpdateFollowup(ctx, f); err != nil {
		return nil, err
	}
	if err := e.dispatcher.Dispatch(ctx, f); err != nil {
		return nil, fmt.Errorf("dispatch followup %s: %w", id, err)
	}
	return e.store.GetFollowup(ctx, id)
}

func (e *Engine) GetFollowup(ctx context.Context, id string) (*history.Followup, error) {
	f, err := e.store.GetFollowup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("followup %s: %w", id, err)
	}
	return f, nil
}

func (e *Engine) ListFollowups(ctx context.Context, branchID string) ([]*history.Followup, error) {
	if _, err := e.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	return e.store.ListFollowups(ctx, branchID)
}
