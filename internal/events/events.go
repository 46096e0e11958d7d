// Package events publishes mutation notifications for push delivery.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Type string

const (
	MessageCreated Type = "message_created"
	BranchCreated  Type = "branch_created"
	MergeCompleted Type = "merge_completed"
	SummaryUpdated Type = "summary_updated"
	MemoryUpdated  Type = "memory_updated"
)

type Event struct {
	Type           Type      `json:"type"`
	ThreadID       string    `json:"thread_id"`
	BranchID       string    `json:"branch_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	SourceBranchID string    `json:"source_branch_id,omitempty"`
	TargetBranchID string    `json:"target_branch_id,omitempty"`
	At             time.Time `json:"at"`
}

// Sink receives events after the mutation that caused them committed.
// A sink error is logged by the caller and never undoes the mutation.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes every event to the global zerolog logger.
type LogSink struct{}

func (LogSink) Publish(ctx context.Context, ev Event) error {
	log.Info().
		Str("event", string(ev.Type)).
		Str("thread_id", ev.ThreadID).
		Str("branch_id", ev.BranchID).
		Str("message_id", ev.MessageID).
		Str("source_branch_id", ev.SourceBranchID).
		Str("target_branch_id", ev.TargetBranchID).
		Msg("Event published")
	return nil
}

// MultiSink fans out to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
