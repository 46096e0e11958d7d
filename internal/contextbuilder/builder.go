// Package contextbuilder assembles the bounded context handed to
// downstream consumers such as reply generators.
package contextbuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/tokens"
)

// Policy controls what Build includes. The zero value includes neither
// summary nor memory and applies no token budget; start from DefaultPolicy
// or Preset and override fields rather than building one from scratch.
type Policy struct {
	WindowSize         int      `json:"window_size"`
	UseSummary         bool     `json:"use_summary"`
	UseMemory          bool     `json:"use_memory"`
	MaxTokens          int      `json:"max_tokens"`
	SystemMessages     []string `json:"system_messages,omitempty"`
	RelevanceThreshold float64  `json:"relevance_threshold"`
}

func DefaultPolicy() Policy {
	return Policy{WindowSize: 10, UseSummary: true, UseMemory: true, MaxTokens: 8000}
}

// Preset returns a named policy. ok is false for unknown names.
func Preset(name string) (Policy, bool) {
	switch name {
	case "", "default":
		return DefaultPolicy(), true
	case "minimal":
		return Policy{WindowSize: 10, MaxTokens: 2000}, true
	case "standard":
		return Policy{WindowSize: 50, UseSummary: true, UseMemory: true, MaxTokens: 8000}, true
	case "comprehensive":
		return Policy{WindowSize: 100, UseSummary: true, UseMemory: true, MaxTokens: 16000, RelevanceThreshold: 0.5}, true
	case "summary_only":
		return Policy{WindowSize: 5, UseSummary: true, UseMemory: true, MaxTokens: 4000}, true
	}
	return Policy{}, false
}

func (p Policy) Validate() error {
	if p.WindowSize < 0 {
		return fmt.Errorf("window_size must not be negative: %w", history.ErrInvalidArgument)
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative: %w", history.ErrInvalidArgument)
	}
	if p.RelevanceThreshold < 0 || p.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold must be within [0, 1]: %w", history.ErrInvalidArgument)
	}
	return nil
}

type Metadata struct {
	ThreadID         string `json:"thread_id"`
	BranchID         string `json:"branch_id"`
	TipMessageID     string `json:"tip_message_id,omitempty"`
	WindowSize       int    `json:"window_size"`
	MessagesIncluded int    `json:"messages_included"`
	MemoryIncluded   int    `json:"memory_included"`
	EstimatedTokens  int    `json:"estimated_tokens"`
	TrimmedMessages  int    `json:"trimmed_messages"`
	TrimmedMemory    int    `json:"trimmed_memory"`
	OverBudget       bool   `json:"over_budget"`
}

type Context struct {
	System   string                `json:"system"`
	Messages []*history.Message    `json:"messages"`
	Summary  *history.Summary      `json:"summary,omitempty"`
	Memory   []*history.MemoryFact `json:"memory"`
	Metadata Metadata              `json:"metadata"`
}

// Build composes the context for view under policy. The window comes from
// the primary path, so a fresh fork sees its origin's recent messages.
func Build(thread *history.Thread, view *diff.View, policy Policy) *Context {
	c := &Context{
		System:   preamble(thread, view.Branch, policy.SystemMessages),
		Messages: []*history.Message{},
		Memory:   []*history.MemoryFact{},
		Metadata: Metadata{
			ThreadID:     thread.ID,
			BranchID:     view.Branch.ID,
			TipMessageID: view.Branch.Tip(),
			WindowSize:   policy.WindowSize,
		},
	}

	if n := len(view.Path); policy.WindowSize > 0 && n > 0 {
		start := n - policy.WindowSize
		if start < 0 {
			start = 0
		}
		c.Messages = append(c.Messages, view.Path[start:]...)
	}
	if policy.UseSummary {
		c.Summary = view.Summary
	}
	if policy.UseMemory {
		for _, f := range view.Facts {
			if f.Confidence >= policy.RelevanceThreshold {
				c.Memory = append(c.Memory, f)
			}
		}
		sort.Slice(c.Memory, func(i, j int) bool {
			if c.Memory[i].Confidence == c.Memory[j].Confidence {
				return c.Memory[i].Key < c.Memory[j].Key
			}
			return c.Memory[i].Confidence > c.Memory[j].Confidence
		})
	}

	total := c.estimate()
	if policy.MaxTokens > 0 {
		for total > policy.MaxTokens && len(c.Memory) > 0 {
			last := c.Memory[len(c.Memory)-1]
			c.Memory = c.Memory[:len(c.Memory)-1]
			total -= factTokens(last)
			c.Metadata.TrimmedMemory++
		}
		for total > policy.MaxTokens && len(c.Messages) > 0 {
			total -= tokens.Estimate(c.Messages[0].Text())
			c.Messages = c.Messages[1:]
			c.Metadata.TrimmedMessages++
		}
		c.Metadata.OverBudget = total > policy.MaxTokens
	}

	c.Metadata.EstimatedTokens = total
	c.Metadata.MessagesIncluded = len(c.Messages)
	c.Metadata.MemoryIncluded = len(c.Memory)
	return c
}

func (c *Context) estimate() int {
	total := tokens.Estimate(c.System)
	for _, m := range c.Messages {
		total += tokens.Estimate(m.Text())
	}
	if c.Summary != nil {
		total += tokens.Estimate(c.Summary.Content)
	}
	for _, f := range c.Memory {
		total += factTokens(f)
	}
	return total
}

func factTokens(f *history.MemoryFact) int {
	return tokens.Estimate(f.Key + ": " + f.Value)
}

func preamble(thread *history.Thread, branch *history.Branch, extra []string) string {
	parts := []string{"You are a helpful assistant in a branching conversation."}
	if thread.Title != "" {
		parts = append(parts, "Thread: "+thread.Title)
	}
	if thread.Description != "" {
		parts = append(parts, "Description: "+thread.Description)
	}
	parts = append(parts, "Current branch: "+branch.Name)
	if branch.Description != "" {
		parts = append(parts, "Branch context: "+branch.Description)
	}
	if branch.OriginBranchID != nil {
		parts = append(parts, "This branch was forked from another branch.")
	}
	parts = append(parts, extra...)
	return strings.Join(parts, "\n")
}

// Render flattens the context into a single prompt, newest message last.
func (c *Context) Render() string {
	var b strings.Builder
	b.WriteString(c.System)
	if c.Summary != nil && c.Summary.Content != "" {
		b.WriteString("\n\nConversation summary:\n")
		b.WriteString(c.Summary.Content)
	}
	if len(c.Memory) > 0 {
		b.WriteString("\n\nKnown facts:\n")
		for _, f := range c.Memory {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}
	b.WriteString("\n\nConversation:\n")
	for _, m := range c.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text())
	}
	b.WriteString("assistant:")
	return b.String()
}
