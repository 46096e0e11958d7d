package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/history"
)

// SummarySeparator sits between the target and source digests in an
// append-last merge.
const SummarySeparator = "\n\n---\n\n"

// SemanticMerger reconciles diverging summaries and memory. It is the
// only non-deterministic step in a merge.
type SemanticMerger interface {
	Resolve(ctx context.Context, d *diff.Result) (*Resolution, error)
}

type Resolution struct {
	Summary string                   `json:"summary"`
	Facts   []history.FactInput      `json:"facts"`
	Notes   []history.ResolutionNote `json:"notes"`
}

// Plan is what a strategy decided, before anything is anchored.
type Plan struct {
	Summary string
	Facts   []history.FactInput
	Notes   []history.ResolutionNote
}

// AppendLast concatenates the digests and unions memory with the target
// winning every key collision. d must be a source (left) to target
// (right) diff carrying views.
func AppendLast(d *diff.Result) *Plan {
	p := &Plan{Summary: appendSummaries(d.Right.SummaryText(), d.Left.SummaryText())}
	for _, f := range d.Left.SortedFacts() {
		existing, ok := d.Right.Facts[f.Key]
		if !ok {
			p.Facts = append(p.Facts, history.FactInput{Key: f.Key, Value: f.Value, Type: f.Type, Confidence: f.Confidence})
			continue
		}
		if existing.Value != f.Value {
			p.Notes = append(p.Notes, history.ResolutionNote{
				Kind:        "memory",
				Key:         f.Key,
				SourceValue: f.Value,
				TargetValue: existing.Value,
				Resolution:  "kept target value",
			})
		}
	}
	return p
}

// appendSummaries drops the token prefix source shares with target, which
// is the digest both inherited from before they diverged.
func appendSummaries(target, source string) string {
	if strings.TrimSpace(source) == "" {
		return target
	}
	if strings.TrimSpace(target) == "" {
		return source
	}
	t, s := strings.Fields(target), strings.Fields(source)
	n := 0
	for n < len(t) && n < len(s) && t[n] == s[n] {
		n++
	}
	if n == len(s) {
		return target
	}
	return target + SummarySeparator + strings.Join(s[n:], " ")
}

// Resolve runs the semantic merger under timeout. Any failure maps to
// ErrUpstreamFailure so callers know the merge can be retried.
func Resolve(ctx context.Context, merger SemanticMerger, timeout time.Duration, d *diff.Result) (*Plan, error) {
	if merger == nil {
		return nil, fmt.Errorf("resolver strategy is not configured: %w", history.ErrInvalidArgument)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := merger.Resolve(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("semantic merge: %v: %w", err, history.ErrUpstreamFailure)
	}
	if res == nil {
		return nil, fmt.Errorf("semantic merge returned no resolution: %w", history.ErrUpstreamFailure)
	}
	p := &Plan{Summary: res.Summary, Notes: append([]history.ResolutionNote(nil), res.Notes...)}
	for _, f := range res.Facts {
		if f.Key == "" {
			continue
		}
		if !f.Type.Valid() {
			f.Type = history.MemoryFactType
		}
		if cur, ok := d.Right.Facts[f.Key]; ok && cur.Value == f.Value {
			continue
		}
		p.Facts = append(p.Facts, f)
	}
	if d.Memory != nil {
		for _, c := range d.Memory.Conflicts {
			p.Notes = append(p.Notes, history.ResolutionNote{
				Kind:        "conflict",
				Key:         c.Key,
				SourceValue: c.Left.Value,
				TargetValue: c.Right.Value,
				Resolution:  "resolver",
			})
		}
	}
	return p, nil
}
