package diff

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/history"
)

// AnchorReader loads branches and the summaries and facts anchored on a
// set of messages by a set of branches.
type AnchorReader interface {
	GetBranch(ctx context.Context, id string) (*history.Branch, error)
	SummariesAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*history.Summary, error)
	FactsAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*history.MemoryFact, error)
}

// View is what a branch sees: its primary path plus the summaries and
// facts anchored on that path by the branch itself or by an origin branch
// before the fork happened. A fork inherits its origin's state as of the
// fork and never publishes its own writes back.
type View struct {
	Branch  *history.Branch
	Path    []*history.Message
	Summary *history.Summary
	Facts   map[string]*history.MemoryFact

	// visible holds every fact id in the view, superseded ones included.
	visible map[string]struct{}
}

// SortedFacts returns the visible facts ordered by key.
func (v *View) SortedFacts() []*history.MemoryFact {
	out := make([]*history.MemoryFact, 0, len(v.Facts))
	for _, f := range v.Facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (v *View) SummaryText() string {
	if v.Summary == nil {
		return ""
	}
	return v.Summary.Content
}

// Sees reports whether fact f, current or superseded, is part of the view.
func (v *View) Sees(f *history.MemoryFact) bool {
	_, ok := v.visible[f.ID]
	return ok
}

// Lineage maps a branch and each branch on its origin chain to the
// exclusive seq cutoff for writes the branch inherits from it. The branch
// itself has no cutoff.
type Lineage map[string]int64

func LoadLineage(ctx context.Context, store AnchorReader, b *history.Branch) (Lineage, error) {
	out := Lineage{b.ID: math.MaxInt64}
	cutoff := int64(math.MaxInt64)
	for cur := b; cur.OriginBranchID != nil; {
		cutoff = min(cutoff, cur.ForkSeq)
		if _, seen := out[*cur.OriginBranchID]; seen {
			break
		}
		parent, err := store.GetBranch(ctx, *cur.OriginBranchID)
		if err != nil {
			return nil, fmt.Errorf("load origin of branch %s: %w", cur.ID, err)
		}
		out[parent.ID] = cutoff
		cur = parent
	}
	return out, nil
}

func (l Lineage) BranchIDs() []string {
	out := make([]string, 0, len(l))
	for id := range l {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Visible reports whether a write with seq made on branchID is inherited.
func (l Lineage) Visible(branchID string, seq int64) bool {
	cutoff, ok := l[branchID]
	return ok && seq < cutoff
}

func LoadView(ctx context.Context, resolver *ancestry.Resolver, store AnchorReader, b *history.Branch) (*View, error) {
	return LoadViewAt(ctx, resolver, store, b, b.Tip())
}

// LoadViewAt is LoadView with the path ending at messageID instead of the
// branch tip.
func LoadViewAt(ctx context.Context, resolver *ancestry.Resolver, store AnchorReader, b *history.Branch, messageID string) (*View, error) {
	path, err := resolver.PrimaryPath(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load path for branch %s: %w", b.ID, err)
	}
	v := &View{Branch: b, Path: path, Facts: make(map[string]*history.MemoryFact), visible: make(map[string]struct{})}
	if len(path) == 0 {
		return v, nil
	}
	ids := make([]string, len(path))
	for i, m := range path {
		ids[i] = m.ID
	}
	lineage, err := LoadLineage(ctx, store, b)
	if err != nil {
		return nil, err
	}
	branchIDs := lineage.BranchIDs()

	summaries, err := store.SummariesAnchoredAt(ctx, ids, branchIDs)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	for _, s := range summaries {
		if !lineage.Visible(s.BranchID, s.Seq) {
			continue
		}
		if v.Summary == nil || s.Seq > v.Summary.Seq {
			v.Summary = s
		}
	}

	facts, err := store.FactsAnchoredAt(ctx, ids, branchIDs)
	if err != nil {
		return nil, fmt.Errorf("load memory facts: %w", err)
	}
	for _, f := range facts {
		if !lineage.Visible(f.BranchID, f.Seq) {
			continue
		}
		v.visible[f.ID] = struct{}{}
		if cur, ok := v.Facts[f.Key]; !ok || f.Seq > cur.Seq {
			v.Facts[f.Key] = f
		}
	}
	return v, nil
}
