// Package diff compares two branches of a thread by message range,
// rolling summary and memory facts.
package diff

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/history"
)

type Mode string

const (
	ModeMessages Mode = "messages"
	ModeSummary  Mode = "summary"
	ModeMemory   Mode = "memory"
	ModeAll      Mode = "all"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeMessages, ModeSummary, ModeMemory, ModeAll:
		return true
	}
	return false
}

// MessageRange is a contiguous run of delta messages owned by one branch.
type MessageRange struct {
	BranchID string             `json:"branch_id"`
	Messages []*history.Message `json:"messages"`
}

type MessageDiff struct {
	Left  []MessageRange `json:"left"`
	Right []MessageRange `json:"right"`
}

type SummaryDiff struct {
	Left          string `json:"left"`
	Right         string `json:"right"`
	CommonContent string `json:"common_content"`
	LeftOnly      string `json:"left_only"`
	RightOnly     string `json:"right_only"`
}

type FactChange struct {
	Key   string              `json:"key"`
	Left  *history.MemoryFact `json:"left"`
	Right *history.MemoryFact `json:"right"`
}

type MemoryDiff struct {
	Added     []*history.MemoryFact `json:"added"`
	Removed   []*history.MemoryFact `json:"removed"`
	Modified  []FactChange          `json:"modified"`
	Conflicts []FactChange          `json:"conflicts"`
}

func (d *MemoryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 && len(d.Conflicts) == 0
}

// Result always carries message-level provenance, whatever the mode.
type Result struct {
	Mode          Mode         `json:"mode"`
	LeftBranchID  string       `json:"left_branch_id"`
	RightBranchID string       `json:"right_branch_id"`
	LCA           *string      `json:"lca"`
	SrcDelta      []string     `json:"src_delta"`
	TgtDelta      []string     `json:"tgt_delta"`
	Messages      *MessageDiff `json:"messages,omitempty"`
	Summary       *SummaryDiff `json:"summary,omitempty"`
	Memory        *MemoryDiff  `json:"memory,omitempty"`

	Left     *View             `json:"-"`
	Right    *View             `json:"-"`
	Ancestry *ancestry.Result `json:"-"`
}

type Engine struct {
	resolver *ancestry.Resolver
	store    AnchorReader
}

func NewEngine(resolver *ancestry.Resolver, store AnchorReader) *Engine {
	return &Engine{resolver: resolver, store: store}
}

// Compare diffs left against right. Both branches must share a thread.
func (e *Engine) Compare(ctx context.Context, left, right *history.Branch, mode Mode, opts ancestry.Options) (*Result, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown diff mode %q: %w", mode, history.ErrInvalidArgument)
	}
	if left.ThreadID != right.ThreadID {
		return nil, fmt.Errorf("branches %s and %s belong to different threads: %w", left.ID, right.ID, history.ErrInvalidArgument)
	}

	anc, err := e.resolver.FindLCA(ctx, left.Tip(), right.Tip(), opts)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Mode:          mode,
		LeftBranchID:  left.ID,
		RightBranchID: right.ID,
		LCA:           anc.LCAID(),
		SrcDelta:      ids(anc.DeltaA),
		TgtDelta:      ids(anc.DeltaB),
		Ancestry:      anc,
	}

	if mode == ModeMessages || mode == ModeAll {
		res.Messages = &MessageDiff{Left: ranges(anc.DeltaA), Right: ranges(anc.DeltaB)}
	}
	if mode == ModeMessages {
		return res, nil
	}

	if res.Left, err = LoadView(ctx, e.resolver, e.store, left); err != nil {
		return nil, err
	}
	if res.Right, err = LoadView(ctx, e.resolver, e.store, right); err != nil {
		return nil, err
	}
	if mode == ModeSummary || mode == ModeAll {
		res.Summary = CompareSummaries(res.Left.SummaryText(), res.Right.SummaryText())
	}
	if mode == ModeMemory || mode == ModeAll {
		res.Memory = CompareMemory(res.Left, res.Right)
	}
	return res, nil
}

// CompareMemory classifies visible facts by key. A differing key is a
// conflict only when neither side can see the other's winning version,
// meaning both sides wrote it independently since they diverged.
func CompareMemory(left, right *View) *MemoryDiff {
	d := &MemoryDiff{
		Added:     []*history.MemoryFact{},
		Removed:   []*history.MemoryFact{},
		Modified:  []FactChange{},
		Conflicts: []FactChange{},
	}
	for _, key := range sortedKeys(left.Facts, right.Facts) {
		l, inLeft := left.Facts[key]
		r, inRight := right.Facts[key]
		switch {
		case inRight && !inLeft:
			d.Added = append(d.Added, r)
		case inLeft && !inRight:
			d.Removed = append(d.Removed, l)
		case l.Value != r.Value:
			change := FactChange{Key: key, Left: l, Right: r}
			if !right.Sees(l) && !left.Sees(r) {
				d.Conflicts = append(d.Conflicts, change)
			} else {
				d.Modified = append(d.Modified, change)
			}
		}
	}
	return d
}

func sortedKeys(maps ...map[string]*history.MemoryFact) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// CompareSummaries aligns whitespace tokens with a longest common
// subsequence and reports the shared and one-sided tokens in order.
func CompareSummaries(left, right string) *SummaryDiff {
	a, b := strings.Fields(left), strings.Fields(right)
	common, leftOnly, rightOnly := alignTokens(a, b)
	return &SummaryDiff{
		Left:          left,
		Right:         right,
		CommonContent: strings.Join(common, " "),
		LeftOnly:      strings.Join(leftOnly, " "),
		RightOnly:     strings.Join(rightOnly, " "),
	}
}

func alignTokens(a, b []string) (common, leftOnly, rightOnly []string) {
	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			common = append(common, a[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			leftOnly = append(leftOnly, a[i])
			i++
		default:
			rightOnly = append(rightOnly, b[j])
			j++
		}
	}
	leftOnly = append(leftOnly, a[i:]...)
	rightOnly = append(rightOnly, b[j:]...)
	return common, leftOnly, rightOnly
}

func ranges(msgs []*history.Message) []MessageRange {
	out := []MessageRange{}
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].BranchID == m.BranchID {
			out[n-1].Messages = append(out[n-1].Messages, m)
			continue
		}
		out = append(out, MessageRange{BranchID: m.BranchID, Messages: []*history.Message{m}})
	}
	return out
}

func ids(msgs []*history.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
