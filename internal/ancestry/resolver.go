// Package ancestry walks the message DAG to find lowest common ancestors
// and the per-branch deltas relative to them.
package ancestry

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/convohub/internal/history"
)

const DefaultCacheSize = 4096

type MessageReader interface {
	GetMessage(ctx context.Context, id string) (*history.Message, error)
}

// Resolver caches messages by id. Messages are immutable once committed,
// so cached entries never need invalidation. Callers must treat returned
// messages as read-only.
type Resolver struct {
	store MessageReader
	cache *lru.Cache[string, *history.Message]
}

func NewResolver(store MessageReader, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *history.Message](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create message cache: %w", err)
	}
	return &Resolver{store: store, cache: cache}, nil
}

// Options selects how FindLCA walks the graph.
type Options struct {
	// MergeAware also follows merge edges. The LCA becomes the shared
	// ancestor with the highest seq.
	MergeAware bool
}

// Result holds the LCA and both deltas, each ordered oldest to newest.
type Result struct {
	LCA    *history.Message
	DeltaA []*history.Message
	DeltaB []*history.Message
}

// LCAID returns the LCA id or nil for disjoint histories.
func (r *Result) LCAID() *string {
	if r.LCA == nil {
		return nil
	}
	id := r.LCA.ID
	return &id
}

func (r *Resolver) Message(ctx context.Context, id string) (*history.Message, error) {
	if m, ok := r.cache.Get(id); ok {
		return m, nil
	}
	m, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	r.cache.Add(id, m)
	return m, nil
}

// PrimaryPath returns the primary lineage ending at tip, oldest first.
// An empty tip yields an empty path.
func (r *Resolver) PrimaryPath(ctx context.Context, tip string) ([]*history.Message, error) {
	var path []*history.Message
	seen := make(map[string]struct{})
	for id := tip; id != ""; {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("cycle at message %s", id)
		}
		seen[id] = struct{}{}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.Message(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append(path, m)
		id, _ = m.PrimaryParent()
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// FindLCA compares the histories ending at tipA and tipB.
func (r *Resolver) FindLCA(ctx context.Context, tipA, tipB string, opts Options) (*Result, error) {
	if opts.MergeAware {
		return r.findMergeAware(ctx, tipA, tipB)
	}
	pathA, err := r.PrimaryPath(ctx, tipA)
	if err != nil {
		return nil, err
	}
	pathB, err := r.PrimaryPath(ctx, tipB)
	if err != nil {
		return nil, err
	}

	// Primary lineages are chains, so once they meet they coincide down to
	// the root. Index the shorter one and scan the other from its tip.
	short, long := pathA, pathB
	if len(pathB) < len(pathA) {
		short, long = pathB, pathA
	}
	index := make(map[string]int, len(short))
	for i, m := range short {
		index[m.ID] = i
	}
	res := &Result{DeltaA: pathA, DeltaB: pathB}
	for i := len(long) - 1; i >= 0; i-- {
		j, ok := index[long[i].ID]
		if !ok {
			continue
		}
		res.LCA = long[i]
		if len(pathB) < len(pathA) {
			res.DeltaA, res.DeltaB = long[i+1:], short[j+1:]
		} else {
			res.DeltaA, res.DeltaB = short[j+1:], long[i+1:]
		}
		break
	}
	return res, nil
}

func (r *Resolver) findMergeAware(ctx context.Context, tipA, tipB string) (*Result, error) {
	ancA, err := r.Ancestors(ctx, tipA)
	if err != nil {
		return nil, err
	}
	ancB, err := r.Ancestors(ctx, tipB)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for id, m := range ancA {
		if _, ok := ancB[id]; ok {
			if res.LCA == nil || m.Seq > res.LCA.Seq {
				res.LCA = m
			}
			continue
		}
		res.DeltaA = append(res.DeltaA, m)
	}
	for id, m := range ancB {
		if _, ok := ancA[id]; !ok {
			res.DeltaB = append(res.DeltaB, m)
		}
	}
	bySeq := func(s []*history.Message) {
		sort.Slice(s, func(i, j int) bool { return s[i].Seq < s[j].Seq })
	}
	bySeq(res.DeltaA)
	bySeq(res.DeltaB)
	return res, nil
}

// Ancestors returns tip and everything reachable from it over any edge.
func (r *Resolver) Ancestors(ctx context.Context, tip string) (map[string]*history.Message, error) {
	out := make(map[string]*history.Message)
	if tip == "" {
		return out, nil
	}
	queue := []string{tip}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := out[id]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.Message(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = m
		for _, e := range m.Parents {
			queue = append(queue, e.ParentID)
		}
	}
	return out, nil
}

// Reachable reports whether target is tip or one of its ancestors.
func (r *Resolver) Reachable(ctx context.Context, tip, target string) (bool, error) {
	if tip == "" || target == "" {
		return false, nil
	}
	anc, err := r.Ancestors(ctx, tip)
	if err != nil {
		return false, err
	}
	_, ok := anc[target]
	return ok, nil
}
