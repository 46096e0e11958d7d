package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/history"
)

type mergerFunc func(ctx context.Context, d *diff.Result) (*Resolution, error)

func (f mergerFunc) Resolve(ctx context.Context, d *diff.Result) (*Resolution, error) { return f(ctx, d) }

type fixture struct {
	t        *testing.T
	store    *history.InMemoryStore
	resolver *ancestry.Resolver
	thread   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := history.NewInMemoryStore()
	th := &history.Thread{ID: uuid.NewString(), Title: "t"}
	require.NoError(t, store.CreateThread(context.Background(), th))
	r, err := ancestry.NewResolver(store, 0)
	require.NoError(t, err)
	return &fixture{t: t, store: store, resolver: r, thread: th.ID}
}

func (f *fixture) engine(merger SemanticMerger) *Engine {
	cfg := DefaultConfig()
	cfg.ResolverTimeout = 50 * time.Millisecond
	return NewEngine(f.store, f.resolver, diff.NewEngine(f.resolver, f.store), merger, cfg)
}

func (f *fixture) branch(name string, from *history.Branch) *history.Branch {
	f.t.Helper()
	b := &history.Branch{ID: uuid.NewString(), ThreadID: f.thread, Name: name, Active: true}
	if from != nil {
		from = f.reload(from)
		b.OriginBranchID = &from.ID
		b.OriginMessageID = from.TipMessageID
		b.TipMessageID = from.TipMessageID
	}
	require.NoError(f.t, f.store.CreateBranch(context.Background(), b))
	return f.reload(b)
}

func (f *fixture) reload(b *history.Branch) *history.Branch {
	f.t.Helper()
	got, err := f.store.GetBranch(context.Background(), b.ID)
	require.NoError(f.t, err)
	return got
}

func (f *fixture) say(b *history.Branch, text string) *history.Message {
	f.t.Helper()
	b = f.reload(b)
	m := &history.Message{ID: uuid.NewString(), ThreadID: f.thread, BranchID: b.ID, Role: history.RoleUser, Content: map[string]any{"text": text}}
	if b.TipMessageID != nil {
		m.Parents = []history.Edge{{ParentID: *b.TipMessageID, Type: history.EdgeParent}}
	}
	_, err := f.store.AppendMessage(context.Background(), history.AppendCommit{Message: m, ExpectedVersion: b.Version})
	require.NoError(f.t, err)
	return m
}

func (f *fixture) fact(b *history.Branch, key, value string) {
	f.t.Helper()
	b = f.reload(b)
	require.NoError(f.t, f.store.PutMemoryFacts(context.Background(), []*history.MemoryFact{{
		ID: uuid.NewString(), ThreadID: f.thread, BranchID: b.ID, MessageID: b.Tip(),
		Key: key, Value: value, Type: history.MemoryFactType, Confidence: 0.8,
	}}))
}

func (f *fixture) summary(b *history.Branch, content string) {
	f.t.Helper()
	b = f.reload(b)
	require.NoError(f.t, f.store.PutSummary(context.Background(), &history.Summary{
		ID: uuid.NewString(), ThreadID: f.thread, BranchID: b.ID, MessageID: b.Tip(), Content: content,
	}))
}

func (f *fixture) view(b *history.Branch) *diff.View {
	f.t.Helper()
	v, err := diff.LoadView(context.Background(), f.resolver, f.store, f.reload(b))
	require.NoError(f.t, err)
	return v
}

func factValues(v *diff.View) map[string]string {
	out := map[string]string{}
	for k, fact := range v.Facts {
		out[k] = fact.Value
	}
	return out
}

// diverged returns main and a fork that each added one message after a
// shared root.
func (f *fixture) diverged() (main, fork *history.Branch) {
	main = f.branch("main", nil)
	f.say(main, "root")
	fork = f.branch("fork", main)
	f.say(main, "on main")
	f.say(fork, "on fork")
	return main, fork
}

func (f *fixture) request(source, target *history.Branch, strategy history.MergeStrategy, key string) Request {
	return Request{ThreadID: f.thread, SourceBranchID: source.ID, TargetBranchID: target.ID, Strategy: strategy, IdempotencyKey: key}
}

func TestMerge_AppendLastUnion(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	f.fact(main, "tone", "formal")
	f.fact(main, "city", "Lisbon")
	f.fact(fork, "tone", "casual")
	f.fact(fork, "pet", "cat")

	out, err := f.engine(nil).Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, ""))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"tone": "formal", "city": "Lisbon", "pet": "cat"}, factValues(f.view(main)))
	require.Len(t, out.Record.Notes, 1)
	assert.Equal(t, "tone", out.Record.Notes[0].Key)
	assert.Equal(t, "kept target value", out.Record.Notes[0].Resolution)
	assert.Len(t, out.Facts, 1, "only source-only keys are rewritten")
}

func TestMerge_MergeNode(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	mainTip, forkTip := f.reload(main).Tip(), f.reload(fork).Tip()

	out, err := f.engine(nil).Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, ""))
	require.NoError(t, err)

	msg, err := f.store.GetMessage(context.Background(), out.Record.MergeMessageID)
	require.NoError(t, err)
	assert.Equal(t, history.RoleMerge, msg.Role)
	assert.Equal(t, []history.Edge{
		{ParentID: mainTip, Type: history.EdgeParent},
		{ParentID: forkTip, Type: history.EdgeMerge},
	}, msg.Parents)
	assert.Equal(t, fork.ID, msg.Content["source_branch_id"])

	target := f.reload(main)
	assert.Equal(t, msg.ID, target.Tip())
	assert.EqualValues(t, 3, target.Version)
	assert.Equal(t, forkTip, f.reload(fork).Tip(), "source is never mutated")
}

func TestMerge_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	eng := f.engine(nil)

	first, err := eng.Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, "k1"))
	require.NoError(t, err)
	afterFirst := f.reload(main)

	second, err := eng.Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, "k1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.MergeMessageID, second.Record.MergeMessageID)

	afterSecond := f.reload(main)
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
	assert.Equal(t, afterFirst.Tip(), afterSecond.Tip())
}

func TestMerge_AlreadyMerged(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	eng := f.engine(nil)

	_, err := eng.Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, ""))
	require.NoError(t, err)
	_, err = eng.Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, ""))
	require.ErrorIs(t, err, history.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "already merged")
}

func TestMerge_Preconditions(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	empty := f.branch("empty", nil)
	eng := f.engine(nil)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"self", f.request(main, main, history.StrategyAppendLast, ""), history.ErrInvalidArgument},
		{"strategy", f.request(fork, main, "squash", ""), history.ErrInvalidArgument},
		{"empty source", f.request(empty, main, history.StrategyAppendLast, ""), history.ErrInvalidArgument},
		{"wrong thread", Request{ThreadID: "other", SourceBranchID: fork.ID, TargetBranchID: main.ID, Strategy: history.StrategyAppendLast}, history.ErrInvalidArgument},
		{"missing target", Request{ThreadID: f.thread, SourceBranchID: fork.ID, TargetBranchID: "nope", Strategy: history.StrategyAppendLast}, history.ErrNotFound},
		{"resolver unconfigured", f.request(fork, main, history.StrategyResolver, ""), history.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Merge(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMerge_InactiveTarget(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	_, err := f.store.SetBranchActive(context.Background(), main.ID, false)
	require.NoError(t, err)

	_, err = f.engine(nil).Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, ""))
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestMerge_ResolverFailureReleasesKey(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()
	before := f.reload(main)

	failing := mergerFunc(func(ctx context.Context, d *diff.Result) (*Resolution, error) {
		return nil, errors.New("model unavailable")
	})
	_, err := f.engine(failing).Merge(context.Background(), f.request(fork, main, history.StrategyResolver, "k1"))
	require.ErrorIs(t, err, history.ErrUpstreamFailure)

	after := f.reload(main)
	assert.Equal(t, before.Version, after.Version, "failed merge commits nothing")

	working := mergerFunc(func(ctx context.Context, d *diff.Result) (*Resolution, error) {
		return &Resolution{
			Summary: "blended",
			Facts:   []history.FactInput{{Key: "tone", Value: "neutral", Type: history.MemoryPreference, Confidence: 0.7}},
		}, nil
	})
	out, err := f.engine(working).Merge(context.Background(), f.request(fork, main, history.StrategyResolver, "k1"))
	require.NoError(t, err)
	assert.False(t, out.Replayed)

	v := f.view(main)
	assert.Equal(t, "blended", v.SummaryText())
	assert.Equal(t, "neutral", v.Facts["tone"].Value)
	assert.Equal(t, out.Record.MergeMessageID, v.Facts["tone"].MessageID)
}

func TestMerge_ResolverTimeout(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()

	slow := mergerFunc(func(ctx context.Context, d *diff.Result) (*Resolution, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := f.engine(slow).Merge(context.Background(), f.request(fork, main, history.StrategyResolver, ""))
	assert.ErrorIs(t, err, history.ErrUpstreamFailure)
}

// An append that lands while the merge is being planned wins; the merge
// gets Conflict and the appended message stays the tip.
func TestMerge_ConcurrentAppendWins(t *testing.T) {
	f := newFixture(t)
	main, fork := f.diverged()

	var raced *history.Message
	racing := mergerFunc(func(ctx context.Context, d *diff.Result) (*Resolution, error) {
		raced = f.say(main, "late append")
		return &Resolution{Summary: "x"}, nil
	})
	_, err := f.engine(racing).Merge(context.Background(), f.request(fork, main, history.StrategyResolver, "k1"))
	require.ErrorIs(t, err, history.ErrConflict)
	assert.Equal(t, raced.ID, f.reload(main).Tip())

	// The key was released, so the caller can retry.
	out, err := f.engine(nil).Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, "k1"))
	require.NoError(t, err)
	assert.False(t, out.Replayed)

	msg, err := f.store.GetMessage(context.Background(), out.Record.MergeMessageID)
	require.NoError(t, err)
	assert.Equal(t, raced.ID, msg.Parents[0].ParentID)
}

func TestMerge_SummaryAppendLast(t *testing.T) {
	f := newFixture(t)
	main := f.branch("main", nil)
	f.say(main, "root")
	f.summary(main, "shared start")
	fork := f.branch("fork", main)
	f.say(main, "m")
	f.summary(main, "shared start main notes")
	f.say(fork, "f")
	f.summary(fork, "shared start fork notes")

	out, err := f.engine(nil).Merge(context.Background(), f.request(fork, main, history.StrategyAppendLast, ""))
	require.NoError(t, err)
	require.NotNil(t, out.Summary)
	assert.Equal(t, "shared start main notes"+SummarySeparator+"fork notes", out.Summary.Content)
}

func TestAppendSummaries(t *testing.T) {
	tests := []struct {
		name, target, source, want string
	}{
		{"empty source", "target", "", "target"},
		{"empty target", "", "source", "source"},
		{"source is prefix", "a b c", "a b", "a b c"},
		{"disjoint", "a", "b", "a" + SummarySeparator + "b"},
		{"shared prefix", "a b x", "a b y z", "a b x" + SummarySeparator + "y z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, appendSummaries(tt.target, tt.source))
		})
	}
}
