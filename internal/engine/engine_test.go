package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convohub/internal/ancestry"
	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/events"
	"github.com/convohub/internal/extraction"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/metrics"
	"github.com/convohub/internal/retry"
)

type fakeReplies struct {
	mu    sync.Mutex
	err   error
	calls int
	seen  []string
}

func (f *fakeReplies) Generate(ctx context.Context, c *contextbuilder.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	last := c.Messages[len(c.Messages)-1]
	f.seen = append(f.seen, last.Text())
	return "Noted.", nil
}

type testEngine struct {
	*Engine
	t       *testing.T
	events  *events.Recorder
	metrics *metrics.Metrics
}

func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	rec := &events.Recorder{}
	opts.Store = history.NewInMemoryStore()
	opts.Sink = rec
	opts.Metrics = metrics.New(prometheus.NewRegistry())
	opts.Config = DefaultConfig()
	opts.Config.FollowupRetry = retry.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	e, err := New(opts)
	require.NoError(t, err)
	return &testEngine{Engine: e, t: t, events: rec, metrics: opts.Metrics}
}

func (e *testEngine) thread() *history.Thread {
	e.t.Helper()
	th, err := e.CreateThread(context.Background(), CreateThreadRequest{Title: "Trip"})
	require.NoError(e.t, err)
	return th
}

func (e *testEngine) mainBranch() *history.Branch {
	e.t.Helper()
	th := e.thread()
	b, err := e.CreateBranch(context.Background(), CreateBranchRequest{ThreadID: th.ID, Name: "main"})
	require.NoError(e.t, err)
	return b
}

func (e *testEngine) say(branchID string, role history.Role, text string) *history.Message {
	e.t.Helper()
	m, err := e.AppendMessage(context.Background(), AppendRequest{BranchID: branchID, Role: role, Content: map[string]any{"text": text}})
	require.NoError(e.t, err)
	return m
}

func (e *testEngine) branch(id string) *history.Branch {
	e.t.Helper()
	b, err := e.GetBranch(context.Background(), id)
	require.NoError(e.t, err)
	return b
}

func texts(msgs []*history.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func followupOf(t *testing.T, fs []*history.Followup, kind history.FollowupKind) *history.Followup {
	t.Helper()
	for _, f := range fs {
		if f.Kind == kind {
			return f
		}
	}
	t.Fatalf("no %s follow-up in %d follow-ups", kind, len(fs))
	return nil
}

func TestCreateThread_RequiresTitle(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.CreateThread(context.Background(), CreateThreadRequest{Title: "  "})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestUpdateThread(t *testing.T) {
	e := newTestEngine(t, Options{})
	th := e.thread()
	title, desc := "Renamed", "now with notes"

	got, err := e.UpdateThread(context.Background(), th.ID, UpdateThreadRequest{Title: &title, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, "now with notes", got.Description)

	empty := ""
	_, err = e.UpdateThread(context.Background(), th.ID, UpdateThreadRequest{Title: &empty})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
	_, err = e.UpdateThread(context.Background(), "missing", UpdateThreadRequest{})
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestAppendMessage_Validation(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()

	for _, role := range []history.Role{"robot", history.RoleMerge} {
		_, err := e.AppendMessage(context.Background(), AppendRequest{BranchID: b.ID, Role: role})
		assert.ErrorIs(t, err, history.ErrInvalidArgument, role)
	}
	_, err := e.AppendMessage(context.Background(), AppendRequest{BranchID: "missing", Role: history.RoleUser})
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestAppendMessage_AdvancesTip(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()

	first := e.say(b.ID, history.RoleUser, "hi")
	assert.Empty(t, first.Parents)
	second := e.say(b.ID, history.RoleAssistant, "hello")
	assert.Equal(t, []history.Edge{{ParentID: first.ID, Type: history.EdgeParent}}, second.Parents)

	got := e.branch(b.ID)
	assert.Equal(t, second.ID, got.Tip())
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.MessagesAppended.WithLabelValues("user")))
	assert.Equal(t, []events.Type{events.BranchCreated, events.MessageCreated, events.MessageCreated}, e.events.Types())
}

func TestAppendMessage_Idempotent(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	req := AppendRequest{BranchID: b.ID, Role: history.RoleUser, Content: map[string]any{"text": "once"}, IdempotencyKey: "k1"}

	first, err := e.AppendMessage(context.Background(), req)
	require.NoError(t, err)
	second, err := e.AppendMessage(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, e.branch(b.ID).Version)
}

func TestDeactivateBranch(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	e.say(b.ID, history.RoleUser, "hi")

	got, err := e.DeactivateBranch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = e.AppendMessage(context.Background(), AppendRequest{BranchID: b.ID, Role: history.RoleUser})
	assert.ErrorIs(t, err, history.ErrNotFound)
	_, err = e.PutMemory(context.Background(), PutMemoryRequest{BranchID: b.ID, Key: "k", Value: "v"})
	assert.ErrorIs(t, err, history.ErrNotFound)

	// Still readable.
	page, err := e.ListMessages(context.Background(), b.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestGetBranchTip(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()

	tip, err := e.GetBranchTip(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Nil(t, tip)

	m := e.say(b.ID, history.RoleUser, "hi")
	tip, err = e.GetBranchTip(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, tip.ID)
}

func TestListMessages_Paging(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		e.say(b.ID, history.RoleUser, s)
	}
	ctx := context.Background()

	page, err := e.ListMessages(ctx, b.ID, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, texts(page.Messages))
	require.True(t, page.HasMore)

	// Appends after the first page do not shift later pages.
	e.say(b.ID, history.RoleUser, "6")

	page, err = e.ListMessages(ctx, b.ID, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, texts(page.Messages))

	page, err = e.ListMessages(ctx, b.ID, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, texts(page.Messages))
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	_, err = e.ListMessages(ctx, b.ID, "garbage!", 2)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)

	other := e.mainBranch()
	e.say(other.ID, history.RoleUser, "elsewhere")
	foreign := encodeCursor(pageCursor{Tip: e.branch(other.ID).Tip()})
	_, err = e.ListMessages(ctx, b.ID, foreign, 2)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestListMessages_EmptyAndLimits(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()

	page, err := e.ListMessages(context.Background(), b.ID, "", 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestForkBranch(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	e.say(b.ID, history.RoleUser, "1")
	m2 := e.say(b.ID, history.RoleUser, "2")
	e.say(b.ID, history.RoleUser, "3")
	before := e.branch(b.ID)
	ctx := context.Background()

	fork, err := e.ForkBranch(ctx, b.ID, "alt", "", m2.ID)
	require.NoError(t, err)
	assert.Equal(t, m2.ID, fork.Tip())
	assert.Equal(t, b.ID, *fork.OriginBranchID)
	assert.EqualValues(t, 0, fork.Version)

	page, err := e.ListMessages(ctx, fork.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, texts(page.Messages))

	after := e.branch(b.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Tip(), after.Tip())

	e.say(fork.ID, history.RoleUser, "2b")
	page, err = e.ListMessages(ctx, b.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, texts(page.Messages))

	_, err = e.ForkBranch(ctx, b.ID, "bad", "", "not-on-path")
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
	_, err = e.ForkBranch(ctx, b.ID, " ", "", "")
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
	_, err = e.ForkBranch(ctx, b.ID, "alt", "", "")
	assert.ErrorIs(t, err, history.ErrInvalidArgument, "names are unique per thread")
	_, err = e.CreateBranch(ctx, CreateBranchRequest{ThreadID: b.ThreadID, Name: "x", AtMessageID: m2.ID})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestPutMemory(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	ctx := context.Background()

	_, err := e.PutMemory(ctx, PutMemoryRequest{BranchID: b.ID, Key: "k", Value: "v"})
	assert.ErrorIs(t, err, history.ErrInvalidArgument, "empty branch has no anchor")

	m := e.say(b.ID, history.RoleUser, "hi")
	f, err := e.PutMemory(ctx, PutMemoryRequest{BranchID: b.ID, Key: " city ", Value: "Lisbon", Confidence: 0.6})
	require.NoError(t, err)
	assert.Equal(t, "city", f.Key)
	assert.Equal(t, history.MemoryFactType, f.Type)
	assert.Equal(t, m.ID, f.MessageID)

	for _, req := range []PutMemoryRequest{
		{BranchID: b.ID, Key: ""},
		{BranchID: b.ID, Key: "k", Type: "gossip"},
		{BranchID: b.ID, Key: "k", Confidence: 1.5},
	} {
		_, err := e.PutMemory(ctx, req)
		assert.ErrorIs(t, err, history.ErrInvalidArgument, "%+v", req)
	}

	facts, err := e.GetMemories(ctx, b.ThreadID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Lisbon", facts[0].Value)
	assert.Contains(t, e.events.Types(), events.MemoryUpdated)
}

func TestFollowups_ReplyThenExtract(t *testing.T) {
	replies := &fakeReplies{}
	e := newTestEngine(t, Options{Replies: replies, Extractor: extraction.NewPatternExtractor()})
	b := e.mainBranch()
	ctx := context.Background()

	e.say(b.ID, history.RoleUser, "My name is Ada. Keep it formal.")

	page, err := e.ListMessages(ctx, b.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	reply := page.Messages[1]
	assert.Equal(t, history.RoleAssistant, reply.Role)
	assert.Equal(t, "Noted.", reply.Text())
	assert.Equal(t, page.Messages[0].ID, reply.Content["reply_to"])
	assert.Equal(t, []string{"My name is Ada. Keep it formal."}, replies.seen)

	fs, err := e.ListFollowups(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	for _, f := range fs {
		assert.Equal(t, history.FollowupCompleted, f.Status, f.Kind)
		assert.Equal(t, 1, f.Attempts)
	}
	assert.Equal(t, reply.ID, followupOf(t, fs, history.FollowupExtract).MessageID)

	c, err := e.GetContext(ctx, b.ID, contextbuilder.DefaultPolicy())
	require.NoError(t, err)
	got := map[string]string{}
	for _, f := range c.Memory {
		got[f.Key] = f.Value
	}
	assert.Equal(t, map[string]string{"user.name": "Ada", "tone": "formal"}, got)
	require.NotNil(t, c.Summary)
	assert.Contains(t, c.Summary.Content, "Assistant: Noted.")

	assert.Equal(t, []events.Type{
		events.BranchCreated,
		events.MessageCreated,
		events.MessageCreated,
		events.SummaryUpdated,
		events.MemoryUpdated,
	}, e.events.Types())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Followups.WithLabelValues("reply", "completed")))
}

func TestFollowups_FailureAndRetry(t *testing.T) {
	replies := &fakeReplies{err: errors.New("invalid request")}
	e := newTestEngine(t, Options{Replies: replies})
	b := e.mainBranch()
	ctx := context.Background()

	e.say(b.ID, history.RoleUser, "hi")
	assert.Equal(t, 1, replies.calls, "non-retryable errors are not retried")

	fs, err := e.ListFollowups(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	failed := fs[0]
	assert.Equal(t, history.FollowupFailed, failed.Status)
	assert.Contains(t, failed.LastError, "invalid request")
	assert.EqualValues(t, 1, e.branch(b.ID).Version, "no reply was appended")

	replies.err = nil
	got, err := e.RetryFollowup(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, history.FollowupCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.EqualValues(t, 2, e.branch(b.ID).Version)

	_, err = e.RetryFollowup(ctx, failed.ID)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
	_, err = e.RetryFollowup(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestFollowups_TransientErrorRetried(t *testing.T) {
	replies := &fakeReplies{err: errors.New("503 service unavailable")}
	e := newTestEngine(t, Options{Replies: replies})
	b := e.mainBranch()

	e.say(b.ID, history.RoleUser, "hi")
	assert.Equal(t, 2, replies.calls)
}

func TestProcessFollowup_CompletedIsNoop(t *testing.T) {
	replies := &fakeReplies{}
	e := newTestEngine(t, Options{Replies: replies})
	b := e.mainBranch()
	e.say(b.ID, history.RoleUser, "hi")

	fs, err := e.ListFollowups(context.Background(), b.ID)
	require.NoError(t, err)
	require.NoError(t, e.ProcessFollowup(context.Background(), fs[0].ID))
	assert.Equal(t, 1, replies.calls)
	assert.EqualValues(t, 2, e.branch(b.ID).Version)
}

func TestMerge_EmitsEvents(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	ctx := context.Background()
	e.say(b.ID, history.RoleUser, "root")
	fork, err := e.ForkBranch(ctx, b.ID, "alt", "", "")
	require.NoError(t, err)
	e.say(b.ID, history.RoleUser, "main")
	e.say(fork.ID, history.RoleUser, "alt")
	_, err = e.PutMemory(ctx, PutMemoryRequest{BranchID: fork.ID, Key: "pet", Value: "cat"})
	require.NoError(t, err)

	rec, err := e.Merge(ctx, MergeRequest{ThreadID: b.ThreadID, SourceBranchID: fork.ID, TargetBranchID: b.ID, Strategy: history.StrategyAppendLast})
	require.NoError(t, err)
	assert.Equal(t, rec.MergeMessageID, e.branch(b.ID).Tip())

	types := e.events.Types()
	assert.Equal(t, []events.Type{events.MessageCreated, events.MergeCompleted, events.MemoryUpdated}, types[len(types)-3:])
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Merges.WithLabelValues("append-last", "committed")))

	merges, err := e.ListMerges(ctx, b.ThreadID)
	require.NoError(t, err)
	require.Len(t, merges, 1)
	got, err := e.GetMerge(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = e.Merge(ctx, MergeRequest{ThreadID: b.ThreadID, SourceBranchID: fork.ID, TargetBranchID: b.ID, Strategy: history.StrategyAppendLast})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Merges.WithLabelValues("append-last", "error")))
}

func TestDiffAndLCA(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	ctx := context.Background()
	root := e.say(b.ID, history.RoleUser, "root")
	fork, err := e.ForkBranch(ctx, b.ID, "alt", "", "")
	require.NoError(t, err)
	e.say(fork.ID, history.RoleUser, "alt")

	lca, err := e.FindLCA(ctx, fork.ID, b.ID, ancestry.Options{})
	require.NoError(t, err)
	require.NotNil(t, lca.LCAID())
	assert.Equal(t, root.ID, *lca.LCAID())

	res, err := e.Diff(ctx, fork.ID, b.ID, "", ancestry.Options{})
	require.NoError(t, err)
	assert.Equal(t, diff.ModeMessages, res.Mode)
	assert.Len(t, res.SrcDelta, 1)
	assert.Empty(t, res.TgtDelta)

	other := e.mainBranch()
	_, err = e.FindLCA(ctx, fork.ID, other.ID, ancestry.Options{})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestGetContext_InvalidPolicy(t *testing.T) {
	e := newTestEngine(t, Options{})
	b := e.mainBranch()
	_, err := e.GetContext(context.Background(), b.ID, contextbuilder.Policy{WindowSize: -1})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func (e *testEngine) memoryOf(branchID string) map[string]string {
	e.t.Helper()
	c, err := e.GetContext(context.Background(), branchID, contextbuilder.DefaultPolicy())
	require.NoError(e.t, err)
	out := map[string]string{}
	for _, f := range c.Memory {
		out[f.Key] = f.Value
	}
	return out
}

func TestForkMemoryStaysOnFork(t *testing.T) {
	e := newTestEngine(t, Options{})
	main := e.mainBranch()
	ctx := context.Background()
	e.say(main.ID, history.RoleUser, "u1")
	e.say(main.ID, history.RoleAssistant, "a1")
	fork, err := e.ForkBranch(ctx, main.ID, "casual", "", "")
	require.NoError(t, err)

	_, err = e.PutMemory(ctx, PutMemoryRequest{BranchID: main.ID, Key: "tone", Value: "formal", Type: history.MemoryPreference})
	require.NoError(t, err)
	_, err = e.PutMemory(ctx, PutMemoryRequest{BranchID: fork.ID, Key: "tone", Value: "casual", Type: history.MemoryPreference})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"tone": "formal"}, e.memoryOf(main.ID), "fork writes stay off the source")
	assert.Equal(t, map[string]string{"tone": "casual"}, e.memoryOf(fork.ID))

	res, err := e.Diff(ctx, fork.ID, main.ID, diff.ModeMemory, ancestry.Options{})
	require.NoError(t, err)
	require.Len(t, res.Memory.Conflicts, 1)
	assert.Empty(t, res.Memory.Modified)
	c := res.Memory.Conflicts[0]
	assert.Equal(t, "tone", c.Key)
	assert.Equal(t, "casual", c.Left.Value)
	assert.Equal(t, "formal", c.Right.Value)

	_, err = e.PutMemory(ctx, PutMemoryRequest{BranchID: main.ID, Key: "city", Value: "Lisbon"})
	require.NoError(t, err)
	assert.NotContains(t, e.memoryOf(fork.ID), "city", "source writes after the fork are not inherited")
}

func TestForkInheritsMemoryWrittenBeforeFork(t *testing.T) {
	e := newTestEngine(t, Options{})
	main := e.mainBranch()
	ctx := context.Background()
	e.say(main.ID, history.RoleUser, "u1")
	_, err := e.PutMemory(ctx, PutMemoryRequest{BranchID: main.ID, Key: "tone", Value: "formal"})
	require.NoError(t, err)

	fork, err := e.ForkBranch(ctx, main.ID, "alt", "", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tone": "formal"}, e.memoryOf(fork.ID))

	_, err = e.PutMemory(ctx, PutMemoryRequest{BranchID: fork.ID, Key: "tone", Value: "casual"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tone": "formal"}, e.memoryOf(main.ID))

	res, err := e.Diff(ctx, fork.ID, main.ID, diff.ModeMemory, ancestry.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Memory.Conflicts, "only the fork changed tone")
	require.Len(t, res.Memory.Modified, 1)
	assert.Equal(t, "tone", res.Memory.Modified[0].Key)
}

type blockingReplies struct {
	release chan struct{}
}

func (b blockingReplies) Generate(ctx context.Context, c *contextbuilder.Context) (string, error) {
	<-b.release
	return "Later.", nil
}

func TestAsyncDispatcher_CloseDrainsFollowups(t *testing.T) {
	replies := blockingReplies{release: make(chan struct{})}
	e := newTestEngine(t, Options{Replies: replies})
	d := NewAsyncDispatcher(e.Engine)
	e.SetDispatcher(d)
	b := e.mainBranch()
	ctx := context.Background()
	e.say(b.ID, history.RoleUser, "hi")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(short), context.DeadlineExceeded)

	close(replies.release)
	require.NoError(t, d.Close(ctx))

	fs, err := e.ListFollowups(ctx, b.ID)
	require.NoError(t, err)
	reply := followupOf(t, fs, history.FollowupReply)
	assert.Equal(t, history.FollowupCompleted, reply.Status)
	assert.EqualValues(t, 2, e.branch(b.ID).Version)

	assert.Error(t, d.Dispatch(ctx, reply), "closed dispatcher refuses new work")
}
