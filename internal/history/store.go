package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamFailure = errors.New("upstream failure")
)

// Store persists the message DAG and everything anchored to it.
// AppendMessage and CommitMerge are the only operations that move a tip;
// both compare the branch version and return ErrConflict on mismatch.
type Store interface {
	CreateThread(ctx context.Context, t *Thread) error
	UpdateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context) ([]*Thread, error)

	CreateBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, id string) (*Branch, error)
	ListBranches(ctx context.Context, threadID string) ([]*Branch, error)
	SetBranchActive(ctx context.Context, id string, active bool) (*Branch, error)

	GetMessage(ctx context.Context, id string) (*Message, error)
	AppendMessage(ctx context.Context, c AppendCommit) (*Branch, error)
	CommitMerge(ctx context.Context, c MergeCommit) (*Branch, error)

	PutSummary(ctx context.Context, s *Summary) error
	SummariesAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*Summary, error)
	ListSummaries(ctx context.Context, threadID string) ([]*Summary, error)

	PutMemoryFacts(ctx context.Context, facts []*MemoryFact) error
	FactsAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*MemoryFact, error)
	ListMemoryFacts(ctx context.Context, threadID string) ([]*MemoryFact, error)

	GetMerge(ctx context.Context, id string) (*MergeRecord, error)
	ListMerges(ctx context.Context, threadID string) ([]*MergeRecord, error)

	// ReserveIdempotencyKey returns (nil, nil) when the caller now owns the
	// key, the completed record when the key was already used, and
	// ErrConflict while another holder's reservation is younger than ttl.
	ReserveIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (*IdempotencyRecord, error)
	ReleaseIdempotencyKey(ctx context.Context, scope, key string) error

	GetFollowup(ctx context.Context, id string) (*Followup, error)
	UpdateFollowup(ctx context.Context, f *Followup) error
	ListFollowups(ctx context.Context, branchID string) ([]*Followup, error)
}

// InMemoryStore is a threadsafe Store used by tests and by deployments
// without a database.
type InMemoryStore struct {
	mu        sync.RWMutex
	seq       int64
	threads   map[string]*Thread
	branches  map[string]*Branch
	messages  map[string]*Message
	summaries []*Summary
	facts     []*MemoryFact
	merges    map[string]*MergeRecord
	keys      map[string]*IdempotencyRecord
	followups map[string]*Followup
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:   make(map[string]*Thread),
		branches:  make(map[string]*Branch),
		messages:  make(map[string]*Message),
		merges:    make(map[string]*MergeRecord),
		keys:      make(map[string]*IdempotencyRecord),
		followups: make(map[string]*Followup),
		now:       time.Now,
	}
}

func (s *InMemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *InMemoryStore) CreateThread(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread %s already exists: %w", t.ID, ErrInvalidArgument)
	}
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *InMemoryStore) UpdateThread(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.threads[t.ID]
	if !ok {
		return ErrNotFound
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = s.now()
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *InMemoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(t), nil
}

func (s *InMemoryStore) ListThreads(ctx context.Context) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, cloneThread(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateBranch(ctx context.Context, b *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[b.ThreadID]; !ok {
		return fmt.Errorf("thread %s: %w", b.ThreadID, ErrNotFound)
	}
	for _, other := range s.branches {
		if other.ThreadID == b.ThreadID && other.Name == b.Name {
			return fmt.Errorf("branch name %q already used in thread: %w", b.Name, ErrInvalidArgument)
		}
	}
	b.ForkSeq = s.nextSeq()
	b.CreatedAt = s.now()
	b.UpdatedAt = b.CreatedAt
	s.branches[b.ID] = cloneBranch(b)
	return nil
}

func (s *InMemoryStore) GetBranch(ctx context.Context, id string) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBranch(b), nil
}

func (s *InMemoryStore) ListBranches(ctx context.Context, threadID string) ([]*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Branch
	for _, b := range s.branches {
		if b.ThreadID == threadID {
			out = append(out, cloneBranch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SetBranchActive(ctx context.Context, id string, active bool) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	b.Active = active
	b.UpdatedAt = s.now()
	return cloneBranch(b), nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

// advance checks the version and moves the tip. Caller holds s.mu.
func (s *InMemoryStore) advance(branchID string, expected int64, tip string) (*Branch, error) {
	b, ok := s.branches[branchID]
	if !ok || !b.Active {
		return nil, fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
	}
	if b.Version != expected {
		return nil, fmt.Errorf("branch %s moved to version %d, expected %d: %w", branchID, b.Version, expected, ErrConflict)
	}
	b.TipMessageID = &tip
	b.Version++
	b.UpdatedAt = s.now()
	return b, nil
}

func (s *InMemoryStore) checkParents(m *Message) error {
	for _, e := range m.Parents {
		if _, ok := s.messages[e.ParentID]; !ok {
			return fmt.Errorf("parent %s: %w", e.ParentID, ErrInvalidArgument)
		}
	}
	return nil
}

func (s *InMemoryStore) complete(claim *IdempotencyClaim, resultID string) {
	if claim == nil {
		return
	}
	now := s.now()
	s.keys[claim.Scope+"\x00"+claim.Key] = &IdempotencyRecord{
		Scope:       claim.Scope,
		Key:         claim.Key,
		Status:      IdempotencyCompleted,
		ResultID:    resultID,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, c AppendCommit) (*Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkParents(c.Message); err != nil {
		return nil, err
	}
	b, err := s.advance(c.Message.BranchID, c.ExpectedVersion, c.Message.ID)
	if err != nil {
		return nil, err
	}
	c.Message.Seq = s.nextSeq()
	c.Message.CreatedAt = s.now()
	s.messages[c.Message.ID] = cloneMessage(c.Message)
	for _, f := range c.Followups {
		f.CreatedAt = c.Message.CreatedAt
		f.UpdatedAt = f.CreatedAt
		cp := *f
		s.followups[f.ID] = &cp
	}
	s.complete(c.Idempotency, c.Message.ID)
	return cloneBranch(b), nil
}

func (s *InMemoryStore) CommitMerge(ctx context.Context, c MergeCommit) (*Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkParents(c.Message); err != nil {
		return nil, err
	}
	b, err := s.advance(c.Message.BranchID, c.ExpectedVersion, c.Message.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c.Message.Seq = s.nextSeq()
	c.Message.CreatedAt = now
	s.messages[c.Message.ID] = cloneMessage(c.Message)

	c.Record.CreatedAt = now
	s.merges[c.Record.ID] = cloneMerge(c.Record)
	if c.Summary != nil {
		s.putSummaryLocked(c.Summary)
	}
	for _, f := range c.Facts {
		s.putFactLocked(f)
	}
	s.complete(c.Idempotency, c.Record.ID)
	return cloneBranch(b), nil
}

func (s *InMemoryStore) putSummaryLocked(sum *Summary) {
	version := 0
	for _, existing := range s.summaries {
		if existing.BranchID == sum.BranchID && existing.Version > version {
			version = existing.Version
		}
	}
	sum.Version = version + 1
	sum.Seq = s.nextSeq()
	sum.CreatedAt = s.now()
	cp := *sum
	s.summaries = append(s.summaries, &cp)
}

func (s *InMemoryStore) putFactLocked(f *MemoryFact) {
	f.Seq = s.nextSeq()
	f.CreatedAt = s.now()
	cp := *f
	s.facts = append(s.facts, &cp)
}

func (s *InMemoryStore) PutSummary(ctx context.Context, sum *Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[sum.MessageID]; !ok {
		return fmt.Errorf("summary anchor %s: %w", sum.MessageID, ErrNotFound)
	}
	s.putSummaryLocked(sum)
	return nil
}

func (s *InMemoryStore) SummariesAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, branches := toSet(messageIDs), toSet(branchIDs)
	var out []*Summary
	for _, sum := range s.summaries {
		_, onPath := set[sum.MessageID]
		if _, ok := branches[sum.BranchID]; ok && onPath {
			cp := *sum
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListSummaries(ctx context.Context, threadID string) ([]*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Summary
	for _, sum := range s.summaries {
		if sum.ThreadID == threadID {
			cp := *sum
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) PutMemoryFacts(ctx context.Context, facts []*MemoryFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facts {
		if _, ok := s.messages[f.MessageID]; !ok {
			return fmt.Errorf("memory anchor %s: %w", f.MessageID, ErrNotFound)
		}
	}
	for _, f := range facts {
		s.putFactLocked(f)
	}
	return nil
}

func (s *InMemoryStore) FactsAnchoredAt(ctx context.Context, messageIDs, branchIDs []string) ([]*MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, branches := toSet(messageIDs), toSet(branchIDs)
	var out []*MemoryFact
	for _, f := range s.facts {
		_, onPath := set[f.MessageID]
		if _, ok := branches[f.BranchID]; ok && onPath {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListMemoryFacts(ctx context.Context, threadID string) ([]*MemoryFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MemoryFact
	for _, f := range s.facts {
		if f.ThreadID == threadID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetMerge(ctx context.Context, id string) (*MergeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMerge(m), nil
}

func (s *InMemoryStore) ListMerges(ctx context.Context, threadID string) ([]*MergeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*MergeRecord
	for _, m := range s.merges {
		if m.ThreadID == threadID {
			out = append(out, cloneMerge(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ReserveIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := scope + "\x00" + key
	now := s.now()
	if rec, ok := s.keys[id]; ok {
		if rec.Status == IdempotencyCompleted {
			cp := *rec
			return &cp, nil
		}
		if now.Sub(rec.CreatedAt) < ttl {
			return nil, fmt.Errorf("idempotency key %q is in flight: %w", key, ErrConflict)
		}
	}
	s.keys[id] = &IdempotencyRecord{Scope: scope, Key: key, Status: IdempotencyPending, CreatedAt: now}
	return nil, nil
}

func (s *InMemoryStore) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := scope + "\x00" + key
	if rec, ok := s.keys[id]; ok && rec.Status == IdempotencyPending {
		delete(s.keys, id)
	}
	return nil
}

func (s *InMemoryStore) GetFollowup(ctx context.Context, id string) (*Followup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.followups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *InMemoryStore) UpdateFollowup(ctx context.Context, f *Followup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.followups[f.ID]
	if !ok {
		return ErrNotFound
	}
	f.CreatedAt = old.CreatedAt
	f.UpdatedAt = s.now()
	cp := *f
	s.followups[f.ID] = &cp
	return nil
}

func (s *InMemoryStore) ListFollowups(ctx context.Context, branchID string) ([]*Followup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Followup
	for _, f := range s.followups {
		if f.BranchID == branchID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func cloneThread(t *Thread) *Thread {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneBranch(b *Branch) *Branch {
	cp := *b
	cp.OriginBranchID = cloneStr(b.OriginBranchID)
	cp.OriginMessageID = cloneStr(b.OriginMessageID)
	cp.TipMessageID = cloneStr(b.TipMessageID)
	return &cp
}

func cloneMessage(m *Message) *Message {
	cp := *m
	cp.Parents = append([]Edge(nil), m.Parents...)
	if m.Content != nil {
		cp.Content = make(map[string]any, len(m.Content))
		for k, v := range m.Content {
			cp.Content[k] = v
		}
	}
	return &cp
}

func cloneMerge(m *MergeRecord) *MergeRecord {
	cp := *m
	cp.LCAMessageID = cloneStr(m.LCAMessageID)
	cp.Notes = append([]ResolutionNote(nil), m.Notes...)
	return &cp
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
