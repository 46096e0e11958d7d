package history

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleMerge     Role = "merge"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleMerge:
		return true
	}
	return false
}

type EdgeType string

const (
	EdgeParent EdgeType = "parent"
	EdgeMerge  EdgeType = "merge"
)

// Edge points from the owning message to one of its parents.
type Edge struct {
	ParentID string   `json:"parent_id"`
	Type     EdgeType `json:"type"`
}

type Thread struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Branch is a named, versioned pointer into a thread's message DAG.
// Version increases by one every time the tip moves.
type Branch struct {
	ID              string    `json:"id"`
	ThreadID        string    `json:"thread_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	OriginBranchID  *string   `json:"origin_branch_id"`
	OriginMessageID *string   `json:"origin_message_id"`
	TipMessageID    *string   `json:"tip_message_id"`
	Version         int64     `json:"version"`
	// ForkSeq orders branch creation against summary and fact writes. A
	// fork inherits only the origin writes sequenced before it.
	ForkSeq         int64     `json:"fork_seq"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Tip returns the tip id, or "" for an empty branch.
func (b *Branch) Tip() string {
	if b.TipMessageID == nil {
		return ""
	}
	return *b.TipMessageID
}

type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	BranchID  string         `json:"branch_id"`
	Role      Role           `json:"role"`
	Content   map[string]any `json:"content"`
	Parents   []Edge         `json:"parents"`
	Seq       int64          `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
}

// PrimaryParent returns the first parent-typed edge target.
func (m *Message) PrimaryParent() (string, bool) {
	for _, e := range m.Parents {
		if e.Type == EdgeParent {
			return e.ParentID, true
		}
	}
	return "", false
}

// Text returns content["text"] when it is a string.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	if s, ok := m.Content["text"].(string); ok {
		return s
	}
	return ""
}

type Summary struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	BranchID   string    `json:"branch_id"`
	MessageID  string    `json:"message_id"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Version    int       `json:"version"`
	Seq        int64     `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

type MemoryType string

const (
	MemoryFactType     MemoryType = "fact"
	MemoryPreference   MemoryType = "preference"
	MemoryContext      MemoryType = "context"
	MemoryRelationship MemoryType = "relationship"
)

func (t MemoryType) Valid() bool {
	switch t {
	case MemoryFactType, MemoryPreference, MemoryContext, MemoryRelationship:
		return true
	}
	return false
}

// MemoryFact is one version of a key. Versions are append-only and
// anchored to the message that produced them.
type MemoryFact struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id"`
	BranchID   string     `json:"branch_id"`
	MessageID  string     `json:"message_id"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Type       MemoryType `json:"memory_type"`
	Confidence float64    `json:"confidence"`
	Seq        int64      `json:"seq"`
	CreatedAt  time.Time  `json:"created_at"`
}

// FactInput is a fact proposed by a collaborator, before it is anchored.
type FactInput struct {
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Type       MemoryType `json:"memory_type"`
	Confidence float64    `json:"confidence"`
}

type MergeStrategy string

const (
	StrategyAppendLast MergeStrategy = "append-last"
	StrategyResolver   MergeStrategy = "resolver"
)

func (s MergeStrategy) Valid() bool {
	return s == StrategyAppendLast || s == StrategyResolver
}

// ResolutionNote records how one diverging item was reconciled.
type ResolutionNote struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	SourceValue string `json:"source_value,omitempty"`
	TargetValue string `json:"target_value,omitempty"`
	Resolution  string `json:"resolution"`
}

type MergeRecord struct {
	ID             string           `json:"id"`
	ThreadID       string           `json:"thread_id"`
	SourceBranchID string           `json:"source_branch_id"`
	TargetBranchID string           `json:"target_branch_id"`
	Strategy       MergeStrategy    `json:"strategy"`
	LCAMessageID   *string          `json:"lca_message_id"`
	MergeMessageID string           `json:"merge_message_id"`
	Notes          []ResolutionNote `json:"notes"`
	CreatedAt      time.Time        `json:"created_at"`
}

type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

type IdempotencyRecord struct {
	Scope       string            `json:"scope"`
	Key         string            `json:"key"`
	Status      IdempotencyStatus `json:"status"`
	ResultID    string            `json:"result_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// IdempotencyClaim names a reserved key that a commit should complete.
type IdempotencyClaim struct {
	Scope string
	Key   string
}

type FollowupKind string

const (
	FollowupReply   FollowupKind = "reply"
	FollowupExtract FollowupKind = "extract"
)

type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupRunning   FollowupStatus = "running"
	FollowupCompleted FollowupStatus = "completed"
	FollowupFailed    FollowupStatus = "failed"
)

type Followup struct {
	ID        string         `json:"id"`
	Kind      FollowupKind   `json:"kind"`
	ThreadID  string         `json:"thread_id"`
	BranchID  string         `json:"branch_id"`
	MessageID string         `json:"message_id"`
	Status    FollowupStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AppendCommit is the unit applied atomically by Store.AppendMessage.
type AppendCommit struct {
	Message         *Message
	ExpectedVersion int64
	Followups       []*Followup
	Idempotency     *IdempotencyClaim
}

// MergeCommit is the unit applied atomically by Store.CommitMerge.
type MergeCommit struct {
	Message         *Message
	ExpectedVersion int64
	Record          *MergeRecord
	Summary         *Summary
	Facts           []*MemoryFact
	Idempotency     *IdempotencyClaim
}
