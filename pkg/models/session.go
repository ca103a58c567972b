package models

import "time"

// SessionStatus mirrors the teacher's WorkflowStatus/ExecutionStatus idiom,
// retargeted to a cascade session's lifecycle.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusSuspended SessionStatus = "suspended"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// HistoryEntry is one ordered conversation-trace entry in an Echo (§3).
type HistoryEntry struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// ContentHash is the sha256 of Content, used for context_hashes
	// closure checks (§3 Invariants).
	ContentHash string `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// LineageEntry is one completed-cell record in an Echo (§3).
type LineageEntry struct {
	Cell       string         `json:"cell"`
	Output     any            `json:"output"`
	Model      string         `json:"model,omitempty"`
	Cost       *float64       `json:"cost,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Checkpoint is a pending human-input record in an Echo (§3, §7).
type Checkpoint struct {
	CheckpointID string         `json:"checkpoint_id"`
	CellName     string         `json:"cell_name"`
	Reason       string         `json:"reason"`
	Presentation map[string]any `json:"presentation,omitempty"`
	ResumeToken  string         `json:"resume_token"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Echo is the in-memory mutable session record (§3). Echo is single-writer
// within a cell; candidate attempts hold their own shadow view (§5) created
// via Fork and merged back only on winner selection.
type Echo struct {
	SessionID       string   `json:"session_id"`
	CascadeID       string   `json:"cascade_id"`
	ParentSessionID string   `json:"parent_session_id,omitempty"`
	Depth           int      `json:"depth"`

	History     []HistoryEntry          `json:"history"`
	Lineage     []LineageEntry          `json:"lineage"`
	State       map[string]any          `json:"state"`
	Outputs     map[string]any          `json:"outputs"`
	Checkpoints []Checkpoint            `json:"checkpoints"`

	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// NewEcho creates a fresh Echo for a new session.
func NewEcho(sessionID, cascadeID, parentSessionID string, depth int) *Echo {
	return &Echo{
		SessionID:       sessionID,
		CascadeID:       cascadeID,
		ParentSessionID: parentSessionID,
		Depth:           depth,
		History:         make([]HistoryEntry, 0, 16),
		Lineage:         make([]LineageEntry, 0, 8),
		State:           make(map[string]any),
		Outputs:         make(map[string]any),
		Status:          SessionStatusRunning,
		StartedAt:       time.Now(),
	}
}

// AppendHistory appends a history entry and returns its content hash.
func (e *Echo) AppendHistory(role, content string, metadata map[string]any) HistoryEntry {
	entry := HistoryEntry{
		Role:        role,
		Content:     content,
		Metadata:    metadata,
		ContentHash: ContentHash(content),
		Timestamp:   time.Now(),
	}
	e.History = append(e.History, entry)
	return entry
}

// AppendLineage records a completed cell.
func (e *Echo) AppendLineage(cell string, output any, model string, cost *float64, durationMs int64) {
	e.Lineage = append(e.Lineage, LineageEntry{
		Cell: cell, Output: output, Model: model, Cost: cost, DurationMs: durationMs,
	})
	e.Outputs[cell] = output
}

// ContextHashesKnown returns the set of content hashes present in history so
// far — used to check the context_hashes ⊆ known-hashes invariant (§3, §8).
func (e *Echo) ContextHashesKnown() map[string]bool {
	out := make(map[string]bool, len(e.History))
	for _, h := range e.History {
		out[h.ContentHash] = true
	}
	return out
}

// Fork creates an independent shadow copy of the Echo for a candidate
// attempt. Attempts share no mutable state (§5); merging back into the
// parent only happens on winner selection via MergeWinner.
func (e *Echo) Fork() *Echo {
	clone := &Echo{
		SessionID:       e.SessionID,
		CascadeID:       e.CascadeID,
		ParentSessionID: e.ParentSessionID,
		Depth:           e.Depth,
		History:         append([]HistoryEntry(nil), e.History...),
		Lineage:         append([]LineageEntry(nil), e.Lineage...),
		State:           cloneAnyMap(e.State),
		Outputs:         cloneAnyMap(e.Outputs),
		Checkpoints:     append([]Checkpoint(nil), e.Checkpoints...),
		Status:          e.Status,
		StartedAt:       e.StartedAt,
	}
	return clone
}

// MergeWinner folds a winning attempt's shadow Echo state back into e.
func (e *Echo) MergeWinner(winner *Echo, cellName string) {
	if len(winner.History) > len(e.History) {
		e.History = append(e.History, winner.History[len(e.History):]...)
	}
	for k, v := range winner.State {
		e.State[k] = v
	}
	if out, ok := winner.Outputs[cellName]; ok {
		e.Outputs[cellName] = out
	}
}

func cloneAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SessionRecord is the persisted session row (§6 "Session record table").
type SessionRecord struct {
	SessionID            string    `json:"session_id"`
	CascadeID             string    `json:"cascade_id"`
	ParentSessionID       string    `json:"parent_session_id,omitempty"`
	Depth                 int       `json:"depth"`
	CallerID              string    `json:"caller_id,omitempty"`
	InvocationMetadataJSON string   `json:"invocation_metadata_json,omitempty"`
	GenusHash             string    `json:"genus_hash"`
	Status                SessionStatus `json:"status"`
	StartedAt             time.Time `json:"started_at"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
}
