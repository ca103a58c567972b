package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smilemakc/cascaded/pkg/models"
)

// Checkpoint is the serializable suspension record the runner produces when
// a cell raises a "checkpoint needed" signal (§4.11 point 6, §7). It
// captures exactly enough state to resume in the same process or a later
// one: an echo snapshot, the cell to re-enter, and the resume mode.
type Checkpoint struct {
	SessionID    string       `json:"session_id"`
	CheckpointID string       `json:"checkpoint_id"`
	CellName     string       `json:"cell_name"`
	Reason       string       `json:"reason"` // human_checkpoint|decision_point|human_evaluator|sub_cascade|audible
	ResumeMode   string       `json:"resume_mode"`
	Echo         *models.Echo `json:"echo"`
	CreatedAt    time.Time    `json:"created_at"`
	Presentation map[string]any `json:"presentation,omitempty"`
}

// Serialize JSON-encodes the checkpoint for persistence (§6 session table,
// §9 "model as serializable checkpoints").
func (c *Checkpoint) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// DeserializeCheckpoint decodes a previously serialized checkpoint.
func DeserializeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("deserialize checkpoint: %w", err)
	}
	return &c, nil
}

// resumeClaims is the JWT payload signing a checkpoint's identity so a
// resume call can be verified without a DB round trip (SPEC_FULL.md domain
// stack: golang-jwt).
type resumeClaims struct {
	jwt.RegisteredClaims
	SessionID    string `json:"sid"`
	CheckpointID string `json:"cid"`
	CellName     string `json:"cell"`
}

// TokenSigner signs and verifies resume tokens for suspended checkpoints.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner creates a signer with the given HMAC secret.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret}
}

// Sign produces a resume token identifying the exact checkpoint (§7
// "Suspensions return a resume token identifying the exact checkpoint").
func (s *TokenSigner) Sign(c *Checkpoint) (string, error) {
	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
		},
		SessionID:    c.SessionID,
		CheckpointID: c.CheckpointID,
		CellName:     c.CellName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a resume token, returning its identity
// fields.
func (s *TokenSigner) Verify(tokenString string) (sessionID, checkpointID, cellName string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &resumeClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", "", "", fmt.Errorf("parse resume token: %w", err)
	}
	claims, ok := token.Claims.(*resumeClaims)
	if !ok || !token.Valid {
		return "", "", "", fmt.Errorf("invalid resume token")
	}
	return claims.SessionID, claims.CheckpointID, claims.CellName, nil
}

// CheckpointStore persists and retrieves suspended checkpoints, keyed by
// (session_id, checkpoint_id). A production store is backed by the session
// table (§6); an in-memory implementation suffices for tests and for
// same-process resumes.
type CheckpointStore interface {
	Save(c *Checkpoint) error
	Load(sessionID, checkpointID string) (*Checkpoint, error)
	Delete(sessionID, checkpointID string) error
}

// InMemoryCheckpointStore is a concurrency-safe in-memory CheckpointStore
// when built with NewInMemoryCheckpointStore, suitable for single-process
// deployments and tests. A zero-value store creates its lock on first use
// and is safe only once that first call has returned.
type InMemoryCheckpointStore struct {
	mu    chanMutex
	items map[string]*Checkpoint
}

// chanMutex is a zero-value-usable mutex built on a buffered channel, used
// here instead of sync.Mutex purely so the zero value of
// InMemoryCheckpointStore needs no constructor call in tests.
type chanMutex chan struct{}

func (m *chanMutex) lock() {
	if *m == nil {
		*m = make(chanMutex, 1)
	}
	*m <- struct{}{}
}

func (m *chanMutex) unlock() {
	<-*m
}

// NewInMemoryCheckpointStore creates an empty store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{mu: make(chanMutex, 1), items: make(map[string]*Checkpoint)}
}

func checkpointKey(sessionID, checkpointID string) string {
	return sessionID + "/" + checkpointID
}

func (s *InMemoryCheckpointStore) Save(c *Checkpoint) error {
	s.mu.lock()
	defer s.mu.unlock()
	if s.items == nil {
		s.items = make(map[string]*Checkpoint)
	}
	s.items[checkpointKey(c.SessionID, c.CheckpointID)] = c
	return nil
}

func (s *InMemoryCheckpointStore) Load(sessionID, checkpointID string) (*Checkpoint, error) {
	s.mu.lock()
	defer s.mu.unlock()
	c, ok := s.items[checkpointKey(sessionID, checkpointID)]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s/%s not found", sessionID, checkpointID)
	}
	return c, nil
}

func (s *InMemoryCheckpointStore) Delete(sessionID, checkpointID string) error {
	s.mu.lock()
	defer s.mu.unlock()
	delete(s.items, checkpointKey(sessionID, checkpointID))
	return nil
}
