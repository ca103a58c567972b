package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SessionRecordModel backs pkg/models.SessionRecord — the durable header
// row for a cascade run, independent of the in-memory models.Echo used
// while the run is live (spec §4.11, §6).
type SessionRecordModel struct {
	bun.BaseModel `bun:"table:session_records,alias:sr"`

	ID                     uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SessionID              string     `bun:"session_id,notnull,unique" json:"session_id"`
	CascadeID              string     `bun:"cascade_id,notnull" json:"cascade_id"`
	ParentSessionID         string     `bun:"parent_session_id" json:"parent_session_id,omitempty"`
	Depth                  int        `bun:"depth,default:0" json:"depth"`
	CallerID               string     `bun:"caller_id" json:"caller_id,omitempty"`
	InvocationMetadataJSON string     `bun:"invocation_metadata_json,type:jsonb" json:"invocation_metadata_json,omitempty"`
	GenusHash              string     `bun:"genus_hash" json:"genus_hash,omitempty"`
	Status                 string     `bun:"status,notnull,default:'running'" json:"status"`
	StartedAt              time.Time  `bun:"started_at,notnull,default:current_timestamp" json:"started_at"`
	EndedAt                *time.Time `bun:"ended_at" json:"ended_at,omitempty"`
}

// TableName returns the table name for SessionRecordModel.
func (SessionRecordModel) TableName() string {
	return "session_records"
}

// BeforeInsert assigns defaults consistent with the teacher's model hooks.
func (s *SessionRecordModel) BeforeInsert(ctx interface{}) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	return nil
}
