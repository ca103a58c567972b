package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	storagemodels "github.com/smilemakc/cascaded/internal/infrastructure/storage/models"
	domainmodels "github.com/smilemakc/cascaded/pkg/models"
)

// SessionRepository persists the durable header row for each cascade run
// (spec §4.11, §6) — independent of the in-memory models.Echo, which lives
// only for the duration of a live run or suspension.
type SessionRepository struct {
	db *bun.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *bun.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session record when a cascade run starts.
func (r *SessionRepository) Create(ctx context.Context, rec domainmodels.SessionRecord) error {
	model, err := toSessionRecordModel(rec)
	if err != nil {
		return err
	}
	model.ID = uuid.New()
	_, err = r.db.NewInsert().Model(model).Exec(ctx)
	return err
}

// UpdateStatus transitions a session to a non-terminal status (e.g.
// suspended) without touching EndedAt.
func (r *SessionRepository) UpdateStatus(ctx context.Context, sessionID string, status domainmodels.SessionStatus) error {
	_, err := r.db.NewUpdate().
		Model((*storagemodels.SessionRecordModel)(nil)).
		Set("status = ?", string(status)).
		Where("session_id = ?", sessionID).
		Exec(ctx)
	return err
}

// Complete transitions a session to a terminal status and stamps EndedAt.
func (r *SessionRepository) Complete(ctx context.Context, sessionID string, status domainmodels.SessionStatus, endedAt time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*storagemodels.SessionRecordModel)(nil)).
		Set("status = ?", string(status)).
		Set("ended_at = ?", endedAt).
		Where("session_id = ?", sessionID).
		Exec(ctx)
	return err
}

// FindBySessionID looks up a session record by its external session ID.
func (r *SessionRepository) FindBySessionID(ctx context.Context, sessionID string) (*domainmodels.SessionRecord, error) {
	model := new(storagemodels.SessionRecordModel)
	err := r.db.NewSelect().
		Model(model).
		Where("session_id = ?", sessionID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := fromSessionRecordModel(model)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountByStatus returns how many session records have the given status.
func (r *SessionRepository) CountByStatus(ctx context.Context, status domainmodels.SessionStatus) (int, error) {
	count, err := r.db.NewSelect().
		Model((*storagemodels.SessionRecordModel)(nil)).
		Where("status = ?", string(status)).
		Count(ctx)
	return count, err
}

// FindChildren returns sub-cascade session records spawned from a parent
// session, used to reconstruct a full invocation tree for analytics.
func (r *SessionRepository) FindChildren(ctx context.Context, parentSessionID string) ([]domainmodels.SessionRecord, error) {
	var rows []*storagemodels.SessionRecordModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("parent_session_id = ?", parentSessionID).
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domainmodels.SessionRecord, 0, len(rows))
	for _, m := range rows {
		rec, err := fromSessionRecordModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toSessionRecordModel(rec domainmodels.SessionRecord) (*storagemodels.SessionRecordModel, error) {
	return &storagemodels.SessionRecordModel{
		SessionID:              rec.SessionID,
		CascadeID:              rec.CascadeID,
		ParentSessionID:        rec.ParentSessionID,
		Depth:                  rec.Depth,
		CallerID:               rec.CallerID,
		InvocationMetadataJSON: rec.InvocationMetadataJSON,
		GenusHash:              rec.GenusHash,
		Status:                 string(rec.Status),
		StartedAt:              rec.StartedAt,
		EndedAt:                rec.EndedAt,
	}, nil
}

func fromSessionRecordModel(m *storagemodels.SessionRecordModel) (domainmodels.SessionRecord, error) {
	return domainmodels.SessionRecord{
		SessionID:              m.SessionID,
		CascadeID:              m.CascadeID,
		ParentSessionID:        m.ParentSessionID,
		Depth:                  m.Depth,
		CallerID:               m.CallerID,
		InvocationMetadataJSON: m.InvocationMetadataJSON,
		GenusHash:              m.GenusHash,
		Status:                 domainmodels.SessionStatus(m.Status),
		StartedAt:              m.StartedAt,
		EndedAt:                m.EndedAt,
	}, nil
}
