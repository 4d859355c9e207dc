package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) UpdateRemoteSessionID(ctx context.Context, sessionID, remote string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("remote_session_id", remote).Error
}

func (r *Repo) MarkSessionCommitted(ctx context.Context, sessionID, quoteID string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":   SessionCommitted,
			"quote_id": quoteID,
		}).Error
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, companyID, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("company_id = ? AND session_id = ?", companyID, sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListTranscript returns the whole transcript in ASC id order, for rebuilding
// an evicted session.
func (r *Repo) ListTranscript(ctx context.Context, sessionID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// CommitAttempt CRUD
func (r *Repo) CreateCommitAttempt(ctx context.Context, a *CommitAttempt) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) GetCommitAttempt(ctx context.Context, id string) (*CommitAttempt, error) {
	var a CommitAttempt
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) ListCommitAttempts(ctx context.Context, sessionID string) ([]CommitAttempt, error) {
	var out []CommitAttempt
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) MarkAttemptSucceeded(ctx context.Context, id, quoteID string) error {
	return r.db.WithContext(ctx).Model(&CommitAttempt{}).
		Where("id = ? AND status = ?", id, AttemptRunning).
		Updates(map[string]any{
			"status":     AttemptSucceeded,
			"quote_id":   quoteID,
			"error_kind": nil,
			"error":      nil,
		}).Error
}

func (r *Repo) MarkAttemptFailed(ctx context.Context, id, kind, errMsg string) error {
	return r.db.WithContext(ctx).Model(&CommitAttempt{}).
		Where("id = ? AND status = ?", id, AttemptRunning).
		Updates(map[string]any{
			"status":     AttemptFailed,
			"error_kind": kind,
			"error":      errMsg,
			"quote_id":   nil,
		}).Error
}

func (r *Repo) InsertTriggerAudit(ctx context.Context, a *TriggerAudit) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) ListTriggerAudits(ctx context.Context, sessionID string) ([]TriggerAudit, error) {
	var out []TriggerAudit
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) GetQuoteEventByEventID(ctx context.Context, eventID string) (*QuoteEvent, error) {
	var e QuoteEvent
	if err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertQuoteEventOrGetExisting inserts e, or returns the stored row when an
// event with the same event_id was already recorded (redelivery).
func (r *Repo) InsertQuoteEventOrGetExisting(ctx context.Context, e *QuoteEvent) (*QuoteEvent, bool, error) {
	err := r.db.WithContext(ctx).Create(e).Error
	if err == nil {
		return e, true, nil
	}

	existing, getErr := r.GetQuoteEventByEventID(ctx, e.EventID)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
