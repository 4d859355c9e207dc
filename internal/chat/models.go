package chat

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCommitted SessionStatus = "committed"
)

type Session struct {
	ID              uint64        `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID       string        `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	CompanyID       string        `gorm:"type:varchar(64);index;not null" json:"company_id"`
	CompanyName     string        `gorm:"type:varchar(128)" json:"company_name"`
	FirstQuote      bool          `gorm:"not null;default:false" json:"first_quote"`
	RemoteSessionID string        `gorm:"type:varchar(128)" json:"-"`
	Status          SessionStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	QuoteID         *string       `gorm:"type:varchar(64)" json:"quote_id"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message is one persisted transcript entry.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_company_session,priority:2" json:"session_id"`
	CompanyID string    `gorm:"type:varchar(64);not null;index:idx_chat_msg_company_session,priority:1" json:"-"`
	Role      string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// TriggerAudit records an automatic commit armed by a closing phrase, for
// false-trigger review.
type TriggerAudit struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"type:varchar(26);index;not null" json:"session_id"`
	Phrase    string    `gorm:"type:varchar(64);not null" json:"phrase"`
	Reply     string    `gorm:"type:text;not null" json:"reply"`
	CreatedAt time.Time `json:"created_at"`
}

func (TriggerAudit) TableName() string { return "commit_trigger_audits" }

// QuoteEvent is an analytics event stored by the worker.
type QuoteEvent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"event_id"`
	Type       EventType `gorm:"type:varchar(32);index;not null" json:"type"`
	SessionID  string    `gorm:"type:varchar(26);index;not null" json:"session_id"`
	CompanyID  string    `gorm:"type:varchar(64);index;not null" json:"company_id"`
	QuoteID    string    `gorm:"type:varchar(64)" json:"quote_id"`
	Amount     float64   `json:"amount"`
	Entries    int       `json:"entries"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (QuoteEvent) TableName() string { return "quote_events" }

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{&Session{}, &Message{}, &CommitAttempt{}, &TriggerAudit{}, &QuoteEvent{}}
}
