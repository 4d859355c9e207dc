package chat

import "time"

type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// CommitAttempt is one call to the quotes endpoint.
type CommitAttempt struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	SessionID string `gorm:"size:26;index;not null"`
	CompanyID string `gorm:"size:64;index;not null"`

	Trigger string  `gorm:"type:varchar(16);not null"`
	Amount  float64 `gorm:"not null;default:0"`

	Status AttemptStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	QuoteID *string `gorm:"type:varchar(64);index"`

	// Filled when failed
	ErrorKind *string `gorm:"type:varchar(32)"`
	Error     *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CommitAttempt) TableName() string { return "commit_attempts" }
