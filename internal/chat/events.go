package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadEvent marks a queue message that can never be processed.
var ErrBadEvent = errors.New("bad event")

type EventType string

const (
	EventQuoteCreated      EventType = "quote_created"
	EventChatSessionLength EventType = "chat_session_length"
)

// Event is the analytics message published after a successful commit.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	CompanyID  string    `json:"company_id"`
	QuoteID    string    `json:"quote_id,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	Entries    int       `json:"entries,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) Row() *QuoteEvent {
	return &QuoteEvent{
		EventID:    e.ID,
		Type:       e.Type,
		SessionID:  e.SessionID,
		CompanyID:  e.CompanyID,
		QuoteID:    e.QuoteID,
		Amount:     e.Amount,
		Entries:    e.Entries,
		OccurredAt: e.OccurredAt,
	}
}

// DecodeEvent parses a queue message body and checks the fields the
// analytics rows need.
func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	switch {
	case e.ID == "":
		return Event{}, fmt.Errorf("%w: missing id", ErrBadEvent)
	case e.SessionID == "" || e.CompanyID == "":
		return Event{}, fmt.Errorf("%w: missing session or company", ErrBadEvent)
	case e.Type != EventQuoteCreated && e.Type != EventChatSessionLength:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrBadEvent, e.Type)
	}
	return e, nil
}
