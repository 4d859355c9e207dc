package session

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/quote-assistant/internal/assistant"
	"github.com/suPer8Hu/quote-assistant/internal/commit"
	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/guard"
	"github.com/suPer8Hu/quote-assistant/internal/quote"
	"github.com/suPer8Hu/quote-assistant/internal/transcript"
)

var (
	ErrBusy   = errors.New("session: another request is in progress")
	ErrClosed = errors.New("session: closed")
)

// Company identifies who the quotes are created for. It is passed in at
// construction and never looked up from ambient state.
type Company struct {
	ID         string
	Name       string
	FirstQuote bool
}

type TurnClient interface {
	Turn(ctx context.Context, in assistant.TurnRequest) (*assistant.TurnReply, error)
}

type CommitClient interface {
	Commit(ctx context.Context, in commit.Request) (*commit.Result, error)
}

type Options struct {
	Cooldown        time.Duration
	AutoCommitDelay time.Duration
	// ContextWindow bounds the history sent with each chat turn.
	ContextWindow int
	// CommitWindow bounds the history sent with a commit.
	CommitWindow int
	// QuoteDetailPath is a fmt pattern taking the quote id.
	QuoteDetailPath string
}

const (
	DefaultAutoCommitDelay = 2 * time.Second
	DefaultContextWindow   = 20
	DefaultQuoteDetailPath = "/quotes/%s"
)

func (o Options) withDefaults() Options {
	if o.Cooldown <= 0 {
		o.Cooldown = guard.DefaultCooldown
	}
	if o.AutoCommitDelay <= 0 {
		o.AutoCommitDelay = DefaultAutoCommitDelay
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.CommitWindow <= 0 {
		o.CommitWindow = commit.DefaultHistoryWindow
	}
	if o.QuoteDetailPath == "" {
		o.QuoteDetailPath = DefaultQuoteDetailPath
	}
	return o
}

// CommitEvent describes one commit attempt. QuoteID is set on success, Err
// on failure.
type CommitEvent struct {
	SessionID string
	CompanyID string
	Trigger   guard.Trigger
	Amount    float64
	QuoteID   string
	Err       error
	// Entries is the transcript length when the commit finished.
	Entries  int
	Started  time.Time
	Finished time.Time
}

// AutoTrigger records an automatic commit armed by a closing phrase instead
// of the structured flag, so false triggers can be reviewed.
type AutoTrigger struct {
	SessionID string
	Phrase    string
	Reply     string
	At        time.Time
}

// Hooks are called after the controller lock is released, on the goroutine
// that caused the change.
type Hooks struct {
	OnEntry        func(sessionID string, e transcript.Entry)
	OnCommitStart  func(ev CommitEvent)
	OnCommitFinish func(ev CommitEvent)
	// OnCommitted replaces navigation when the session runs embedded in
	// another view.
	OnCommitted   func(quoteID string)
	OnAutoTrigger func(ev AutoTrigger)
	OnChange      func(s Snapshot)
}

type State string

const (
	StateGreeting      State = "greeting"
	StateAwaitingInput State = "awaiting_input"
	StateAwaitingReply State = "awaiting_reply"
	StateCommitting    State = "committing"
)

type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

type Notice struct {
	Level     NoticeLevel  `json:"level"`
	Message   string       `json:"message"`
	Kind      failure.Kind `json:"kind,omitempty"`
	Retryable bool         `json:"retryable"`
}

func errorNotice(err error) *Notice {
	n := &Notice{Level: NoticeError, Message: failure.Message(err), Kind: failure.KindOf(err)}
	var fe *failure.Error
	if errors.As(err, &fe) {
		n.Retryable = fe.Retryable()
	}
	return n
}

// Snapshot is the observable session state handed to the UI layer.
type Snapshot struct {
	SessionID       string             `json:"session_id"`
	State           State              `json:"state"`
	DraftReady      bool               `json:"draft_ready"`
	Transcript      []transcript.Entry `json:"transcript"`
	Loading         bool               `json:"loading"`
	Draft           *quote.Draft       `json:"draft,omitempty"`
	Suggestions     []string           `json:"suggestions"`
	Affordances     []guard.Affordance `json:"affordances"`
	Notice          *Notice            `json:"notice,omitempty"`
	UpgradeRequired bool               `json:"upgrade_required"`
	CommitPending   bool               `json:"commit_pending"`
	QuoteID         string             `json:"quote_id,omitempty"`
	NavigateTo      string             `json:"navigate_to,omitempty"`
}
