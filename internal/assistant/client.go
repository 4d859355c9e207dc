// Package assistant is the client for the external chat endpoint that turns
// one user message into one assistant reply.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/quote"
	"github.com/suPer8Hu/quote-assistant/internal/transcript"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultMaxReplyChars = 10000

	// TruncationMarker is appended to replies cut at the length ceiling.
	TruncationMarker = "\n\n[Response truncated]"

	maxResponseBody = 2 << 20
)

type TurnRequest struct {
	Message   string
	SessionID string // empty on the first turn
	History   []transcript.Entry
	CompanyID string

	FirstQuote bool
}

type TurnReply struct {
	Text             string
	SessionID        string
	SuggestedReplies []string
	Draft            *quote.Draft

	IsComplete      bool
	UserWantsReview bool
	HasMinimumInfo  bool
	// ReadyToCommit is the structured commit signal. Nil when the upstream
	// did not send it.
	ReadyToCommit *bool

	Truncated bool
}

type Client struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxReplyChars int
	Client        *http.Client
}

func NewClient(endpoint, apiKey string, timeout time.Duration, maxReplyChars int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxReplyChars <= 0 {
		maxReplyChars = DefaultMaxReplyChars
	}
	return &Client{
		Endpoint:      endpoint,
		APIKey:        apiKey,
		Timeout:       timeout,
		MaxReplyChars: maxReplyChars,
		// the per-call context owns the deadline
		Client: &http.Client{},
	}
}

type chatReq struct {
	Message             string             `json:"message"`
	SessionID           *string            `json:"sessionId"`
	ConversationHistory []transcript.Entry `json:"conversationHistory"`
	CompanyID           string             `json:"companyId,omitempty"`
	IsFirstQuote        bool               `json:"isFirstQuote"`
}

type chatResp struct {
	Response         *string      `json:"response"`
	SessionID        string       `json:"sessionId"`
	SuggestedReplies []string     `json:"suggestedReplies"`
	QuoteData        *quote.Draft `json:"quoteData"`
	IsComplete       bool         `json:"isComplete"`
	UserWantsReview  bool         `json:"userWantsReview"`
	HasMinimumInfo   bool         `json:"hasMinimumInfo"`
	ReadyToCommit    *bool        `json:"readyToCommit"`
}

// Turn sends one user message and returns the assistant's reply. Every error
// it returns is a *failure.Error.
func (c *Client) Turn(ctx context.Context, in TurnRequest) (*TurnReply, error) {
	if c.Client == nil {
		return nil, failure.New(failure.OpChat, failure.NetworkFailure, errors.New("assistant: http client is nil"))
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, failure.Validation(failure.OpChat, "Please type a message first.")
	}

	body := chatReq{
		Message:             in.Message,
		ConversationHistory: in.History,
		CompanyID:           in.CompanyID,
		IsFirstQuote:        in.FirstQuote,
	}
	if in.SessionID != "" {
		sid := in.SessionID
		body.SessionID = &sid
	}
	if body.ConversationHistory == nil {
		body.ConversationHistory = []transcript.Entry{}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, failure.New(failure.OpChat, failure.ValidationFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, failure.New(failure.OpChat, failure.NetworkFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, failure.FromTransport(failure.OpChat, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.FromResponse(failure.OpChat, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, failure.FromTransport(failure.OpChat, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, failure.New(failure.OpChat, failure.MalformedResponse, errors.New("empty response body"))
	}

	var decoded chatResp
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, failure.New(failure.OpChat, failure.MalformedResponse, err)
	}
	if decoded.Response == nil {
		return nil, failure.New(failure.OpChat, failure.MalformedResponse, errors.New("response field missing"))
	}

	text, truncated := Truncate(*decoded.Response, c.MaxReplyChars)
	return &TurnReply{
		Text:             text,
		SessionID:        decoded.SessionID,
		SuggestedReplies: decoded.SuggestedReplies,
		Draft:            decoded.QuoteData,
		IsComplete:       decoded.IsComplete,
		UserWantsReview:  decoded.UserWantsReview,
		HasMinimumInfo:   decoded.HasMinimumInfo,
		ReadyToCommit:    decoded.ReadyToCommit,
		Truncated:        truncated,
	}, nil
}

// Truncate cuts s to max runes and appends TruncationMarker when it does.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + TruncationMarker, true
		}
		n++
	}
	return s, false
}
