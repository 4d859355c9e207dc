// Package commit persists an approved quote draft through the external quotes
// endpoint.
package commit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/quote-assistant/internal/failure"
	"github.com/suPer8Hu/quote-assistant/internal/quote"
	"github.com/suPer8Hu/quote-assistant/internal/transcript"
)

const (
	DefaultTimeout       = 90 * time.Second
	DefaultHistoryWindow = 10

	maxResponseBody = 64 << 10
)

type Request struct {
	CompanyID string
	Draft     *quote.Draft
	History   []transcript.Entry
	// IdempotencyKey is forwarded so the quotes service can drop duplicate
	// saves. A fresh key is generated when empty.
	IdempotencyKey string
}

type Result struct {
	QuoteID string `json:"quoteId"`
}

type Client struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	HistoryWindow int
	Client        *http.Client
}

func NewClient(endpoint, apiKey string, timeout time.Duration, historyWindow int) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	return &Client{
		Endpoint:      endpoint,
		APIKey:        apiKey,
		Timeout:       timeout,
		HistoryWindow: historyWindow,
		Client:        &http.Client{},
	}
}

type createReq struct {
	CompanyID           string             `json:"companyId"`
	QuoteData           *quote.Draft       `json:"quoteData"`
	ConversationHistory []transcript.Entry `json:"conversationHistory"`
}

// Validate checks a request locally. A failing request never reaches the
// network.
func Validate(in Request) error {
	if strings.TrimSpace(in.CompanyID) == "" {
		return failure.Validation(failure.OpCommit, "No company is associated with this session.")
	}
	if in.Draft == nil {
		return failure.Validation(failure.OpCommit, "There is no quote to save yet.")
	}
	if !in.Draft.Actionable() {
		return failure.Validation(failure.OpCommit, "The quote is missing pricing. Keep chatting until a total is available.")
	}
	return nil
}

// Commit creates the quote and returns its id. Every error it returns is a
// *failure.Error.
func (c *Client) Commit(ctx context.Context, in Request) (*Result, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	if c.Client == nil {
		return nil, failure.New(failure.OpCommit, failure.NetworkFailure, errors.New("commit: http client is nil"))
	}

	history := transcript.Last(in.History, c.HistoryWindow)
	if history == nil {
		history = []transcript.Entry{}
	}
	b, err := json.Marshal(createReq{
		CompanyID:           in.CompanyID,
		QuoteData:           in.Draft,
		ConversationHistory: history,
	})
	if err != nil {
		return nil, failure.New(failure.OpCommit, failure.ValidationFailure, err)
	}

	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, failure.New(failure.OpCommit, failure.NetworkFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, failure.FromTransport(failure.OpCommit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.FromResponse(failure.OpCommit, resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, failure.FromTransport(failure.OpCommit, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, failure.New(failure.OpCommit, failure.MalformedResponse, errors.New("empty response body"))
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, failure.New(failure.OpCommit, failure.MalformedResponse, err)
	}
	if strings.TrimSpace(out.QuoteID) == "" {
		return nil, failure.New(failure.OpCommit, failure.MalformedResponse, errors.New("quoteId missing"))
	}
	return &out, nil
}
