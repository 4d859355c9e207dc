package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// MaxErrorBody bounds how much of an upstream error response is read.
const MaxErrorBody = 4 * 1024

// upgradeCode is the structured marker the backends put in a 403 body when
// the company has run out of quota.
const upgradeCode = "UPGRADE_REQUIRED"

type errorBody struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	Code            string `json:"code"`
	UpgradeRequired bool   `json:"upgradeRequired"`
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(op Op, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(op, Timeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return New(op, Timeout, err)
	}
	return New(op, NetworkFailure, err)
}

// FromResponse classifies a non-2xx response. It reads at most MaxErrorBody
// bytes of the body.
func FromResponse(op Op, resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))

	var body errorBody
	_ = json.Unmarshal(raw, &body)

	msg := strings.TrimSpace(body.Error)
	if msg == "" {
		msg = strings.TrimSpace(body.Message)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	e := &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("upstream: %s", msg)}
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		e.Kind = QuotaExceeded
	case resp.StatusCode == http.StatusForbidden && (body.UpgradeRequired || strings.EqualFold(body.Code, upgradeCode)):
		e.Kind = QuotaExceeded
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.Kind = Unauthorized
	default:
		e.Kind = ServerError
	}
	return e
}
