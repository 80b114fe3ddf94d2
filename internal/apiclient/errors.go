package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stockyard/internal/constants"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrValidation         = errors.New("invalid request")
	ErrServer             = errors.New("server error")
)

// Error is a non-2xx response from the backend. Message is safe to show to
// the user.
type Error struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// errorBody accepts both {"detail": "..."} and {"error":{"code","message"}}.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(resp *http.Response, credentialsEndpoint bool) *Error {
	e := &Error{Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
		if e.Message == "" {
			e.Message = detailMessage(body.Detail)
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
	}

	e.kind = classify(e, credentialsEndpoint)
	return e
}

// detailMessage flattens FastAPI-style details, which are either a string or
// a list of {"msg": "..."} objects.
func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

func classify(e *Error, credentialsEndpoint bool) error {
	switch {
	case e.Code == constants.ErrCodeInvalidCreds:
		return ErrInvalidCredentials
	case credentialsEndpoint && (e.Status == http.StatusUnauthorized || e.Status == http.StatusBadRequest) &&
		!strings.Contains(strings.ToLower(e.Message), "already"):
		return ErrInvalidCredentials
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusConflict, e.Code == constants.ErrCodeConflict,
		strings.Contains(strings.ToLower(e.Message), "already"):
		return ErrConflict
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrServer
	default:
		return ErrValidation
	}
}
