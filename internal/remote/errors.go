// Package remote provides the HTTP plumbing shared by the storage, catalog and
// auth clients, and the error taxonomy for remote calls.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is read for decoding.
const maxErrorBody = 64 * 1024

// NetworkError is a transport or timeout failure. The request may or may not
// have reached the server.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthExpiredError is returned for 401 responses. The access grant is assumed
// dead and the current session must be invalidated.
type AuthExpiredError struct {
	Message string
}

func (e *AuthExpiredError) Error() string {
	if e.Message == "" {
		return "authorization expired"
	}
	return "authorization expired: " + e.Message
}

// ServerError is any other non-2xx response.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// ConflictError is a 409 response, typically a referential-integrity violation.
type ConflictError struct {
	Code    string
	Message string
	Details string
	Hint    string
}

func (e *ConflictError) Error() string {
	msg := "conflict"
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Details != "" {
		msg += " - " + e.Details
	}
	return msg
}

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

// MissingParent reports whether the conflict is caused by a row whose parent
// does not exist yet.
func (e *ConflictError) MissingParent() bool {
	if e.Code == foreignKeyViolation {
		return true
	}
	text := strings.ToLower(e.Message + " " + e.Details)
	return strings.Contains(text, "foreign key") || strings.Contains(text, "is not present in table")
}

// IsAuthExpired reports whether err is (or wraps) an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// errorBody covers the error payloads of PostgREST, the storage API and the auth API.
type errorBody struct {
	Code             string          `json:"code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Details          json.RawMessage `json:"details"`
	Hint             string          `json:"hint"`
	StatusCode       json.RawMessage `json:"statusCode"`
}

// CheckResponse converts a non-2xx response into a typed error. The body is
// consumed but not closed.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	decoded := json.Unmarshal(raw, &body) == nil

	message := strings.TrimSpace(string(raw))
	if decoded {
		message = firstNonEmpty(body.Message, body.Msg, body.ErrorDescription, body.Error, message)
	}
	if message == "" {
		message = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &AuthExpiredError{Message: message}
	case http.StatusConflict:
		return &ConflictError{
			Code:    body.Code,
			Message: message,
			Details: detailsString(body.Details),
			Hint:    body.Hint,
		}
	default:
		code := body.Code
		if code == "" && body.Error != "" && body.Error != message {
			code = body.Error
		}
		return &ServerError{StatusCode: resp.StatusCode, Code: code, Message: message}
	}
}

func detailsString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
