// Package rpc talks to the pool and wallet /burst endpoints.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSendTimeout is returned when a request could not be written in time.
	ErrSendTimeout = errors.New("send timeout")

	// ErrReceiveTimeout is returned when no response arrived in time. The
	// request is still in flight and may be received again.
	ErrReceiveTimeout = errors.New("receive timeout")

	// ErrMalformedResponse marks a body that is not the expected JSON.
	ErrMalformedResponse = errors.New("malformed response")
)

// PoolError is a rejection reported by the remote end.
type PoolError struct {
	Code        string
	Description string
}

func (e *PoolError) Error() string {
	if e.Code == "" {
		return e.Description
	}
	return fmt.Sprintf("error %s: %s", e.Code, e.Description)
}

// Uint64 decodes a JSON number or a string holding a decimal number. The
// /burst API encodes 64 bit values as strings.
type Uint64 uint64

// UnmarshalJSON implements json.Unmarshaler.
func (u *Uint64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 %q: %w", s, err)
	}
	*u = Uint64(v)
	return nil
}

// errorFields is embedded in every response that may carry an error.
type errorFields struct {
	ErrorCode        json.RawMessage `json:"errorCode,omitempty"`
	ErrorDescription string          `json:"errorDescription,omitempty"`
}

// err returns the rejection, or nil when the response has none.
func (f *errorFields) err() error {
	if len(f.ErrorCode) == 0 && f.ErrorDescription == "" {
		return nil
	}
	code := strings.Trim(strings.TrimSpace(string(f.ErrorCode)), `"`)
	if code == "null" {
		code = ""
	}
	return &PoolError{Code: code, Description: f.ErrorDescription}
}

// truncateBody shortens a response body for log and error output.
func truncateBody(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
