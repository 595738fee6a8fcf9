package fuelnet

import (
	"fmt"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnauthorized marks an HTTP 401: the bearer token has expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAuthFailure marks a rejected login or a login reply without a token.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrNotDocument marks a binary reply that does not carry a PDF.
	ErrNotDocument = errors.New("response is not a PDF document")
	// ErrTimeout marks a request that ran out of time.
	ErrTimeout = errors.New("request timed out")
	// ErrUnexpectedShape marks a JSON reply in none of the accepted shapes.
	ErrUnexpectedShape = errors.New("unexpected response shape")
	// ErrContractNotFound is returned when a balance lookup finds no contract.
	ErrContractNotFound = errors.New("contract not found")
)

// StatusError is a non-2xx reply.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err signals an expired token.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func statusError(op string, code int, body []byte) error {
	err := error(&StatusError{Op: op, StatusCode: code, Body: preview(body)})
	if code == 401 {
		err = errors.Mark(err, ErrUnauthorized)
	}
	return err
}

const previewLimit = 300

// preview cuts body to at most previewLimit bytes without splitting a
// UTF-8 sequence.
func preview(body []byte) string {
	if len(body) <= previewLimit {
		return string(body)
	}
	n := previewLimit
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return string(body[:n])
}
