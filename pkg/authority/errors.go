package authority

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError indicates the authority could not be reached at all. It is
// never an authoritative statement about the token, so callers fall back to
// locally cached state instead of purging anything.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("authority unreachable during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError indicates the authority answered and said no: an explicit
// valid:false, a null token on refresh, or a non-2xx login/signup response.
// It is deterministic and must never be retried silently.
type RejectedError struct {
	Op      string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authority rejected %s", e.Op)
	}
	return fmt.Sprintf("authority rejected %s: %s", e.Op, e.Message)
}

// IncompletePayloadError indicates a transport-level success whose payload
// lacks identity fields required for a usable session. The operation is
// surfaced as rejected and no session state may be touched.
type IncompletePayloadError struct {
	Op      string
	Missing []string
}

func (e *IncompletePayloadError) Error() string {
	return fmt.Sprintf("authority %s response missing required fields: %s",
		e.Op, strings.Join(e.Missing, ", "))
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsIncompletePayload reports whether err is (or wraps) an IncompletePayloadError.
func IsIncompletePayload(err error) bool {
	var ie *IncompletePayloadError
	return errors.As(err, &ie)
}
