package portal

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEndpoint   = errors.New("portal: invalid endpoint")
	ErrTooManyRedirects  = errors.New("portal: too many redirects")
	ErrHandshakeFailed   = errors.New("portal: handshake failed")
	ErrPortalUnreachable = errors.New("portal: unreachable")
	ErrEmptyUpstreamList = errors.New("portal: every probe returned an empty list")
	ErrUnknownGenre      = errors.New("portal: unknown genre")
)

// TransportError describes a failed portal call. It matches
// ErrPortalUnreachable with errors.Is, as well as the underlying cause.
type TransportError struct {
	Action   string
	Endpoint string
	Status   int // 0 when no response was received
	Err      error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("portal %s %s: HTTP %d: %v", e.Action, e.Endpoint, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("portal %s %s: HTTP %d", e.Action, e.Endpoint, e.Status)
	default:
		return fmt.Sprintf("portal %s %s: %v", e.Action, e.Endpoint, e.Err)
	}
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPortalUnreachable}
	}
	return []error{ErrPortalUnreachable, e.Err}
}
