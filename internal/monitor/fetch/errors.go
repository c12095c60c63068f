package fetch

import (
	"fmt"
)

// Error kinds, stable strings used for check-error records and logs.
const (
	KindTimeout    = "timeout"
	KindConnection = "connection"
	KindTLS        = "tls"
	KindHTTPStatus = "http_status"
)

// Error describes a failed fetch with enough detail to record and log without
// re-parsing message text.
type Error struct {
	Kind   string
	URL    string
	Status int // set for KindHTTPStatus
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
