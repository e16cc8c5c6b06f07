package catalog

import (
	"fmt"
	"time"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// Outcome is the result of a fetch or a sync pass. The variants are
// NewServers, NotModified, EmptyBody, BinaryStatusError and APIError.
type Outcome interface {
	isOutcome()
	// Name is a short label used in logs and metrics.
	Name() string
}

// NewServers carries a fresh list. WasTruncated is nil when the response
// did not say.
type NewServers struct {
	Servers      []servers.Server
	StatusID     string
	WasTruncated *bool
	LastModified time.Time
}

// NotModified means the list did not change since the time sent.
type NotModified struct{}

// EmptyBody is a 2xx response without a usable list.
type EmptyBody struct{}

// BinaryStatusError means the status blob could not be applied.
type BinaryStatusError struct {
	Err error
}

// APIError is a non-2xx answer or a transport failure. Code is 0 when no
// HTTP response was received.
type APIError struct {
	Code    int
	Message string
	Err     error
}

func (NewServers) isOutcome()        {}
func (NotModified) isOutcome()       {}
func (EmptyBody) isOutcome()         {}
func (BinaryStatusError) isOutcome() {}
func (APIError) isOutcome()          {}

func (NewServers) Name() string        { return "new_servers" }
func (NotModified) Name() string       { return "not_modified" }
func (EmptyBody) Name() string         { return "empty_body" }
func (BinaryStatusError) Name() string { return "binary_status_error" }
func (APIError) Name() string          { return "api_error" }

// Truncated reports the truncation flag, treating a missing flag as false.
func (n NewServers) Truncated() bool {
	return n.WasTruncated != nil && *n.WasTruncated
}

func (e APIError) Error() string {
	switch {
	case e.Code != 0 && e.Message != "":
		return fmt.Sprintf("catalog api error %d: %s", e.Code, e.Message)
	case e.Code != 0:
		return fmt.Sprintf("catalog api error %d", e.Code)
	case e.Err != nil:
		return "catalog transport error: " + e.Err.Error()
	default:
		return "catalog api error"
	}
}

func (e APIError) Unwrap() error { return e.Err }

func (e BinaryStatusError) Error() string {
	if e.Err == nil {
		return "binary status error"
	}
	return "binary status error: " + e.Err.Error()
}

func (e BinaryStatusError) Unwrap() error { return e.Err }
