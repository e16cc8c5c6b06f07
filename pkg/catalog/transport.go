// Package catalog fetches the server list from the catalog service and
// drives one synchronization pass through truncation, the directory and
// the store.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// ListRequest describes one logicals call.
type ListRequest struct {
	Netzone           string
	Lang              string
	Protocols         []string
	FreeOnly          bool
	WithStatus        bool // feature-stripped list to pair with a status blob
	TruncationEnabled bool
	MustHaveIDs       []string
	LastModified      time.Time // sent as If-Modified-Since when set
}

// ListResponse is the raw result of a logicals call. Non-2xx responses are
// returned here too, not as errors.
type ListResponse struct {
	StatusCode   int
	Message      string
	Body         []byte
	LastModified time.Time
}

// Transport talks to the catalog service.
type Transport interface {
	FetchLogicalList(ctx context.Context, req ListRequest) (*ListResponse, error)
	// FetchStatusBlob returns *HTTPError for non-2xx responses.
	FetchStatusBlob(ctx context.Context, statusID string) ([]byte, error)
	FetchLoads(ctx context.Context, netzone string, freeOnly bool) ([]servers.LoadUpdate, error)
}

// HTTPError is a non-2xx answer from the catalog service.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("catalog http %d", e.Code)
	}
	return fmt.Sprintf("catalog http %d: %s", e.Code, e.Message)
}
