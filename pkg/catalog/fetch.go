package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/binstatus"
	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
	"github.com/MakerMaker19/meerkat-catalog/pkg/truncation"
)

// FetchRequest is one raw fetch, with the protocol already chosen.
type FetchRequest struct {
	Netzone           string
	Lang              string
	Protocols         []string
	FreeOnly          bool
	BinaryStatus      bool
	TruncationEnabled bool
	MustHaveIDs       truncation.IDSet
	Since             time.Time
	User              binstatus.UserContext
}

// Fetcher issues the catalog calls for one pass and classifies the result.
// It never touches the directory.
type Fetcher struct {
	transport Transport
	processor *binstatus.Processor
	log       *zap.Logger
}

func NewFetcher(transport Transport, processor *binstatus.Processor, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{transport: transport, processor: processor, log: log.Named("fetcher")}
}

// Fetch runs the logicals call and, in binary status mode, the status blob
// call. Every failure comes back as an Outcome.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) Outcome {
	lr := ListRequest{
		Netzone:           req.Netzone,
		Lang:              req.Lang,
		Protocols:         req.Protocols,
		FreeOnly:          req.FreeOnly && !req.BinaryStatus,
		WithStatus:        req.BinaryStatus,
		TruncationEnabled: req.TruncationEnabled,
		LastModified:      req.Since,
	}
	if req.TruncationEnabled {
		lr.MustHaveIDs = req.MustHaveIDs.Sorted()
	}

	resp, err := f.transport.FetchLogicalList(ctx, lr)
	if err != nil {
		return APIError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return NotModified{}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return APIError{Code: resp.StatusCode, Message: resp.Message}
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		f.log.Warn("logicals response has no body", zap.Int("status", resp.StatusCode))
		return EmptyBody{}
	}

	if req.BinaryStatus {
		return f.withStatus(ctx, req, resp)
	}

	var body servers.ServerListV1
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.LogicalServers == nil {
		f.log.Warn("logicals response body unusable", zap.Int("bytes", len(resp.Body)), zap.Error(err))
		return EmptyBody{}
	}
	return NewServers{
		Servers:      servers.ToServers(body.LogicalServers),
		WasTruncated: body.Metadata.IsTruncated(),
		LastModified: resp.LastModified,
	}
}

func (f *Fetcher) withStatus(ctx context.Context, req FetchRequest, resp *ListResponse) Outcome {
	var body servers.LogicalsResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.LogicalServers == nil || body.StatusID == "" {
		f.log.Warn("logicals response body unusable",
			zap.Int("bytes", len(resp.Body)),
			zap.String("statusId", body.StatusID),
			zap.Error(err))
		return EmptyBody{}
	}

	blob, err := f.transport.FetchStatusBlob(ctx, body.StatusID)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return APIError{Code: httpErr.Code, Message: httpErr.Message, Err: err}
		}
		return APIError{Err: err}
	}

	list, err := f.processor.Compute(ctx, servers.ToServers(body.LogicalServers), blob, req.User)
	if err != nil {
		return BinaryStatusError{Err: err}
	}
	return NewServers{
		Servers:      list,
		StatusID:     body.StatusID,
		WasTruncated: body.Metadata.IsTruncated(),
		LastModified: resp.LastModified,
	}
}
