// Package binstatus applies a binary status blob to a feature-stripped
// server list. The decoding itself is done by an injected Oracle.
package binstatus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

var (
	// ErrLengthMismatch means the oracle returned a different number of
	// statuses than records it was given.
	ErrLengthMismatch = errors.New("binstatus: status count does not match record count")
	// ErrOracle wraps any failure (including a panic) inside the oracle.
	ErrOracle = errors.New("binstatus: oracle failed")
)

// Status is the live state of one server decoded from the blob.
type Status struct {
	IsVisible bool
	IsEnabled bool
	Load      float32
	Score     float64
}

// Oracle decodes blob against records. It must be deterministic and return
// one Status per record, in the same order.
type Oracle interface {
	Decode(ctx context.Context, records []servers.Server, blob []byte, userLocation *servers.Location, userCountry string) ([]Status, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, records []servers.Server, blob []byte, userLocation *servers.Location, userCountry string) ([]Status, error)

func (f OracleFunc) Decode(ctx context.Context, records []servers.Server, blob []byte, userLocation *servers.Location, userCountry string) ([]Status, error) {
	return f(ctx, records, blob, userLocation, userCountry)
}

// UserContext is the caller position the oracle uses to compute scores.
type UserContext struct {
	Location *servers.Location
	Country  string
}

// Processor checks the oracle's post-conditions and builds the refreshed
// records.
type Processor struct {
	oracle   Oracle
	reporter ErrorReporter
	log      *zap.Logger
}

func NewProcessor(oracle Oracle, reporter ErrorReporter, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Processor{
		oracle:   oracle,
		reporter: reporter,
		log:      log.Named("binstatus"),
	}
}

// Compute returns copies of the eligible records with visibility, online
// flag, load and score taken from the blob. Records without a status
// reference or locations are left out. On any failure it returns nil and
// an error; the input is never modified.
func (p *Processor) Compute(ctx context.Context, records []servers.Server, blob []byte, user UserContext) ([]servers.Server, error) {
	eligible := make([]servers.Server, 0, len(records))
	for i := range records {
		r := &records[i]
		if r.StatusReference == nil || r.EntryLocation == nil || r.ExitLocation == nil {
			p.log.Warn("server lacks status reference or location, skipping",
				zap.String("id", r.ID),
				zap.String("name", r.Name),
				zap.Bool("statusReference", r.StatusReference != nil),
				zap.Bool("entryLocation", r.EntryLocation != nil),
				zap.Bool("exitLocation", r.ExitLocation != nil))
			continue
		}
		eligible = append(eligible, r.Clone())
	}

	statuses, err := p.decode(ctx, eligible, blob, user)
	if err != nil {
		p.log.Error("decoding status blob failed",
			zap.Int("records", len(eligible)),
			zap.Int("blobBytes", len(blob)),
			zap.Error(err))
		p.reporter.Report(err)
		return nil, err
	}

	if len(statuses) != len(eligible) {
		err := fmt.Errorf("%w: got %d statuses for %d records", ErrLengthMismatch, len(statuses), len(eligible))
		p.log.Error("status blob post-condition violated",
			zap.Int("records", len(eligible)),
			zap.Int("statuses", len(statuses)),
			zap.Int("blobBytes", len(blob)))
		p.reporter.Report(err)
		return nil, err
	}

	for i := range eligible {
		st := statuses[i]
		eligible[i].IsVisible = st.IsVisible
		eligible[i].RawIsOnline = st.IsEnabled
		eligible[i].Load = st.Load
		eligible[i].Score = st.Score
	}
	return eligible, nil
}

func (p *Processor) decode(ctx context.Context, records []servers.Server, blob []byte, user UserContext) (out []Status, err error) {
	if p.oracle == nil {
		return nil, fmt.Errorf("%w: no oracle configured", ErrOracle)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: panic: %v", ErrOracle, r)
		}
	}()

	// The oracle gets its own copies so it cannot alter what we return.
	statuses, err := p.oracle.Decode(ctx, servers.CloneAll(records), blob, user.Location, user.Country)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracle, err)
	}
	return statuses, nil
}
