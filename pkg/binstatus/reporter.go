package binstatus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

// ErrorReporter forwards decoding failures to an error tracker.
type ErrorReporter interface {
	Report(err error)
}

// NopReporter drops every report.
type NopReporter struct{}

func (NopReporter) Report(error) {}

// LogReporter reports through a logger.
type LogReporter struct {
	Log *zap.Logger
}

func (r LogReporter) Report(err error) {
	if r.Log == nil {
		return
	}
	r.Log.Error("binary status failure reported", zap.Error(err))
}

// RecordingReporter keeps every reported error. It is safe for concurrent use.
type RecordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *RecordingReporter) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *RecordingReporter) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// UnavailableOracle is used when no decoder is linked into the binary. Every
// decode fails, so binary-status passes end as BinaryStatusError and the
// directory keeps its previous state.
type UnavailableOracle struct{}

var errNoDecoder = errors.New("no status decoder available")

func (UnavailableOracle) Decode(context.Context, []servers.Server, []byte, *servers.Location, string) ([]Status, error) {
	return nil, errNoDecoder
}
