// Package source defines the adapter contract for external automotive data
// sources and the concrete adapters for each one.
//
// Adapters are stateless fetchers: one adapter wraps one external source's
// access pattern and does nothing else. Retries, rate limiting, and
// fallback are the resilience layer's job. The only obligation beyond the
// fetch itself is failure classification: transient (retryable), blocked
// (bot protection, fall back), or not-found (terminal for that source).
package source

import (
	"context"
	"errors"
	"time"

	"github.com/autorev/paddock/pkg/types"
)

var (
	// ErrBlocked indicates the source detected automation (CAPTCHA page,
	// 403/429, anomalous response). Retrying the same source burns budget
	// and increases detection risk; the chain must advance instead.
	ErrBlocked = errors.New("source blocked the request")

	// ErrNotFound indicates the source has no data for the query. Terminal
	// for this source; other sources in the chain may still have data.
	ErrNotFound = errors.New("source has no data")

	// ErrManualResearch is returned only by the manual sentinel adapter at
	// the end of a chain. It is a legitimate terminal outcome, not a failure.
	ErrManualResearch = errors.New("manual research required")
)

// QueryKey identifies what an adapter should fetch.
type QueryKey struct {
	Slug       string           // Entity slug, used to build source-specific queries
	Name       string           // Display name for free-text search sources
	Capability types.Capability
}

// RawResult is an adapter's successful fetch output before normalization.
type RawResult struct {
	Source     string
	Payload    map[string]any
	SampleSize int
	FetchedAt  time.Time
}

// Adapter wraps exactly one external data source.
//
// Fetch must classify failures by wrapping ErrBlocked or ErrNotFound;
// any other error is treated as transient. Implementations must be
// stateless and must honor ctx cancellation; the caller attaches the
// per-source hard timeout.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, key QueryKey) (*RawResult, error)
}

// Classify maps an adapter error onto the failure taxonomy. Context
// timeouts count as transient: they feed the same retry path as a
// network error.
func Classify(err error) types.FailureKind {
	switch {
	case errors.Is(err, ErrBlocked):
		return types.FailureBlocked
	case errors.Is(err, ErrNotFound):
		return types.FailureNotFound
	default:
		return types.FailureTransient
	}
}
