package source

import (
	"context"
	"fmt"

	"github.com/autorev/paddock/internal/config"
)

// ManualAdapter is the sentinel at the end of every fallback chain. It
// never fetches anything: reaching it means all automated sources were
// exhausted and the entity should be queued for manual research. Keeping
// it as an explicit chain member makes exhaustion visible in config
// rather than implicit in code.
type ManualAdapter struct {
	name string
}

// NewManualAdapter creates the sentinel adapter.
func NewManualAdapter(cfg config.SourceConfig) *ManualAdapter {
	return &ManualAdapter{name: cfg.Name}
}

// Name returns the configured source name.
func (m *ManualAdapter) Name() string { return m.name }

// Fetch always reports that manual research is required.
func (m *ManualAdapter) Fetch(_ context.Context, key QueryKey) (*RawResult, error) {
	return nil, fmt.Errorf("%s: %s/%s: %w", m.name, key.Slug, key.Capability, ErrManualResearch)
}

// Build constructs the adapter for a source config based on its kind and
// the capability it will serve.
func Build(cfg config.SourceConfig) (Adapter, error) {
	switch cfg.Kind {
	case config.KindManual:
		return NewManualAdapter(cfg), nil
	case config.KindPaidAPI:
		return NewValuationAPI(cfg), nil
	case config.KindScraper:
		switch cfg.Name {
		case "fastestlaps":
			return NewLapTimeScraper(cfg), nil
		case "rennlist", "forum":
			return NewForumScraper(cfg), nil
		default:
			return NewAuctionScraper(cfg), nil
		}
	default:
		return nil, fmt.Errorf("source: unknown kind %q for %s", cfg.Kind, cfg.Name)
	}
}
