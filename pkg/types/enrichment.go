package types

import (
	"time"

	"github.com/google/uuid"
)

// Capability names one kind of enrichment data an entity can carry.
// Each capability has its own fallback chain of source adapters.
type Capability string

const (
	CapabilityMarketPricing Capability = "market_pricing"
	CapabilityLapTimes      Capability = "lap_times"
	CapabilityForumInsights Capability = "forum_insights"
)

// AllCapabilities returns every known capability in declaration order.
func AllCapabilities() []Capability {
	return []Capability{CapabilityMarketPricing, CapabilityLapTimes, CapabilityForumInsights}
}

// IsValidCapability reports whether c is a known capability.
func IsValidCapability(c Capability) bool {
	switch c {
	case CapabilityMarketPricing, CapabilityLapTimes, CapabilityForumInsights:
		return true
	}
	return false
}

// EnrichmentRecord is a typed bundle of fields fetched from one external
// source for one entity. Records are append-and-supersede: a re-run from
// the same source marks the previous record superseded rather than
// mutating or deleting it, preserving the audit trail.
type EnrichmentRecord struct {
	ID         string         `json:"id"`          // Opaque record ID (enr:capability:uuid)
	EntityID   uuid.UUID      `json:"entity_id"`   // Canonical entity reference, never a slug
	Source     string         `json:"source"`      // Source adapter name (e.g. bat, hagerty)
	Capability Capability     `json:"capability"`
	Payload    map[string]any `json:"payload"`     // Source-specific normalized fields
	SampleSize int            `json:"sample_size"` // Confidence indicator (listings, laps, posts)
	FetchedAt  time.Time      `json:"fetched_at"`

	// SupersededAt is set when a newer record from the same source for the
	// same (entity, capability) lands. Nil means this is the current record.
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// MarketPricing is the normalized payload shape for the market_pricing
// capability.
type MarketPricing struct {
	AveragePrice   float64 `json:"average_price"`
	MedianPrice    float64 `json:"median_price"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
	SampleSize     int     `json:"sample_size"`
	SellThroughPct float64 `json:"sell_through_pct"`
	Currency       string  `json:"currency"`
}

// Payload flattens the pricing record into the EnrichmentRecord payload map.
func (m MarketPricing) Payload() map[string]any {
	return map[string]any{
		"average_price":    m.AveragePrice,
		"median_price":     m.MedianPrice,
		"min_price":        m.MinPrice,
		"max_price":        m.MaxPrice,
		"sample_size":      m.SampleSize,
		"sell_through_pct": m.SellThroughPct,
		"currency":         m.Currency,
	}
}

// LapTime is one recorded lap for the lap_times capability.
type LapTime struct {
	Track    string  `json:"track"`
	TimeSecs float64 `json:"time_secs"`
	Driver   string  `json:"driver,omitempty"`
	Source   string  `json:"source,omitempty"`
}

// ForumInsight is one extracted ownership insight for the forum_insights
// capability.
type ForumInsight struct {
	Topic     string `json:"topic"`    // e.g. reliability, maintenance-cost, buying-guide
	Summary   string `json:"summary"`
	ThreadURL string `json:"thread_url,omitempty"`
	Replies   int    `json:"replies"`
}
