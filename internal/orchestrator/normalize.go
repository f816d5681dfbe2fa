package orchestrator

import (
	"fmt"

	"github.com/autorev/paddock/internal/source"
	"github.com/autorev/paddock/pkg/types"
)

// normalize validates and cleans a raw adapter payload into the
// EnrichmentRecord payload shape for its capability. Adapters emit
// near-final maps; this is the last gate that guarantees the persisted
// shape regardless of which source produced it.
func normalize(capability types.Capability, raw *source.RawResult) (map[string]any, error) {
	switch capability {
	case types.CapabilityMarketPricing:
		return normalizePricing(raw.Payload)
	case types.CapabilityLapTimes:
		return normalizeKeyedList(raw.Payload, "laps")
	case types.CapabilityForumInsights:
		return normalizeKeyedList(raw.Payload, "insights")
	default:
		return nil, fmt.Errorf("orchestrator: no normalizer for capability %s", capability)
	}
}

// pricingFields are the required keys of a market-pricing payload.
var pricingFields = []string{"average_price", "median_price", "min_price", "max_price", "sample_size"}

// normalizePricing checks required fields and rejects non-positive prices,
// which indicate a parser regression rather than real market data.
func normalizePricing(payload map[string]any) (map[string]any, error) {
	for _, field := range pricingFields {
		if _, ok := payload[field]; !ok {
			return nil, fmt.Errorf("orchestrator: pricing payload missing %s", field)
		}
	}

	for _, field := range []string{"average_price", "median_price", "min_price", "max_price"} {
		if v, ok := payload[field].(float64); !ok || v <= 0 {
			return nil, fmt.Errorf("orchestrator: pricing payload has invalid %s", field)
		}
	}

	if _, ok := payload["currency"]; !ok {
		payload["currency"] = "USD"
	}

	return payload, nil
}

// normalizeKeyedList requires a non-empty list under the given key.
func normalizeKeyedList(payload map[string]any, key string) (map[string]any, error) {
	v, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("orchestrator: payload missing %s", key)
	}

	switch list := v.(type) {
	case []types.LapTime:
		if len(list) == 0 {
			return nil, fmt.Errorf("orchestrator: empty %s payload", key)
		}
	case []types.ForumInsight:
		if len(list) == 0 {
			return nil, fmt.Errorf("orchestrator: empty %s payload", key)
		}
	case []any:
		if len(list) == 0 {
			return nil, fmt.Errorf("orchestrator: empty %s payload", key)
		}
	default:
		return nil, fmt.Errorf("orchestrator: payload %s has unexpected type %T", key, v)
	}

	return payload, nil
}
