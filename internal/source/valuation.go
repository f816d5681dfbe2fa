package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/pkg/types"
)

// ValuationAPI is the paid-API fallback for market pricing (Hagerty-style
// valuation service). More reliable than scraping but metered, so it sits
// after the free scraper in the chain.
type ValuationAPI struct {
	cfg    config.SourceConfig
	client *http.Client
}

// NewValuationAPI creates a valuation API client. The API key is read from
// the env var named in the source config at fetch time, not load time, so
// key rotation doesn't require a restart.
func NewValuationAPI(cfg config.SourceConfig) *ValuationAPI {
	return &ValuationAPI{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

// Name returns the configured source name.
func (v *ValuationAPI) Name() string { return v.cfg.Name }

// valuationResponse is the wire shape of the valuation endpoint.
type valuationResponse struct {
	Values struct {
		Average float64 `json:"average"`
		Median  float64 `json:"median"`
		Low     float64 `json:"low"`
		High    float64 `json:"high"`
	} `json:"values"`
	SampleSize int    `json:"sample_size"`
	Currency   string `json:"currency"`
}

// Fetch queries the valuation endpoint for the entity.
func (v *ValuationAPI) Fetch(ctx context.Context, key QueryKey) (*RawResult, error) {
	apiKey := os.Getenv(v.cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: api key env %s is empty", v.cfg.Name, v.cfg.APIKeyEnv)
	}

	endpoint := fmt.Sprintf("%s/v1/valuations?vehicle=%s",
		strings.TrimRight(v.cfg.BaseURL, "/"), url.QueryEscape(key.Slug))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", v.cfg.Name, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", v.cfg.Name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: no valuation for %s: %w", v.cfg.Name, key.Slug, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		// Key revoked or account flagged; treat like blocked so the chain
		// advances instead of hammering a dead key.
		return nil, fmt.Errorf("%s: status %d: %w", v.cfg.Name, resp.StatusCode, ErrBlocked)
	default:
		return nil, fmt.Errorf("%s: unexpected status %d", v.cfg.Name, resp.StatusCode)
	}

	var vr valuationResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", v.cfg.Name, err)
	}

	if vr.SampleSize == 0 && vr.Values.Average == 0 {
		return nil, fmt.Errorf("%s: empty valuation for %s: %w", v.cfg.Name, key.Slug, ErrNotFound)
	}

	currency := vr.Currency
	if currency == "" {
		currency = "USD"
	}

	pricing := types.MarketPricing{
		AveragePrice: vr.Values.Average,
		MedianPrice:  vr.Values.Median,
		MinPrice:     vr.Values.Low,
		MaxPrice:     vr.Values.High,
		SampleSize:   vr.SampleSize,
		Currency:     currency,
	}

	return &RawResult{
		Source:     v.cfg.Name,
		Payload:    pricing.Payload(),
		SampleSize: vr.SampleSize,
		FetchedAt:  time.Now().UTC(),
	}, nil
}
