package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/pkg/types"
)

// AuctionScraper scrapes completed-auction result pages (BaT-style) for
// market pricing. It walks up to MaxPages of results for the entity's slug
// and aggregates sold prices into a MarketPricing payload.
type AuctionScraper struct {
	cfg    config.SourceConfig
	client httpDoer
}

// httpDoer is the minimal client surface the scrapers need; tests swap in
// a recording fake.
type httpDoer interface {
	get(ctx context.Context, url string) ([]byte, error)
}

type realDoer struct{ cfg config.SourceConfig }

func (d realDoer) get(ctx context.Context, u string) ([]byte, error) {
	return httpGet(ctx, newHTTPClient(d.cfg.Timeout), u)
}

// NewAuctionScraper creates an auction-results scraper for the given
// source config.
func NewAuctionScraper(cfg config.SourceConfig) *AuctionScraper {
	return &AuctionScraper{cfg: cfg, client: realDoer{cfg: cfg}}
}

// Name returns the configured source name.
func (a *AuctionScraper) Name() string { return a.cfg.Name }

// Fetch scrapes auction results for the entity and aggregates them into a
// market-pricing payload. Returns ErrNotFound when no sold listings match.
func (a *AuctionScraper) Fetch(ctx context.Context, key QueryKey) (*RawResult, error) {
	var prices []float64
	sold, total := 0, 0

	for page := 1; page <= a.cfg.MaxPages; page++ {
		pageURL := fmt.Sprintf("%s/auctions/results/?search=%s&page=%d",
			strings.TrimRight(a.cfg.BaseURL, "/"), url.QueryEscape(key.Slug), page)

		body, err := a.client.get(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("%s: results page %d: %w", a.cfg.Name, page, err)
		}

		pagePrices, pageSold, pageTotal, err := parseAuctionResults(body)
		if err != nil {
			return nil, fmt.Errorf("%s: parse page %d: %w", a.cfg.Name, page, err)
		}

		prices = append(prices, pagePrices...)
		sold += pageSold
		total += pageTotal

		if pageTotal == 0 {
			break // Past the last page of results
		}
	}

	if len(prices) == 0 {
		return nil, fmt.Errorf("%s: no sold listings for %s: %w", a.cfg.Name, key.Slug, ErrNotFound)
	}

	pricing := aggregatePricing(prices, sold, total)
	return &RawResult{
		Source:     a.cfg.Name,
		Payload:    pricing.Payload(),
		SampleSize: pricing.SampleSize,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// parseAuctionResults extracts sold prices from one results page. A CAPTCHA
// interstitial that slipped past status-code checks classifies as blocked.
func parseAuctionResults(body []byte) (prices []float64, sold, total int, err error) {
	if bytes.Contains(body, []byte("captcha")) || bytes.Contains(body, []byte("Attention Required")) {
		return nil, 0, 0, fmt.Errorf("captcha interstitial: %w", ErrBlocked)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("invalid html: %w", err)
	}

	doc.Find(".listing-result").Each(func(_ int, sel *goquery.Selection) {
		total++
		priceText := strings.TrimSpace(sel.Find(".listing-result__price").Text())
		if !strings.HasPrefix(priceText, "Sold for") {
			return // Reserve not met or still live
		}
		sold++
		if p, ok := parsePrice(priceText); ok {
			prices = append(prices, p)
		}
	})

	return prices, sold, total, nil
}

// parsePrice extracts a dollar amount from text like "Sold for USD $152,000".
func parsePrice(text string) (float64, bool) {
	idx := strings.IndexByte(text, '$')
	if idx < 0 {
		return 0, false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '.' {
			return r
		}
		return -1
	}, text[idx:])
	p, err := strconv.ParseFloat(digits, 64)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

// aggregatePricing folds raw sold prices into the normalized payload.
func aggregatePricing(prices []float64, sold, total int) types.MarketPricing {
	sort.Float64s(prices)

	var sum float64
	for _, p := range prices {
		sum += p
	}

	median := prices[len(prices)/2]
	if len(prices)%2 == 0 {
		median = (prices[len(prices)/2-1] + prices[len(prices)/2]) / 2
	}

	sellThrough := 0.0
	if total > 0 {
		sellThrough = float64(sold) / float64(total) * 100
	}

	return types.MarketPricing{
		AveragePrice:   sum / float64(len(prices)),
		MedianPrice:    median,
		MinPrice:       prices[0],
		MaxPrice:       prices[len(prices)-1],
		SampleSize:     len(prices),
		SellThroughPct: sellThrough,
		Currency:       "USD",
	}
}
