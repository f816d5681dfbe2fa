package source

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/pkg/types"
)

// LapTimeScraper scrapes a lap-time reference site's per-model page
// (fastestlaps-style table of track / time rows).
type LapTimeScraper struct {
	cfg    config.SourceConfig
	client httpDoer
}

// NewLapTimeScraper creates a lap-time scraper for the given source config.
func NewLapTimeScraper(cfg config.SourceConfig) *LapTimeScraper {
	return &LapTimeScraper{cfg: cfg, client: realDoer{cfg: cfg}}
}

// Name returns the configured source name.
func (l *LapTimeScraper) Name() string { return l.cfg.Name }

// Fetch scrapes the model's lap-time table.
func (l *LapTimeScraper) Fetch(ctx context.Context, key QueryKey) (*RawResult, error) {
	pageURL := fmt.Sprintf("%s/models/%s", strings.TrimRight(l.cfg.BaseURL, "/"), key.Slug)

	body, err := l.client.get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%s: model page: %w", l.cfg.Name, err)
	}

	laps, err := parseLapTable(body)
	if err != nil {
		return nil, fmt.Errorf("%s: parse model page: %w", l.cfg.Name, err)
	}
	if len(laps) == 0 {
		return nil, fmt.Errorf("%s: no lap times for %s: %w", l.cfg.Name, key.Slug, ErrNotFound)
	}

	return &RawResult{
		Source:     l.cfg.Name,
		Payload:    map[string]any{"laps": laps},
		SampleSize: len(laps),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// parseLapTable extracts track/time rows from the model page table.
func parseLapTable(body []byte) ([]types.LapTime, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid html: %w", err)
	}

	var laps []types.LapTime
	doc.Find("table.laptimes tbody tr").Each(func(_ int, row *goquery.Selection) {
		track := strings.TrimSpace(row.Find("td.track").Text())
		timeText := strings.TrimSpace(row.Find("td.laptime").Text())
		secs, ok := parseLapClock(timeText)
		if track == "" || !ok {
			return
		}
		laps = append(laps, types.LapTime{
			Track:    track,
			TimeSecs: secs,
			Driver:   strings.TrimSpace(row.Find("td.driver").Text()),
		})
	})

	return laps, nil
}

// parseLapClock converts "7:01.30" or "61.52" into seconds.
func parseLapClock(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}

	parts := strings.SplitN(text, ":", 2)
	if len(parts) == 1 {
		secs, err := strconv.ParseFloat(parts[0], 64)
		return secs, err == nil && secs > 0
	}

	mins, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, false
	}
	total := mins*60 + secs
	return total, total > 0
}
