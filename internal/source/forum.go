package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/autorev/paddock/internal/config"
	"github.com/autorev/paddock/pkg/types"
)

// ForumScraper scrapes an owners'-forum search page for high-signal
// ownership threads (reliability, maintenance cost, buying guides).
// Forums are the highest-protection tier; this adapter expects the
// longest configured MinInterval in the chain.
type ForumScraper struct {
	cfg    config.SourceConfig
	client httpDoer
}

// NewForumScraper creates a forum-insight scraper for the given source config.
func NewForumScraper(cfg config.SourceConfig) *ForumScraper {
	return &ForumScraper{cfg: cfg, client: realDoer{cfg: cfg}}
}

// Name returns the configured source name.
func (f *ForumScraper) Name() string { return f.cfg.Name }

// topicKeywords maps thread-title keywords to insight topics.
var topicKeywords = map[string]string{
	"reliab":      "reliability",
	"problem":     "reliability",
	"issue":       "reliability",
	"maintenance": "maintenance-cost",
	"service":     "maintenance-cost",
	"cost":        "maintenance-cost",
	"buying":      "buying-guide",
	"buyer":       "buying-guide",
	"ppi":         "buying-guide",
}

// Fetch scrapes the forum search results for the entity's name.
func (f *ForumScraper) Fetch(ctx context.Context, key QueryKey) (*RawResult, error) {
	query := key.Name
	if query == "" {
		query = strings.ReplaceAll(key.Slug, "-", " ")
	}

	searchURL := fmt.Sprintf("%s/search?q=%s&type=thread",
		strings.TrimRight(f.cfg.BaseURL, "/"), url.QueryEscape(query))

	body, err := f.client.get(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("%s: search page: %w", f.cfg.Name, err)
	}

	insights, err := parseForumThreads(body, f.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse search page: %w", f.cfg.Name, err)
	}
	if len(insights) == 0 {
		return nil, fmt.Errorf("%s: no relevant threads for %s: %w", f.cfg.Name, key.Slug, ErrNotFound)
	}

	return &RawResult{
		Source:     f.cfg.Name,
		Payload:    map[string]any{"insights": insights},
		SampleSize: len(insights),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// parseForumThreads extracts classified threads from a search results page.
// Threads whose title matches no topic keyword are ignored.
func parseForumThreads(body []byte, baseURL string) ([]types.ForumInsight, error) {
	if bytes.Contains(body, []byte("Verify you are human")) {
		return nil, fmt.Errorf("challenge page: %w", ErrBlocked)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid html: %w", err)
	}

	var insights []types.ForumInsight
	doc.Find(".thread-row").Each(func(_ int, row *goquery.Selection) {
		title := strings.TrimSpace(row.Find(".thread-title").Text())
		topic := classifyThreadTopic(title)
		if topic == "" {
			return
		}

		href, _ := row.Find(".thread-title a").Attr("href")
		replies, _ := strconv.Atoi(strings.TrimSpace(row.Find(".thread-replies").Text()))

		insights = append(insights, types.ForumInsight{
			Topic:     topic,
			Summary:   title,
			ThreadURL: strings.TrimRight(baseURL, "/") + href,
			Replies:   replies,
		})
	})

	return insights, nil
}

// classifyThreadTopic maps a thread title onto an insight topic, or ""
// when the thread is off-topic.
func classifyThreadTopic(title string) string {
	lower := strings.ToLower(title)
	for keyword, topic := range topicKeywords {
		if strings.Contains(lower, keyword) {
			return topic
		}
	}
	return ""
}
