package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autorev/paddock/pkg/types"
)

// SourceKind is the closed set of source access patterns. Each kind
// carries its own settings; unknown kinds are rejected at load time
// rather than carried as an open-ended object bag.
type SourceKind string

const (
	// KindScraper fetches and parses public HTML. Cheap, bot-protected.
	KindScraper SourceKind = "scraper"
	// KindPaidAPI calls a metered third-party JSON API. Reliable, costs money.
	KindPaidAPI SourceKind = "paid_api"
	// KindManual is the terminal sentinel at the end of every chain; it
	// never returns data and marks the entity for manual research.
	KindManual SourceKind = "manual"
)

// SourceConfig is the per-source settings block. Protection levels differ
// wildly between sources, so every source declares its own minimum
// inter-request interval.
type SourceConfig struct {
	Name          string        `yaml:"name"`
	Kind          SourceKind    `yaml:"kind"`
	BaseURL       string        `yaml:"base_url,omitempty"`
	MinInterval   time.Duration `yaml:"min_interval,omitempty"` // Minimum gap between requests (e.g. 2s, 15s)
	Timeout       time.Duration `yaml:"timeout,omitempty"`      // Hard per-fetch timeout
	MaxPages      int           `yaml:"max_pages,omitempty"`    // Scraper pagination cap
	APIKeyEnv     string        `yaml:"api_key_env,omitempty"`  // Env var holding the paid-API key
	RequiresLogin bool          `yaml:"requires_login,omitempty"`
}

// UnmarshalYAML parses duration fields from Go duration strings ("15s",
// "10m"); yaml.v3 has no native time.Duration support.
func (s *SourceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name          string     `yaml:"name"`
		Kind          SourceKind `yaml:"kind"`
		BaseURL       string     `yaml:"base_url"`
		MinInterval   string     `yaml:"min_interval"`
		Timeout       string     `yaml:"timeout"`
		MaxPages      int        `yaml:"max_pages"`
		APIKeyEnv     string     `yaml:"api_key_env"`
		RequiresLogin bool       `yaml:"requires_login"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	minInterval, err := parseOptionalDuration(raw.MinInterval)
	if err != nil {
		return fmt.Errorf("source %s: invalid min_interval: %w", raw.Name, err)
	}
	timeout, err := parseOptionalDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("source %s: invalid timeout: %w", raw.Name, err)
	}

	*s = SourceConfig{
		Name:          raw.Name,
		Kind:          raw.Kind,
		BaseURL:       raw.BaseURL,
		MinInterval:   minInterval,
		Timeout:       timeout,
		MaxPages:      raw.MaxPages,
		APIKeyEnv:     raw.APIKeyEnv,
		RequiresLogin: raw.RequiresLogin,
	}
	return nil
}

// BreakerConfig controls the per-source circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // Consecutive failures before the circuit trips
	Cooldown    time.Duration `yaml:"cooldown"`     // How long a tripped source stays disabled
}

// UnmarshalYAML parses the cooldown from a Go duration string.
func (b *BreakerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxFailures uint32 `yaml:"max_failures"`
		Cooldown    string `yaml:"cooldown"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	cooldown, err := parseOptionalDuration(raw.Cooldown)
	if err != nil {
		return fmt.Errorf("breaker: invalid cooldown: %w", err)
	}

	*b = BreakerConfig{MaxFailures: raw.MaxFailures, Cooldown: cooldown}
	return nil
}

// parseOptionalDuration parses a duration string, treating empty as zero.
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// SourcesFile is the parsed sources.yaml: source definitions, per
// capability fallback chains, and breaker settings.
type SourcesFile struct {
	Sources []SourceConfig                `yaml:"sources"`
	Chains  map[types.Capability][]string `yaml:"chains"`
	Breaker BreakerConfig                 `yaml:"breaker"`

	// BackfillExclude lists legacy tables whose referenced entity may not
	// exist yet (e.g. entity-creation pipeline tracking); slug-only
	// references are correct there and the backfill skips them.
	BackfillExclude []string `yaml:"backfill_exclude,omitempty"`
}

// LoadSources parses and validates a sources.yaml file.
func LoadSources(path string) (*SourcesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read sources file: %w", err)
	}

	var sf SourcesFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("config: failed to parse sources file: %w", err)
	}

	if err := sf.Validate(); err != nil {
		return nil, err
	}

	applySourceDefaults(&sf)
	return &sf, nil
}

// Validate checks kind closure, chain references, and per-capability
// chain termination.
func (sf *SourcesFile) Validate() error {
	byName := make(map[string]SourceConfig, len(sf.Sources))
	for _, src := range sf.Sources {
		if src.Name == "" {
			return fmt.Errorf("config: source with empty name")
		}
		switch src.Kind {
		case KindScraper, KindPaidAPI, KindManual:
		default:
			return fmt.Errorf("config: source %s has unknown kind %q", src.Name, src.Kind)
		}
		if _, dup := byName[src.Name]; dup {
			return fmt.Errorf("config: duplicate source name %s", src.Name)
		}
		byName[src.Name] = src
	}

	for capability, chain := range sf.Chains {
		if !types.IsValidCapability(capability) {
			return fmt.Errorf("config: chain for unknown capability %q", capability)
		}
		if len(chain) == 0 {
			return fmt.Errorf("config: empty chain for capability %s", capability)
		}
		for _, name := range chain {
			if _, ok := byName[name]; !ok {
				return fmt.Errorf("config: chain for %s references unknown source %q", capability, name)
			}
		}
	}

	return nil
}

// Source returns the config for a named source.
func (sf *SourcesFile) Source(name string) (SourceConfig, bool) {
	for _, src := range sf.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}

// applySourceDefaults fills zero-valued settings.
func applySourceDefaults(sf *SourcesFile) {
	for i := range sf.Sources {
		src := &sf.Sources[i]
		if src.MinInterval == 0 && src.Kind != KindManual {
			src.MinInterval = 2 * time.Second
		}
		if src.Timeout == 0 {
			src.Timeout = 30 * time.Second
		}
		if src.MaxPages == 0 {
			src.MaxPages = 3
		}
	}
	if sf.Breaker.MaxFailures == 0 {
		sf.Breaker.MaxFailures = 5
	}
	if sf.Breaker.Cooldown == 0 {
		sf.Breaker.Cooldown = 10 * time.Minute
	}
}
