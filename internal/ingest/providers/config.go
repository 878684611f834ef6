// Package providers holds the HTTP data providers consumed by ingestion.
package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/ingest"
)

// Provider kinds accepted in configuration
const (
	KindESPN    = "espn"
	KindOddsAPI = "odds_api"
	KindRatings = "ratings"
)

// Config describes one configured provider
type Config struct {
	Name    string                  `yaml:"name"`
	Kind    string                  `yaml:"kind"`
	Enabled bool                    `yaml:"enabled"`
	BaseURL string                  `yaml:"base_url"`
	APIKey  string                  `yaml:"api_key"`
	Sport   string                  `yaml:"sport"`
	Regions string                  `yaml:"regions"`
	Client  httpclient.ClientConfig `yaml:"client"`
}

// Build constructs the enabled providers. Game keys use the calendar date
// in loc so all providers agree on a game's identity.
func Build(configs []Config, loc *time.Location) ([]ingest.Provider, error) {
	var out []ingest.Provider
	seen := make(map[string]bool)
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		if c.Name == "" {
			c.Name = c.Kind
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate provider name %q", c.Name)
		}
		seen[c.Name] = true

		client := httpclient.NewClient(c.Client)
		switch strings.ToLower(c.Kind) {
		case KindESPN:
			out = append(out, NewESPN(c, client, loc))
		case KindOddsAPI:
			if c.APIKey == "" {
				return nil, fmt.Errorf("provider %s: api_key is required", c.Name)
			}
			out = append(out, NewOddsAPI(c, client, loc))
		case KindRatings:
			if c.BaseURL == "" {
				return nil, fmt.Errorf("provider %s: base_url is required", c.Name)
			}
			out = append(out, NewRatings(c, client, loc))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	return out, nil
}
