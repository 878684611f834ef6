package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/ingest"
)

type ratingsResponse struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	Games       []ratingGame `json:"games"`
}

type ratingGame struct {
	Home           string    `json:"home"`
	Away           string    `json:"away"`
	CommenceTime   time.Time `json:"commenceTime"`
	HomeElo        float64   `json:"homeElo"`
	AwayElo        float64   `json:"awayElo"`
	HomeLast10Wins *float64  `json:"homeLast10Wins"`
	AwayLast10Wins *float64  `json:"awayLast10Wins"`
	RestDaysHome   *float64  `json:"restDaysHome"`
	RestDaysAway   *float64  `json:"restDaysAway"`
}

// Ratings fetches Elo ratings, recent form and rest days from the team
// ratings service
type Ratings struct {
	name    string
	baseURL string
	apiKey  string
	client  *httpclient.Client
	loc     *time.Location
}

// NewRatings creates the ratings provider
func NewRatings(c Config, client *httpclient.Client, loc *time.Location) *Ratings {
	return &Ratings{name: c.Name, baseURL: c.BaseURL, apiKey: c.APIKey, client: client, loc: loc}
}

func (p *Ratings) Name() string     { return p.name }
func (p *Ratings) Version() string  { return "v1" }
func (p *Ratings) Endpoint() string { return p.baseURL + "/ratings" }

// Fetch returns one ratings record per game. The timestamp is the service's
// generation time so freshness reflects the ratings' age.
func (p *Ratings) Fetch(ctx context.Context, date time.Time) ([]ingest.Record, error) {
	var headers map[string]string
	if p.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + p.apiKey}
	}
	var resp ratingsResponse
	url := fmt.Sprintf("%s?date=%s", p.Endpoint(), date.Format("2006-01-02"))
	if err := p.client.GetJSON(ctx, url, headers, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch ratings: %w", err)
	}

	records := make([]ingest.Record, 0, len(resp.Games))
	for _, g := range resp.Games {
		if g.Home == "" || g.Away == "" || g.HomeElo <= 0 || g.AwayElo <= 0 {
			continue
		}
		records = append(records, ingest.Record{
			GameKey:   ingest.GameKey(g.CommenceTime, p.loc, TeamAbbreviation(g.Away), TeamAbbreviation(g.Home)),
			Provider:  p.name,
			Kind:      ingest.KindRatings,
			FetchedAt: resp.GeneratedAt,
			Ratings: &ingest.Ratings{
				HomeElo:        g.HomeElo,
				AwayElo:        g.AwayElo,
				HomeLast10Wins: g.HomeLast10Wins,
				AwayLast10Wins: g.AwayLast10Wins,
				RestDaysHome:   g.RestDaysHome,
				RestDaysAway:   g.RestDaysAway,
			},
		})
	}
	return records, nil
}
