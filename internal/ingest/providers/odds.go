package providers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/ingest"
)

// OddsAPIBaseURL is the odds feed API root
const OddsAPIBaseURL = "https://api.the-odds-api.com"

type oddsEvent struct {
	ID           string          `json:"id"`
	CommenceTime time.Time       `json:"commence_time"`
	HomeTeam     string          `json:"home_team"`
	AwayTeam     string          `json:"away_team"`
	Bookmakers   []oddsBookmaker `json:"bookmakers"`
}

type oddsBookmaker struct {
	Key     string       `json:"key"`
	Markets []oddsMarket `json:"markets"`
}

type oddsMarket struct {
	Key      string `json:"key"`
	Outcomes []struct {
		Name  string   `json:"name"`
		Price float64  `json:"price"`
		Point *float64 `json:"point"`
	} `json:"outcomes"`
}

// OddsAPI fetches consensus moneyline, spread and total prices
type OddsAPI struct {
	name    string
	baseURL string
	apiKey  string
	sport   string
	regions string
	client  *httpclient.Client
	loc     *time.Location
}

// NewOddsAPI creates the odds provider
func NewOddsAPI(c Config, client *httpclient.Client, loc *time.Location) *OddsAPI {
	base := c.BaseURL
	if base == "" {
		base = OddsAPIBaseURL
	}
	sport := c.Sport
	if sport == "" {
		sport = "basketball_nba"
	}
	regions := c.Regions
	if regions == "" {
		regions = "us"
	}
	return &OddsAPI{name: c.Name, baseURL: base, apiKey: c.APIKey, sport: sport, regions: regions, client: client, loc: loc}
}

func (p *OddsAPI) Name() string     { return p.name }
func (p *OddsAPI) Version() string  { return "v4" }
func (p *OddsAPI) Endpoint() string { return fmt.Sprintf("%s/v4/sports/%s/odds", p.baseURL, p.sport) }

// Fetch returns one odds record per event commencing on the date in the
// provider's location
func (p *OddsAPI) Fetch(ctx context.Context, date time.Time) ([]ingest.Record, error) {
	loc := p.loc
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	to := from.Add(24 * time.Hour)

	q := url.Values{}
	q.Set("apiKey", p.apiKey)
	q.Set("regions", p.regions)
	q.Set("markets", "h2h,spreads,totals")
	q.Set("oddsFormat", "decimal")
	q.Set("commenceTimeFrom", from.UTC().Format("2006-01-02T15:04:05Z"))
	q.Set("commenceTimeTo", to.UTC().Format("2006-01-02T15:04:05Z"))

	var events []oddsEvent
	if err := p.client.GetJSON(ctx, p.Endpoint()+"?"+q.Encode(), nil, &events); err != nil {
		return nil, fmt.Errorf("failed to fetch odds: %w", err)
	}

	records := make([]ingest.Record, 0, len(events))
	for _, ev := range events {
		odds, ok := consensus(ev)
		if !ok {
			continue
		}
		home, away := TeamAbbreviation(ev.HomeTeam), TeamAbbreviation(ev.AwayTeam)
		records = append(records, ingest.Record{
			GameKey:  ingest.GameKey(ev.CommenceTime, p.loc, away, home),
			Provider: p.name,
			Kind:     ingest.KindOdds,
			Odds:     odds,
			Extra:    map[string]string{"event_id": ev.ID},
		})
	}
	return records, nil
}

// consensus averages every bookmaker's prices for the event
func consensus(ev oddsEvent) (*ingest.Odds, bool) {
	var (
		homeSum, awaySum, spreadSum, totalSum float64
		h2hN, spreadN, totalN                 int
	)
	for _, b := range ev.Bookmakers {
		for _, m := range b.Markets {
			switch m.Key {
			case "h2h":
				var home, away float64
				for _, o := range m.Outcomes {
					switch o.Name {
					case ev.HomeTeam:
						home = o.Price
					case ev.AwayTeam:
						away = o.Price
					}
				}
				if home > 1 && away > 1 {
					homeSum += home
					awaySum += away
					h2hN++
				}
			case "spreads":
				for _, o := range m.Outcomes {
					if o.Name == ev.HomeTeam && o.Point != nil {
						spreadSum += *o.Point
						spreadN++
					}
				}
			case "totals":
				for _, o := range m.Outcomes {
					if o.Name == "Over" && o.Point != nil {
						totalSum += *o.Point
						totalN++
					}
				}
			}
		}
	}
	if h2hN == 0 {
		return nil, false
	}

	odds := &ingest.Odds{
		HomeDecimal: homeSum / float64(h2hN),
		AwayDecimal: awaySum / float64(h2hN),
		Bookmakers:  len(ev.Bookmakers),
	}
	if spreadN > 0 {
		v := spreadSum / float64(spreadN)
		odds.Spread = &v
	}
	if totalN > 0 {
		v := totalSum / float64(totalN)
		odds.Total = &v
	}
	return odds, true
}
