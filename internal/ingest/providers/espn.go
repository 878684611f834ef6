package providers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/pickrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/pickrun/internal/ingest"
)

// ESPNBaseURL is the public scoreboard API root
const ESPNBaseURL = "https://site.api.espn.com/apis/site/v2/sports"

type espnScoreboard struct {
	Events []espnEvent `json:"events"`
}

type espnEvent struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Season struct {
		Year int `json:"year"`
	} `json:"season"`
	Status struct {
		Type struct {
			Name      string `json:"name"`
			Completed bool   `json:"completed"`
		} `json:"type"`
	} `json:"status"`
	Competitions []struct {
		Competitors []struct {
			HomeAway string `json:"homeAway"`
			Score    string `json:"score"`
			Team     struct {
				Abbreviation string `json:"abbreviation"`
			} `json:"team"`
		} `json:"competitors"`
	} `json:"competitions"`
}

// ESPN fetches the schedule and results from the ESPN scoreboard
type ESPN struct {
	name    string
	baseURL string
	sport   string
	client  *httpclient.Client
	loc     *time.Location
}

// NewESPN creates the scoreboard provider
func NewESPN(c Config, client *httpclient.Client, loc *time.Location) *ESPN {
	base := c.BaseURL
	if base == "" {
		base = ESPNBaseURL
	}
	sport := c.Sport
	if sport == "" {
		sport = "basketball/nba"
	}
	return &ESPN{name: c.Name, baseURL: base, sport: sport, client: client, loc: loc}
}

func (p *ESPN) Name() string     { return p.name }
func (p *ESPN) Version() string  { return "site-v2" }
func (p *ESPN) Endpoint() string { return fmt.Sprintf("%s/%s/scoreboard", p.baseURL, p.sport) }

// Fetch returns one schedule record per event on the date
func (p *ESPN) Fetch(ctx context.Context, date time.Time) ([]ingest.Record, error) {
	url := fmt.Sprintf("%s?dates=%s", p.Endpoint(), date.Format("20060102"))
	var board espnScoreboard
	if err := p.client.GetJSON(ctx, url, nil, &board); err != nil {
		return nil, fmt.Errorf("failed to fetch ESPN scoreboard: %w", err)
	}

	records := make([]ingest.Record, 0, len(board.Events))
	for _, ev := range board.Events {
		rec, ok := p.toRecord(ev)
		if ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (p *ESPN) toRecord(ev espnEvent) (ingest.Record, bool) {
	if len(ev.Competitions) == 0 {
		return ingest.Record{}, false
	}
	commence, err := parseESPNTime(ev.Date)
	if err != nil {
		return ingest.Record{}, false
	}

	s := &ingest.Schedule{
		EventID:      ev.ID,
		CommenceTime: commence,
		Status:       espnStatus(ev.Status.Type.Name, ev.Status.Type.Completed),
		Season:       ev.Season.Year,
	}
	for _, c := range ev.Competitions[0].Competitors {
		score, scoreErr := strconv.Atoi(c.Score)
		switch c.HomeAway {
		case "home":
			s.HomeTeam = c.Team.Abbreviation
			if scoreErr == nil {
				s.HomeScore = &score
			}
		case "away":
			s.AwayTeam = c.Team.Abbreviation
			if scoreErr == nil {
				s.AwayScore = &score
			}
		}
	}
	if s.HomeTeam == "" || s.AwayTeam == "" {
		return ingest.Record{}, false
	}
	if s.Status != ingest.GameFinal {
		s.HomeScore, s.AwayScore = nil, nil
	}

	return ingest.Record{
		GameKey:  ingest.GameKey(commence, p.loc, s.AwayTeam, s.HomeTeam),
		Provider: p.name,
		Kind:     ingest.KindSchedule,
		Schedule: s,
		Extra:    map[string]string{"event_id": ev.ID},
	}, true
}

func parseESPNTime(v string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04Z", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ESPN time %q", v)
}

func espnStatus(name string, completed bool) string {
	switch name {
	case "STATUS_FINAL", "STATUS_FINAL_OT":
		return ingest.GameFinal
	case "STATUS_IN_PROGRESS", "STATUS_HALFTIME", "STATUS_END_PERIOD":
		return ingest.GameInProgress
	case "STATUS_POSTPONED":
		return ingest.GamePostponed
	case "STATUS_CANCELED", "STATUS_CANCELLED":
		return ingest.GameCancelled
	}
	if completed {
		return ingest.GameFinal
	}
	return ingest.GameScheduled
}
