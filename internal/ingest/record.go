// Package ingest fans out to the external data providers for a run date and
// merges their records into per-game prediction inputs.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record kinds
const (
	KindSchedule = "schedule"
	KindOdds     = "odds"
	KindRatings  = "ratings"
)

// Game statuses as normalized from providers
const (
	GameScheduled  = "scheduled"
	GameInProgress = "in_progress"
	GameFinal      = "final"
	GamePostponed  = "postponed"
	GameCancelled  = "cancelled"
)

// Provider is an external data source
type Provider interface {
	Name() string
	Version() string
	Endpoint() string
	Fetch(ctx context.Context, date time.Time) ([]Record, error)
}

// Schedule is a provider's view of the fixture and its result
type Schedule struct {
	EventID      string    `json:"eventId,omitempty"`
	HomeTeam     string    `json:"homeTeam"`
	AwayTeam     string    `json:"awayTeam"`
	CommenceTime time.Time `json:"commenceTime"`
	Status       string    `json:"status"`
	HomeScore    *int      `json:"homeScore,omitempty"`
	AwayScore    *int      `json:"awayScore,omitempty"`
	Season       int       `json:"season,omitempty"`
}

// Odds are consensus market prices in decimal odds
type Odds struct {
	HomeDecimal float64  `json:"homeDecimal"`
	AwayDecimal float64  `json:"awayDecimal"`
	Spread      *float64 `json:"spread,omitempty"` // home handicap, negative when home is favored
	Total       *float64 `json:"total,omitempty"`
	Bookmakers  int      `json:"bookmakers"`
}

// ImpliedProbabilities returns vig-free implied win probabilities
func (o Odds) ImpliedProbabilities() (home, away float64, ok bool) {
	if o.HomeDecimal <= 1 || o.AwayDecimal <= 1 {
		return 0, 0, false
	}
	h, a := 1/o.HomeDecimal, 1/o.AwayDecimal
	return h / (h + a), a / (h + a), true
}

// Ratings are team strength inputs
type Ratings struct {
	HomeElo        float64  `json:"homeElo"`
	AwayElo        float64  `json:"awayElo"`
	HomeLast10Wins *float64 `json:"homeLast10Wins,omitempty"`
	AwayLast10Wins *float64 `json:"awayLast10Wins,omitempty"`
	RestDaysHome   *float64 `json:"restDaysHome,omitempty"`
	RestDaysAway   *float64 `json:"restDaysAway,omitempty"`
}

// Record is one provider observation of one game. Exactly one of the typed
// payloads is set according to Kind; Extra carries provider specifics.
type Record struct {
	GameKey   string            `json:"gameKey"`
	Provider  string            `json:"provider"`
	Kind      string            `json:"kind"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Schedule  *Schedule         `json:"schedule,omitempty"`
	Odds      *Odds             `json:"odds,omitempty"`
	Ratings   *Ratings          `json:"ratings,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Validate checks that the record carries the payload its kind names
func (r Record) Validate() error {
	if r.GameKey == "" {
		return fmt.Errorf("record from %s has no game key", r.Provider)
	}
	switch r.Kind {
	case KindSchedule:
		if r.Schedule == nil {
			return fmt.Errorf("schedule record %s has no schedule payload", r.GameKey)
		}
	case KindOdds:
		if r.Odds == nil {
			return fmt.Errorf("odds record %s has no odds payload", r.GameKey)
		}
	case KindRatings:
		if r.Ratings == nil {
			return fmt.Errorf("ratings record %s has no ratings payload", r.GameKey)
		}
	default:
		return fmt.Errorf("record %s has unknown kind %q", r.GameKey, r.Kind)
	}
	return nil
}

// GameKey builds the cross-provider identity of a game: YYYYMMDD:AWAY@HOME
// on the game's calendar date in loc
func GameKey(commence time.Time, loc *time.Location, away, home string) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s:%s@%s", commence.In(loc).Format("20060102"),
		strings.ToUpper(strings.TrimSpace(away)), strings.ToUpper(strings.TrimSpace(home)))
}
