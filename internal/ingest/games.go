package ingest

import (
	"sort"
	"time"

	"github.com/sawpanic/pickrun/internal/models"
)

// FeatureConfig controls derived features
type FeatureConfig struct {
	SeasonBaseYear int `yaml:"season_base_year"`
	SeasonSpan     int `yaml:"season_span"`
}

// DefaultFeatureConfig matches the model training normalization
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{SeasonBaseYear: 2010, SeasonSpan: 15}
}

// Game is every provider's view of one fixture, merged by game key
type Game struct {
	Key      string
	Schedule *Schedule
	Odds     *Odds
	Ratings  *Ratings
	Sources  []models.SourceObservation
	Extra    map[string]string
}

// Eligible reports whether the game can still be predicted
func (g Game) Eligible() bool {
	if g.Schedule == nil {
		return false
	}
	switch g.Schedule.Status {
	case GameFinal, GameInProgress, GameCancelled, GamePostponed:
		return false
	}
	return true
}

// Info returns the matchup description
func (g Game) Info() models.GameInfo {
	if g.Schedule == nil {
		return models.GameInfo{}
	}
	info := models.GameInfo{
		HomeTeam:     g.Schedule.HomeTeam,
		AwayTeam:     g.Schedule.AwayTeam,
		CommenceTime: g.Schedule.CommenceTime,
		Status:       g.Schedule.Status,
	}
	if g.Odds != nil {
		info.HomeOdds = g.Odds.HomeDecimal
		info.AwayOdds = g.Odds.AwayDecimal
	}
	return info
}

// Features derives the model features that the merged records support.
// Features no provider delivered are left absent, never defaulted.
func (g Game) Features(cfg FeatureConfig) models.Features {
	f := models.Features{}
	if r := g.Ratings; r != nil {
		diff := r.HomeElo - r.AwayElo
		f[models.FeatureEloDiff] = diff
		f[models.FeatureEloDiffNorm] = (diff + 400) / 800
		setOpt(f, models.FeatureHomeLast10Wins, r.HomeLast10Wins)
		setOpt(f, models.FeatureAwayLast10Wins, r.AwayLast10Wins)
		setOpt(f, models.FeatureRestDaysHome, r.RestDaysHome)
		setOpt(f, models.FeatureRestDaysAway, r.RestDaysAway)
	}
	if o := g.Odds; o != nil {
		setOpt(f, models.FeatureSpread, o.Spread)
		setOpt(f, models.FeatureOverUnder, o.Total)
		if home, away, ok := o.ImpliedProbabilities(); ok {
			f[models.FeatureMLHomeProb] = home
			f[models.FeatureMLAwayProb] = away
		}
	}
	if s := g.Schedule; s != nil && cfg.SeasonSpan > 0 {
		season := s.Season
		if season == 0 {
			season = seasonOf(s.CommenceTime)
		}
		f[models.FeatureSeasonNorm] = float64(season-cfg.SeasonBaseYear) / float64(cfg.SeasonSpan)
	}
	return f
}

// Input builds the prediction input for this game
func (g Game) Input(runID, userID string, cfg FeatureConfig) models.PredictionInput {
	return models.PredictionInput{
		MatchID:  g.Key,
		RunID:    runID,
		UserID:   userID,
		Game:     g.Info(),
		Features: g.Features(cfg),
		Sources:  append([]models.SourceObservation(nil), g.Sources...),
	}
}

func setOpt(f models.Features, name string, v *float64) {
	if v != nil {
		f[name] = *v
	}
}

// seasonOf returns the season label a date belongs to. Seasons that start in
// October are labeled by the year they end.
func seasonOf(t time.Time) int {
	if t.Month() >= time.October {
		return t.Year() + 1
	}
	return t.Year()
}

// Merge groups the successful records of a result into games sorted by
// commence time. Every provider is recorded as a source of every game with
// the record count it contributed and the timestamp of its oldest record.
func Merge(result Result) []Game {
	byKey := make(map[string]*Game)
	counts := make(map[string]map[string]int)
	oldest := make(map[string]map[string]time.Time)

	for _, r := range result.Data {
		g, ok := byKey[r.GameKey]
		if !ok {
			g = &Game{Key: r.GameKey}
			byKey[r.GameKey] = g
			counts[r.GameKey] = make(map[string]int)
			oldest[r.GameKey] = make(map[string]time.Time)
		}
		counts[r.GameKey][r.Provider]++
		if prev, seen := oldest[r.GameKey][r.Provider]; !seen || r.FetchedAt.Before(prev) {
			oldest[r.GameKey][r.Provider] = r.FetchedAt
		}
		switch r.Kind {
		case KindSchedule:
			if g.Schedule == nil {
				s := *r.Schedule
				g.Schedule = &s
			}
		case KindOdds:
			if g.Odds == nil {
				o := *r.Odds
				g.Odds = &o
			}
		case KindRatings:
			if g.Ratings == nil {
				rt := *r.Ratings
				g.Ratings = &rt
			}
		}
		for k, v := range r.Extra {
			if g.Extra == nil {
				g.Extra = make(map[string]string)
			}
			g.Extra[r.Provider+"."+k] = v
		}
	}

	names := result.providerNames()
	games := make([]Game, 0, len(byKey))
	for key, g := range byKey {
		for _, name := range names {
			pr := result.ByProvider[name]
			n := counts[key][name]
			obs := models.SourceObservation{Provider: name, RecordCount: n}
			if pr.Success && n > 0 {
				obs.Success = true
				obs.FetchedAt = oldest[key][name]
				if obs.FetchedAt.IsZero() {
					obs.FetchedAt = pr.Metadata.FetchedAt
				}
			}
			g.Sources = append(g.Sources, obs)
		}
		games = append(games, *g)
	}

	sort.Slice(games, func(i, j int) bool {
		ti, tj := commence(games[i]), commence(games[j])
		if ti.Equal(tj) {
			return games[i].Key < games[j].Key
		}
		return ti.Before(tj)
	})
	return games
}

func commence(g Game) time.Time {
	if g.Schedule == nil {
		return time.Time{}
	}
	return g.Schedule.CommenceTime
}
