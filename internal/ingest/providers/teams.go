package providers

import "strings"

// nbaTeams maps full franchise names, as used by odds feeds, to the
// abbreviations used by the scoreboard
var nbaTeams = map[string]string{
	"atlanta hawks":          "ATL",
	"boston celtics":         "BOS",
	"brooklyn nets":          "BKN",
	"charlotte hornets":      "CHA",
	"chicago bulls":          "CHI",
	"cleveland cavaliers":    "CLE",
	"dallas mavericks":       "DAL",
	"denver nuggets":         "DEN",
	"detroit pistons":        "DET",
	"golden state warriors":  "GS",
	"houston rockets":        "HOU",
	"indiana pacers":         "IND",
	"los angeles clippers":   "LAC",
	"la clippers":            "LAC",
	"los angeles lakers":     "LAL",
	"memphis grizzlies":      "MEM",
	"miami heat":             "MIA",
	"milwaukee bucks":        "MIL",
	"minnesota timberwolves": "MIN",
	"new orleans pelicans":   "NO",
	"new york knicks":        "NY",
	"oklahoma city thunder":  "OKC",
	"orlando magic":          "ORL",
	"philadelphia 76ers":     "PHI",
	"phoenix suns":           "PHX",
	"portland trail blazers": "POR",
	"sacramento kings":       "SAC",
	"san antonio spurs":      "SA",
	"toronto raptors":        "TOR",
	"utah jazz":              "UTAH",
	"washington wizards":     "WSH",
}

// TeamAbbreviation normalizes a team name to its scoreboard abbreviation.
// Unknown names are returned upper-cased so keys stay deterministic.
func TeamAbbreviation(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if abbr, ok := nbaTeams[key]; ok {
		return abbr
	}
	return strings.ToUpper(strings.TrimSpace(name))
}
