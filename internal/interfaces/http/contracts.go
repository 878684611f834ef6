package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/scheduler"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string                   `json:"status"` // "healthy" or "unhealthy"
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Version   string                   `json:"version"`
	Scheduler *scheduler.Health        `json:"scheduler,omitempty"`
	Database  *persistence.HealthCheck `json:"database,omitempty"`
	HardStop  HardStopResponse         `json:"hardStop"`
	Checks    map[string]CheckResult   `json:"checks"`
}

// CheckResult is one named health check
type CheckResult struct {
	Status  string `json:"status"` // "pass", "warn" or "fail"
	Message string `json:"message,omitempty"`
}

// TriggerRequest is the optional body of POST /runs
type TriggerRequest struct {
	Date          string `json:"date,omitempty"` // YYYY-MM-DD, default today
	SkipIngestion bool   `json:"skipIngestion"`
	SkipInference bool   `json:"skipInference"`
}

// RunResponse is the body of GET /runs/{date}
type RunResponse struct {
	Run       models.DailyRun         `json:"run"`
	Decisions []models.PolicyDecision `json:"decisions"`
}

// HardStopResponse reports the register and its limits
type HardStopResponse struct {
	Active               bool       `json:"active"`
	Halted               bool       `json:"halted"`
	Reason               string     `json:"reason,omitempty"`
	DailyLoss            string     `json:"dailyLoss"`
	ConsecutiveLosses    int        `json:"consecutiveLosses"`
	BankrollPercent      string     `json:"bankrollPercent"`
	TradingDay           *time.Time `json:"tradingDay,omitempty"`
	TriggeredAt          *time.Time `json:"triggeredAt,omitempty"`
	LastResetAt          *time.Time `json:"lastResetAt,omitempty"`
	DailyLossLimit       string     `json:"dailyLossLimit"`
	MaxConsecutiveLosses int        `json:"maxConsecutiveLosses"`
	MaxBankrollPercent   string     `json:"maxBankrollPercent"`
}

// ResetRequest is the body of POST /hardstop
type ResetRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
