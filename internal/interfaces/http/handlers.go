package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/pickrun/internal/hardstop"
	"github.com/sawpanic/pickrun/internal/metrics"
	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/persistence"
	"github.com/sawpanic/pickrun/internal/scheduler"
)

// RunTrigger starts runs and reports scheduler health
type RunTrigger interface {
	TriggerDailyRun(ctx context.Context, opts scheduler.TriggerOptions) (*scheduler.RunReport, error)
	Health(ctx context.Context) (scheduler.Health, error)
}

// HardStopRegister is the operator view of the hard-stop tracker
type HardStopRegister interface {
	Refresh(ctx context.Context) (hardstop.Snapshot, error)
	Reset(ctx context.Context, reason string) (hardstop.Snapshot, error)
}

// ReadCache caches run views
type ReadCache interface {
	RunKey(runDate time.Time) string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Deps are the handler collaborators. Cache, Database and Metrics are
// optional.
type Deps struct {
	Scheduler RunTrigger
	Runs      persistence.RunRepo
	Decisions persistence.DecisionRepo
	HardStop  HardStopRegister
	Cache     ReadCache
	Database  persistence.RepositoryHealth
	Metrics   *metrics.Registry
	Version   string
}

// Handlers implements the operator endpoints
type Handlers struct {
	deps    Deps
	started time.Time
}

// NewHandlers creates the handler set
func NewHandlers(deps Deps) *Handlers {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Handlers{deps: deps, started: time.Now()}
}

// Metrics serves the Prometheus registry
func (h *Handlers) Metrics() http.Handler {
	if h.deps.Metrics == nil {
		return http.NotFoundHandler()
	}
	return h.deps.Metrics.Handler()
}

// Health reports scheduler, database and hard-stop status. Any failing check
// answers 503. An active hard stop is a warning, not a failure.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.deps.Version,
		Checks:    map[string]CheckResult{},
	}
	fail := func(name, msg string) {
		resp.Status = "unhealthy"
		resp.Checks[name] = CheckResult{Status: "fail", Message: msg}
	}

	sh, err := h.deps.Scheduler.Health(ctx)
	switch {
	case err != nil:
		fail("scheduler", err.Error())
	case !sh.Healthy:
		resp.Scheduler = &sh
		fail("scheduler", "too many consecutive failed runs")
	default:
		resp.Scheduler = &sh
		resp.Checks["scheduler"] = CheckResult{Status: "pass"}
	}

	if h.deps.Database != nil {
		dh := h.deps.Database.Health(ctx)
		resp.Database = &dh
		if dh.Healthy {
			resp.Checks["database"] = CheckResult{Status: "pass"}
		} else {
			fail("database", strings.Join(dh.Errors, "; "))
		}
	}

	snap, err := h.deps.HardStop.Refresh(ctx)
	if err != nil {
		fail("hard_stop", err.Error())
	} else {
		resp.HardStop = hardStopView(snap)
		if resp.HardStop.Halted {
			resp.Checks["hard_stop"] = CheckResult{Status: "warn", Message: resp.HardStop.Reason}
		} else {
			resp.Checks["hard_stop"] = CheckResult{Status: "pass"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// TriggerRun executes a run for the requested date and answers with the
// recorded run. The run keeps going if the client disconnects.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	opts := scheduler.TriggerOptions{
		SkipIngestion: req.SkipIngestion,
		SkipInference: req.SkipInference,
		Trigger:       "manual",
	}
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		opts.Date = d
	}

	report, err := h.deps.Scheduler.TriggerDailyRun(context.WithoutCancel(r.Context()), opts)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Msg("Manual run failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetRun returns a run and its decisions. Finished runs are served from the
// read cache when one is configured.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	date, err := time.Parse("2006-01-02", mux.Vars(r)["date"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	var key string
	if h.deps.Cache != nil {
		key = h.deps.Cache.RunKey(date)
		cached, ok, err := h.deps.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Run cache read failed")
		}
		if ok {
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	run, err := h.deps.Runs.GetByDate(ctx, date)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no run for "+date.Format("2006-01-02"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	decisions, err := h.deps.Decisions.ListByRun(ctx, run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if decisions == nil {
		decisions = []models.PolicyDecision{}
	}

	body, err := json.Marshal(RunResponse{Run: *run, Decisions: decisions})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	finished := run.Status == models.RunCompleted || run.Status == models.RunFailed
	if key != "" && finished {
		if err := h.deps.Cache.Set(ctx, key, body); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Run cache write failed")
		}
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

// HardStop returns the current register
func (h *Handlers) HardStop(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.HardStop.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hardStopView(snap))
}

// ResetHardStop clears the register. A reason is required for the audit log.
func (h *Handlers) ResetHardStop(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	snap, err := h.deps.HardStop.Reset(r.Context(), "operator: "+req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.deps.Metrics.SetHardStop(false)
	writeJSON(w, http.StatusOK, hardStopView(snap))
}

func hardStopView(s hardstop.Snapshot) HardStopResponse {
	halted, reason := s.Halted()
	return HardStopResponse{
		Active:               s.State.IsActive,
		Halted:               halted,
		Reason:               reason,
		DailyLoss:            s.State.DailyLoss.StringFixed(2),
		ConsecutiveLosses:    s.State.ConsecutiveLosses,
		BankrollPercent:      s.State.BankrollPercent.StringFixed(2),
		TradingDay:           s.State.TradingDay,
		TriggeredAt:          s.State.TriggeredAt,
		LastResetAt:          s.State.LastResetAt,
		DailyLossLimit:       s.Limits.DailyLossLimit.StringFixed(2),
		MaxConsecutiveLosses: s.Limits.MaxConsecutiveLosses,
		MaxBankrollPercent:   s.Limits.MaxBankrollPercent.StringFixed(2),
	}
}
