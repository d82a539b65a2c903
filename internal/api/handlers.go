package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"perphedge/internal/capital"
	"perphedge/internal/config"
	"perphedge/internal/conn"
	"perphedge/internal/risk"
	"perphedge/internal/scheduler"
	"perphedge/internal/store"
)

// SchedulerView is the read surface the handlers need from the scheduler.
type SchedulerView interface {
	GetStats() scheduler.Stats
	TerminalJobs() []scheduler.JobRecord
}

// CapitalView is the operator surface on the capital coordinator: pool
// snapshots plus venue removal.
type CapitalView interface {
	Snapshot() []capital.VenueSnapshot
	DeregisterVenue(id string)
}

// HealthView is the read surface from the connection supervisor.
type HealthView interface {
	Snapshot() []conn.VenueConnSnapshot
}

// RiskControl is the control surface on the risk evaluator.
type RiskControl interface {
	GetSnapshot() risk.Snapshot
	SetGlobalKill(on bool)
	SetVenueKill(venue string, on bool)
	SetMode(mode string, preset config.ModePreset)
	SetOverride(enabled bool)
}

// EventSink records operator actions as risk events. May be nil.
type EventSink interface {
	AppendRiskEvent(ev store.RiskEvent) error
}

// Handlers implements the operator endpoints.
type Handlers struct {
	cfg       *config.Config
	sched     SchedulerView
	capital   CapitalView
	health    HealthView
	riskCtl   RiskControl
	events    EventSink
	onKillAll func() // best-effort cancel-all hook, may be nil
	logger    *slog.Logger
}

// NewHandlers wires the operator endpoints. events and onKillAll may be nil.
func NewHandlers(cfg *config.Config, sched SchedulerView, cap CapitalView, health HealthView, riskCtl RiskControl, events EventSink, onKillAll func(), logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:       cfg,
		sched:     sched,
		capital:   cap,
		health:    health,
		riskCtl:   riskCtl,
		events:    events,
		onKillAll: onKillAll,
		logger:    logger.With("component", "api"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth reports per-venue connection health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"venues": h.health.Snapshot(),
		"time":   time.Now(),
	})
}

// stateResponse is the global stats snapshot.
type stateResponse struct {
	Equity      float64         `json:"equity"`
	TodayPnL    float64         `json:"today_pnl"`
	TodayVolume float64         `json:"today_volume"`
	Jobs        scheduler.Stats `json:"jobs"`
	Risk        risk.Snapshot   `json:"risk"`
	DryRun      bool            `json:"dry_run"`
	Time        time.Time       `json:"time"`
}

// HandleState reports global equity, pnl, job counters, and risk state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		Jobs:   h.sched.GetStats(),
		Risk:   h.riskCtl.GetSnapshot(),
		DryRun: h.cfg.DryRun,
		Time:   time.Now(),
	}
	for _, vs := range h.capital.Snapshot() {
		resp.Equity += vs.Equity
		resp.TodayPnL += vs.RealizedToday
		resp.TodayVolume += vs.VolumeToday
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleJobs returns the terminal job ring, newest last.
func (h *Handlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.TerminalJobs())
}

// HandleCapital returns per-venue pool utilization.
func (h *Handlers) HandleCapital(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.capital.Snapshot())
}

// parseScope splits "global" or "venue:<id>".
func parseScope(raw string) (global bool, venue string, err error) {
	switch {
	case raw == "global":
		return true, "", nil
	case strings.HasPrefix(raw, "venue:"):
		id := strings.TrimPrefix(raw, "venue:")
		if id == "" {
			return false, "", fmt.Errorf("empty venue id in scope")
		}
		return false, id, nil
	default:
		return false, "", fmt.Errorf("scope must be global or venue:<id>")
	}
}

// HandleKill activates a kill switch. Global kill also triggers best-effort
// cancel-all on every venue.
func (h *Handlers) HandleKill(w http.ResponseWriter, r *http.Request) {
	global, venue, err := parseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if global {
		h.riskCtl.SetGlobalKill(true)
		if h.onKillAll != nil {
			go h.onKillAll()
		}
		h.recordEvent("kill_switch", "global activated")
	} else {
		h.riskCtl.SetVenueKill(venue, true)
		h.recordEvent("kill_switch", "venue "+venue+" activated")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// HandleResume clears a kill switch.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	global, venue, err := parseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if global {
		h.riskCtl.SetGlobalKill(false)
		h.recordEvent("kill_switch", "global cleared")
	} else {
		h.riskCtl.SetVenueKill(venue, false)
		h.recordEvent("kill_switch", "venue "+venue+" cleared")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// HandleVenueRemove takes a venue out of capital allocation. In-flight
// reservations against it still release; no new jobs can reserve on it.
func (h *Handlers) HandleVenueRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	known := false
	for _, vs := range h.capital.Snapshot() {
		if vs.Venue == id {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "unknown venue "+id)
		return
	}
	h.capital.DeregisterVenue(id)
	h.riskCtl.SetVenueKill(id, true)
	h.recordEvent("venue_removed", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "venue": id})
}

// HandleMode switches the risk mode.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	switch body.Mode {
	case "conservative", "balanced", "aggressive":
	default:
		writeError(w, http.StatusBadRequest, "mode must be conservative, balanced, or aggressive")
		return
	}
	h.riskCtl.SetMode(body.Mode, h.cfg.Preset(body.Mode))
	h.recordEvent("mode_change", body.Mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": body.Mode})
}

// HandleOverride toggles the manual risk override.
func (h *Handlers) HandleOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	h.riskCtl.SetOverride(body.Enabled)
	h.recordEvent("override", fmt.Sprintf("enabled=%t", body.Enabled))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (h *Handlers) recordEvent(kind, detail string) {
	if h.events == nil {
		return
	}
	if err := h.events.AppendRiskEvent(store.RiskEvent{Time: time.Now(), Kind: kind, Detail: detail}); err != nil {
		h.logger.Warn("record risk event failed", "kind", kind, "error", err)
	}
}
