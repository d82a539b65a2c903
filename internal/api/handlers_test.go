package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"perphedge/internal/capital"
	"perphedge/internal/config"
	"perphedge/internal/conn"
	"perphedge/internal/risk"
	"perphedge/internal/scheduler"
	"perphedge/internal/store"
)

// --- fakes ---

type fakeSched struct{}

func (fakeSched) GetStats() scheduler.Stats {
	return scheduler.Stats{Submitted: 10, Completed: 7, Failed: 1, Rejected: 2}
}

func (fakeSched) TerminalJobs() []scheduler.JobRecord {
	return []scheduler.JobRecord{{State: "completed", FinishedAt: time.Now()}}
}

type fakeCapital struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeCapital) Snapshot() []capital.VenueSnapshot {
	return []capital.VenueSnapshot{
		{Venue: "alpha", Equity: 100_000, RealizedToday: 50, VolumeToday: 20_000},
		{Venue: "beta", Equity: 100_000, RealizedToday: -10, VolumeToday: 15_000},
	}
}

func (f *fakeCapital) DeregisterVenue(id string) {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
}

type fakeHealth struct{}

func (fakeHealth) Snapshot() []conn.VenueConnSnapshot {
	return []conn.VenueConnSnapshot{{Venue: "alpha"}}
}

type fakeRiskCtl struct {
	mu         sync.Mutex
	globalKill bool
	venueKills map[string]bool
	mode       string
	override   bool
}

func (f *fakeRiskCtl) GetSnapshot() risk.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return risk.Snapshot{Mode: f.mode, GlobalKill: f.globalKill}
}

func (f *fakeRiskCtl) SetGlobalKill(on bool) {
	f.mu.Lock()
	f.globalKill = on
	f.mu.Unlock()
}

func (f *fakeRiskCtl) SetVenueKill(venue string, on bool) {
	f.mu.Lock()
	if f.venueKills == nil {
		f.venueKills = map[string]bool{}
	}
	f.venueKills[venue] = on
	f.mu.Unlock()
}

func (f *fakeRiskCtl) SetMode(mode string, _ config.ModePreset) {
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
}

func (f *fakeRiskCtl) SetOverride(enabled bool) {
	f.mu.Lock()
	f.override = enabled
	f.mu.Unlock()
}

type fakeEvents struct {
	mu  sync.Mutex
	evs []store.RiskEvent
}

func (f *fakeEvents) AppendRiskEvent(ev store.RiskEvent) error {
	f.mu.Lock()
	f.evs = append(f.evs, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeEvents) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.evs))
	for i, ev := range f.evs {
		out[i] = ev.Kind
	}
	return out
}

// --- helpers ---

type harness struct {
	h       *Handlers
	capital *fakeCapital
	riskCtl *fakeRiskCtl
	events  *fakeEvents
	killed  chan struct{}
}

func newHarness() *harness {
	cfg := config.Default()
	cfg.Venues = []config.VenueConfig{{ID: "alpha", Equity: 100_000}, {ID: "beta", Equity: 100_000}}
	cap := &fakeCapital{}
	riskCtl := &fakeRiskCtl{mode: "balanced"}
	events := &fakeEvents{}
	killed := make(chan struct{}, 1)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandlers(cfg, fakeSched{}, cap, fakeHealth{}, riskCtl, events,
		func() { killed <- struct{}{} }, logger)
	return &harness{h: h, capital: cap, riskCtl: riskCtl, events: events, killed: killed}
}

// --- tests ---

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	ha := newHarness()
	rec := httptest.NewRecorder()
	ha.h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStateAggregates(t *testing.T) {
	t.Parallel()
	ha := newHarness()
	rec := httptest.NewRecorder()
	ha.h.HandleState(rec, httptest.NewRequest(http.MethodGet, "/state", nil))

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Equity != 200_000 || resp.TodayPnL != 40 || resp.TodayVolume != 35_000 {
		t.Errorf("aggregates = %+v", resp)
	}
	if resp.Jobs.Completed != 7 || resp.Risk.Mode != "balanced" {
		t.Errorf("nested views = %+v", resp)
	}
}

func TestHandleKillGlobal(t *testing.T) {
	t.Parallel()
	ha := newHarness()
	rec := httptest.NewRecorder()
	ha.h.HandleKill(rec, httptest.NewRequest(http.MethodPost, "/control/kill?scope=global", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !ha.riskCtl.GetSnapshot().GlobalKill {
		t.Error("global kill not set")
	}
	select {
	case <-ha.killed:
	case <-time.After(time.Second):
		t.Error("global kill must trigger cancel-all")
	}
	if kinds := ha.events.kinds(); len(kinds) != 1 || kinds[0] != "kill_switch" {
		t.Errorf("events = %v", kinds)
	}
}

func TestHandleKillVenueAndResume(t *testing.T) {
	t.Parallel()
	ha := newHarness()

	rec := httptest.NewRecorder()
	ha.h.HandleKill(rec, httptest.NewRequest(http.MethodPost, "/control/kill?scope=venue:beta", nil))
	if !ha.riskCtl.venueKills["beta"] {
		t.Error("venue kill not set")
	}

	rec = httptest.NewRecorder()
	ha.h.HandleResume(rec, httptest.NewRequest(http.MethodPost, "/control/resume?scope=venue:beta", nil))
	if ha.riskCtl.venueKills["beta"] {
		t.Error("venue kill not cleared")
	}
}

func TestHandleKillBadScope(t *testing.T) {
	t.Parallel()
	ha := newHarness()
	for _, scope := range []string{"", "venue:", "everything"} {
		rec := httptest.NewRecorder()
		ha.h.HandleKill(rec, httptest.NewRequest(http.MethodPost, "/control/kill?scope="+scope, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("scope %q: status = %d, want 400", scope, rec.Code)
		}
	}
}

func TestHandleMode(t *testing.T) {
	t.Parallel()
	ha := newHarness()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/control/mode", strings.NewReader(`{"mode":"conservative"}`))
	ha.h.HandleMode(rec, req)
	if rec.Code != http.StatusOK || ha.riskCtl.GetSnapshot().Mode != "conservative" {
		t.Errorf("status = %d, mode = %s", rec.Code, ha.riskCtl.GetSnapshot().Mode)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/control/mode", strings.NewReader(`{"mode":"reckless"}`))
	ha.h.HandleMode(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode status = %d, want 400", rec.Code)
	}
}

func TestHandleOverride(t *testing.T) {
	t.Parallel()
	ha := newHarness()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/control/override", strings.NewReader(`{"enabled":true}`))
	ha.h.HandleOverride(rec, req)
	if rec.Code != http.StatusOK || !ha.riskCtl.override {
		t.Errorf("status = %d, override = %v", rec.Code, ha.riskCtl.override)
	}
}

func TestHandleVenueRemove(t *testing.T) {
	t.Parallel()
	ha := newHarness()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := NewServer(config.APIConfig{Enabled: true, Port: 0}, ha.h,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }), logger)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/control/venues/beta", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ha.capital.removed) != 1 || ha.capital.removed[0] != "beta" {
		t.Errorf("removed = %v, want [beta]", ha.capital.removed)
	}
	// Removal also kills the venue so the risk gate stops admitting its jobs.
	if !ha.riskCtl.venueKills["beta"] {
		t.Error("removed venue must be killed")
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/control/venues/gamma", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown venue status = %d, want 404", resp.StatusCode)
	}
}

func TestRouterWiring(t *testing.T) {
	t.Parallel()
	ha := newHarness()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := NewServer(config.APIConfig{Enabled: true, Port: 0}, ha.h,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }), logger)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, ep := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/state", http.StatusOK},
		{http.MethodGet, "/jobs", http.StatusOK},
		{http.MethodGet, "/capital", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/control/kill", http.StatusMethodNotAllowed},
	} {
		req, _ := http.NewRequest(ep.method, ts.URL+ep.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != ep.want {
			t.Errorf("%s %s: status = %d, want %d", ep.method, ep.path, resp.StatusCode, ep.want)
		}
	}
}
