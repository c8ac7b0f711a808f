package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framecast-project/framecast/internal/config"
	"github.com/framecast-project/framecast/internal/db"
	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/protocol"
	"github.com/framecast-project/framecast/internal/server"
	"github.com/framecast-project/framecast/internal/stats"
	"github.com/framecast-project/framecast/internal/util"
)

type fakeController struct {
	mu      sync.Mutex
	clients []server.ClientInfo
	agg     *stats.Aggregator
	kicked  []int
	epoch   uint8
}

func (f *fakeController) Status() server.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return server.Status{
		Name:      "test",
		Epoch:     f.epoch,
		Clients:   len(f.clients),
		Capacity:  4,
		Streaming: len(f.clients),
		HasScene:  true,
		Uptime:    90 * time.Second,
	}
}

func (f *fakeController) Clients() []server.ClientInfo { return f.clients }
func (f *fakeController) Stats() *stats.Aggregator     { return f.agg }

func (f *fakeController) Kick(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.Handle.Slot == slot {
			f.kicked = append(f.kicked, slot)
			return nil
		}
	}
	return fmt.Errorf("failed to kick slot %d: %w", slot, server.ErrNoClient)
}

func (f *fakeController) BumpEpoch() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	return f.epoch
}

type fakeSessions struct {
	sessions []db.Session
	windows  []db.Window
}

func (f *fakeSessions) Recent(ctx context.Context, limit int) ([]db.Session, error) {
	return f.sessions[:min(limit, len(f.sessions))], nil
}

func (f *fakeSessions) Windows(ctx context.Context, limit int) ([]db.Window, error) {
	return f.windows[:min(limit, len(f.windows))], nil
}

func newTestServer(t *testing.T, mutate func(*config.ApplicationData)) (*Server, *fakeController, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.json"))
	app := cfg.GetApplicationData()
	app.Logging.Directory = t.TempDir()
	if mutate != nil {
		mutate(&app)
	}
	cfg.SetApplicationData(app)

	ctrl := &fakeController{
		agg: stats.NewAggregator(),
		clients: []server.ClientInfo{
			{Handle: server.Handle{Slot: 0, Generation: 1}, Name: "alpha", Width: 640, Height: 480, State: "streaming"},
			{Handle: server.Handle{Slot: 2, Generation: 3}, Name: "beta", Width: 320, Height: 240, State: "transferring"},
		},
	}
	return NewServer(cfg, nil, ctrl), ctrl, cfg
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndStatus(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health struct {
		Status   string `json:"status"`
		HasScene bool   `json:"has_scene"`
	}
	decode(t, rec, &health)
	if health.Status != "ok" || !health.HasScene {
		t.Fatalf("health = %+v", health)
	}
	if got := rec.Header().Get("Server"); got != "Framecast" {
		t.Fatalf("Server header = %q", got)
	}

	rec = do(t, h, http.MethodGet, "/api/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		Server server.Status `json:"server"`
		Uptime string        `json:"uptime"`
	}
	decode(t, rec, &status)
	if status.Server.Clients != 2 || status.Server.Capacity != 4 {
		t.Fatalf("status = %+v", status.Server)
	}
	if status.Uptime != "1m30s" {
		t.Fatalf("uptime = %q", status.Uptime)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("api responses should carry X-Frame-Options")
	}

	rec = do(t, h, http.MethodGet, "/api/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown endpoint = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/ws/stats") {
		t.Fatalf("dashboard = %d", rec.Code)
	}
}

func TestConnections(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/connections", "", "")
	var body struct {
		Connections []server.ClientInfo `json:"connections"`
		Total       int                 `json:"total"`
		Capacity    int                 `json:"capacity"`
	}
	decode(t, rec, &body)
	if body.Total != 2 || body.Capacity != 4 {
		t.Fatalf("body = %+v", body)
	}
	if body.Connections[1].Name != "beta" || body.Connections[1].Handle.Slot != 2 {
		t.Fatalf("second connection = %+v", body.Connections[1])
	}
}

func TestStats(t *testing.T) {
	s, ctrl, _ := newTestServer(t, nil)
	ctrl.agg.AddBytes(0, protocol.MsgFrameLine, 100)
	ctrl.agg.AddBytes(2, protocol.MsgSceneLine, 50)
	ctrl.agg.AddFrame(0, 0, 0, 400, 100)
	ctrl.agg.Rotate()

	rec := do(t, s.Handler(), http.MethodGet, "/api/stats", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var body struct {
		Total           windowView            `json:"total"`
		Clients         map[string]windowView `json:"clients"`
		CumulativeBytes uint64                `json:"cumulative_bytes"`
	}
	decode(t, rec, &body)
	if body.Total.TotalBytes != 150 {
		t.Fatalf("total bytes = %d", body.Total.TotalBytes)
	}
	if body.Clients["0"].Frames != 1 || body.Clients["2"].TotalBytes != 50 {
		t.Fatalf("clients = %+v", body.Clients)
	}
	if body.Clients["0"].Ratio != 0.25 {
		t.Fatalf("ratio = %v", body.Clients["0"].Ratio)
	}
	if body.CumulativeBytes != 150 {
		t.Fatalf("cumulative = %d", body.CumulativeBytes)
	}
}

func TestKick(t *testing.T) {
	s, ctrl, _ := newTestServer(t, nil)
	h := s.Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/api/connections/2/kick", http.StatusOK},
		{"/api/connections/1/kick", http.StatusNotFound},
		{"/api/connections/x/kick", http.StatusBadRequest},
		{"/api/connections/-1/kick", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, tt.path, "", "")
		if rec.Code != tt.want {
			t.Errorf("%s = %d, want %d (%s)", tt.path, rec.Code, tt.want, rec.Body.String())
		}
	}
	if len(ctrl.kicked) != 1 || ctrl.kicked[0] != 2 {
		t.Fatalf("kicked = %v", ctrl.kicked)
	}
}

func TestControlRequiresToken(t *testing.T) {
	s, ctrl, _ := newTestServer(t, func(app *config.ApplicationData) {
		app.API.AuthToken = "secret"
	})
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/api/scene/epoch", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/scene/epoch", "", "wrong"); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if ctrl.epoch != 0 {
		t.Fatal("rejected request bumped the epoch")
	}

	rec := do(t, h, http.MethodPost, "/api/scene/epoch", "", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("good token = %d", rec.Code)
	}
	var body struct {
		Epoch uint8 `json:"epoch"`
	}
	decode(t, rec, &body)
	if body.Epoch != 1 {
		t.Fatalf("epoch = %d", body.Epoch)
	}

	// Monitoring stays open.
	if rec := do(t, h, http.MethodGet, "/api/connections", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("monitor without token = %d", rec.Code)
	}
}

func TestSessions(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/api/sessions", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("without store = %d", rec.Code)
	}

	s, _, _ = newTestServer(t, nil)
	s.SetDependencies(&fakeSessions{
		sessions: []db.Session{{ID: "a", Slot: 0}, {ID: "b", Slot: 1}, {ID: "c", Slot: 2}},
		windows:  []db.Window{{ID: "w", Bytes: 10}},
	}, nil)
	h = s.Handler()

	rec := do(t, h, http.MethodGet, "/api/sessions?limit=2", "", "")
	var sessions struct {
		Sessions []db.Session `json:"sessions"`
		Count    int          `json:"count"`
	}
	decode(t, rec, &sessions)
	if sessions.Count != 2 || sessions.Sessions[0].ID != "a" {
		t.Fatalf("sessions = %+v", sessions)
	}

	rec = do(t, h, http.MethodGet, "/api/stats/history", "", "")
	var windows struct {
		Count int `json:"count"`
	}
	decode(t, rec, &windows)
	if windows.Count != 1 {
		t.Fatalf("windows = %+v", windows)
	}
}

func TestMetricsRoute(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	s.SetDependencies(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("framecast_up 1\n"))
	}))
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "framecast_up") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst should allow two requests")
	}
	if rl.Allow("a") {
		t.Fatal("third request in the same instant should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("limits are per IP")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatal("token should refill after a second")
	}

	now = now.Add(2 * limiterIdle)
	rl.Allow("c")
	if len(rl.clients) != 1 {
		t.Fatalf("idle clients not swept: %d left", len(rl.clients))
	}

	if !NewRateLimiter(0).Allow("a") {
		t.Fatal("zero rate disables limiting")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _, _ := newTestServer(t, func(app *config.ApplicationData) {
		app.API.RateLimitRPS = 1
	})
	h := s.Handler()
	var codes []int
	for n := 0; n < 3; n++ {
		codes = append(codes, do(t, h, http.MethodGet, "/health", "", "").Code)
	}
	if codes[0] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestConfigRedactsAndUpdates(t *testing.T) {
	s, _, cfg := newTestServer(t, func(app *config.ApplicationData) {
		app.API.AuthToken = "secret"
	})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/config", "", "")
	var body struct {
		ApplicationData config.ApplicationData `json:"application_data"`
	}
	decode(t, rec, &body)
	if body.ApplicationData.API.AuthToken != redacted {
		t.Fatalf("token leaked: %q", body.ApplicationData.API.AuthToken)
	}

	// Send the redacted view back with one change.
	body.ApplicationData.Logging.Level = "debug"
	payload, _ := json.Marshal(body.ApplicationData)
	rec = do(t, h, http.MethodPost, "/api/config/application_data", string(payload), "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rec.Code, rec.Body.String())
	}
	app := cfg.GetApplicationData()
	if app.Logging.Level != "debug" {
		t.Fatalf("level = %q", app.Logging.Level)
	}
	if app.API.AuthToken != "secret" {
		t.Fatalf("token = %q, want it kept", app.API.AuthToken)
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}

	body.ApplicationData.Logging.Level = "loud"
	payload, _ = json.Marshal(body.ApplicationData)
	rec = do(t, h, http.MethodPost, "/api/config/application_data", string(payload), "secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid update = %d", rec.Code)
	}
	if cfg.GetApplicationData().Logging.Level != "debug" {
		t.Fatal("invalid update was applied")
	}
}

func TestConfigUpdateEmitsEvent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.json"))
	bus := events.NewEventBus()
	defer bus.Stop()

	got := make(chan events.ConfigChangedPayload, 1)
	bus.Subscribe(events.EventConfigChanged, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.ConfigChangedPayload)
		return nil
	})

	s := NewServer(cfg, bus, &fakeController{agg: stats.NewAggregator()})
	app := cfg.GetApplicationData()
	app.Logging.Level = "warn"
	payload, _ := json.Marshal(app)
	if rec := do(t, s.Handler(), http.MethodPost, "/api/config/application_data", string(payload), ""); rec.Code != http.StatusOK {
		t.Fatalf("update = %d", rec.Code)
	}

	select {
	case p := <-got:
		if p.Section != "application_data" {
			t.Fatalf("section = %q", p.Section)
		}
		if p.Value.(config.ApplicationData).Logging.Level != "warn" {
			t.Fatalf("value = %+v", p.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config_changed event")
	}
}

func TestLogEntries(t *testing.T) {
	s, _, cfg := newTestServer(t, nil)
	lines := []string{
		`{"level":"info","time":"2026-01-01T00:00:00Z","component":"server","message":"one"}`,
		`{"level":"warn","time":"2026-01-01T00:00:01Z","component":"server","message":"two","slot":3}`,
		`not json`,
	}
	path := filepath.Join(cfg.GetApplicationData().Logging.Directory, util.LogFileName)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/api/logs?count=2", "", "")
	var body struct {
		Entries []logEntry `json:"entries"`
		Count   int        `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 2 {
		t.Fatalf("count = %d", body.Count)
	}
	first := body.Entries[0]
	if first.Message != "two" || first.Level != "warn" || first.Component != "server" {
		t.Fatalf("first = %+v", first)
	}
	if first.Fields["slot"] != float64(3) {
		t.Fatalf("fields = %v", first.Fields)
	}
	if body.Entries[1].Message != "not json" {
		t.Fatalf("raw line = %+v", body.Entries[1])
	}
}

func TestLogEntriesMissingFile(t *testing.T) {
	entries, err := readRecentLogEntries(filepath.Join(t.TempDir(), "absent.log"), 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries = %v, err = %v", entries, err)
	}
}

func TestStatsStream(t *testing.T) {
	cfg := config.DefaultConfig()
	bus := events.NewEventBus()
	defer bus.Stop()
	s := NewServer(cfg, bus, &fakeController{agg: stats.NewAggregator()})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/stats", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.stream.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err = bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventEpochChanged,
		Source:  "test",
		Payload: events.EpochChangedPayload{Epoch: 4, Width: 64, Height: 32},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string                     `json:"type"`
		Payload events.EpochChangedPayload `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != string(events.EventEpochChanged) || msg.Payload.Epoch != 4 {
		t.Fatalf("msg = %+v", msg)
	}

	err = bus.EmitSync(context.Background(), events.Event{
		Type:   events.EventStatsWindow,
		Source: "test",
		Payload: events.StatsWindowPayload{
			Window:  2 * time.Second,
			Clients: map[int]stats.Counters{3: {Frames: 60}},
		},
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	var window struct {
		Type    string          `json:"type"`
		Payload statsWindowView `json:"payload"`
	}
	if err := conn.ReadJSON(&window); err != nil {
		t.Fatalf("read: %v", err)
	}
	if window.Payload.WindowSec != 2 || window.Payload.Clients["3"].Frames != 60 {
		t.Fatalf("window = %+v", window.Payload)
	}

	s.stream.Close()
	if s.stream.ClientCount() != 0 {
		t.Fatal("close left subscribers")
	}
}
