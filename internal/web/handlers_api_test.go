package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hass-sync/internal/clock"
	"hass-sync/internal/entity"
	"hass-sync/internal/hass"
	"hass-sync/internal/hub"
	"hass-sync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream serves fixed states; ids listed in failing answer with a
// transport error.
type fakeUpstream struct {
	mu      sync.Mutex
	states  map[string]string
	failing map[string]bool
	down    bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{states: make(map[string]string), failing: make(map[string]bool)}
}

func (f *fakeUpstream) unavailable(path string) error {
	return &hass.TransportError{Path: path, StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}
}

func (f *fakeUpstream) State(_ context.Context, id string) (entity.StateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return entity.StateRecord{}, f.unavailable("/api/states/" + id)
	}
	return entity.NewStateRecord(id, f.states[id], map[string]any{"friendly_name": "Name of " + id}, time.Time{}, time.Time{}, nil), nil
}

func (f *fakeUpstream) History(context.Context, string, time.Time) ([]entity.StateRecord, error) {
	return nil, nil
}

func (f *fakeUpstream) CallService(_ context.Context, domain, action string, data map[string]any) (entity.StateRecord, error) {
	id, _ := data["entity_id"].(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return entity.StateRecord{}, f.unavailable("/api/services/" + domain + "/" + action)
	}
	switch action {
	case "turn_on":
		f.states[id] = "on"
	case "turn_off":
		f.states[id] = "off"
	}
	return entity.NewStateRecord(id, f.states[id], nil, time.Time{}, time.Time{}, nil), nil
}

func (f *fakeUpstream) Ping(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, &hass.TransportError{Path: "/api/", Err: errors.New("connection refused")}
	}
	return true, nil
}

func (f *fakeUpstream) Config(context.Context) (*hass.Config, error) {
	return &hass.Config{LocationName: "Home", Version: "2024.1.0", TimeZone: "UTC"}, nil
}

func (f *fakeUpstream) BaseURL() string { return "http://ha.test/" }

type testServer struct {
	srv *Server
	hub *hub.Hub
	src *fakeUpstream
}

func newTestServer(t *testing.T, synthetic bool, opts ...ServerOption) *testServer {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	src := newFakeUpstream()
	h := hub.New(src, st, hub.NewEventBus(testLogger()), hub.Config{
		SyntheticData: synthetic,
		Clock:         clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
	}, testLogger())
	t.Cleanup(h.Stop)

	srv := NewServer(h, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return &testServer{srv: srv, hub: h, src: src}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (ts *testServer) track(t *testing.T, id, state string) {
	t.Helper()
	ts.src.mu.Lock()
	ts.src.states[id] = state
	ts.src.mu.Unlock()
	if rec := ts.do(t, http.MethodPost, "/api/entities", map[string]string{"entity_id": id}); rec.Code != http.StatusCreated {
		t.Fatalf("track %s: status = %d, body %s", id, rec.Code, rec.Body)
	}
}

func TestListEntitiesEmpty(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/api/entities", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestTrackEntity(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/entities", map[string]string{
		"entity_id":        "light.kitchen",
		"refresh_interval": "30s",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	v := decode[EntityView](t, rec)
	if v.EntityID != "light.kitchen" || v.Kind != entity.KindLight || v.RefreshInterval != "30s" || !v.Actionable {
		t.Errorf("view = %+v", v)
	}
	if v.State != nil {
		t.Errorf("state = %v before any fetch", v.State)
	}

	saved, err := ts.hub.Store().GetTracked("light.kitchen")
	if err != nil {
		t.Fatalf("stored: %v", err)
	}
	if saved.RefreshInterval != 30*time.Second {
		t.Errorf("stored interval = %v", saved.RefreshInterval)
	}
}

func TestTrackEntityErrors(t *testing.T) {
	ts := newTestServer(t, false)
	ts.track(t, "switch.pump", "off")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"duplicate", map[string]string{"entity_id": "switch.pump"}, http.StatusConflict},
		{"empty id", map[string]string{"entity_id": "  "}, http.StatusBadRequest},
		{"no domain", map[string]string{"entity_id": "pump"}, http.StatusBadRequest},
		{"short interval", map[string]string{"entity_id": "switch.b", "refresh_interval": "100ms"}, http.StatusBadRequest},
		{"bad interval", map[string]string{"entity_id": "switch.b", "refresh_interval": "soon"}, http.StatusBadRequest},
		{"bad kind", map[string]string{"entity_id": "switch.b", "kind": "toaster"}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/entities", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestGetEntityNotFound(t *testing.T) {
	ts := newTestServer(t, false)
	for _, path := range []string{
		"/api/entities/light.nope",
		"/api/entities/light.nope/history",
	} {
		if rec := ts.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", path, rec.Code)
		}
	}
	if rec := ts.do(t, http.MethodDelete, "/api/entities/light.nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE: status = %d, want 404", rec.Code)
	}
}

func TestRefreshEntity(t *testing.T) {
	ts := newTestServer(t, false)
	ts.track(t, "sensor.temp", "21.5")

	rec := ts.do(t, http.MethodPost, "/api/entities/sensor.temp/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	v := decode[EntityView](t, rec)
	if v.State == nil || v.State.State() != "21.5" {
		t.Fatalf("state = %v, want 21.5", v.State)
	}
	if v.FriendlyName != "Name of sensor.temp" {
		t.Errorf("friendly name = %q", v.FriendlyName)
	}
	if v.LastFetch == nil || v.Status != entity.StatusIdle {
		t.Errorf("last fetch = %v, status = %s", v.LastFetch, v.Status)
	}

	rec = ts.do(t, http.MethodGet, "/api/entities/sensor.temp/history", nil)
	hv := decode[HistoryView](t, rec)
	if len(hv.Entries) != 1 || hv.Generated {
		t.Errorf("history = %+v, want one real entry", hv)
	}
}

func TestRefreshEntityUpstreamError(t *testing.T) {
	ts := newTestServer(t, false)
	ts.track(t, "sensor.temp", "20")
	ts.src.mu.Lock()
	ts.src.failing["sensor.temp"] = true
	ts.src.mu.Unlock()

	rec := ts.do(t, http.MethodPost, "/api/entities/sensor.temp/refresh", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	v := decode[EntityView](t, ts.do(t, http.MethodGet, "/api/entities/sensor.temp", nil))
	if v.Status != entity.StatusFailed || v.LastError == "" {
		t.Errorf("status = %s, last error = %q", v.Status, v.LastError)
	}
}

func TestRefreshHistorySynthetic(t *testing.T) {
	ts := newTestServer(t, true)
	ts.track(t, "sensor.temp", "20")

	rec := ts.do(t, http.MethodPost, "/api/entities/sensor.temp/history/refresh", map[string]string{"span": "2h"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	hv := decode[HistoryView](t, ts.do(t, http.MethodGet, "/api/entities/sensor.temp/history", nil))
	if !hv.Generated || len(hv.Entries) == 0 {
		t.Errorf("history = generated %v, %d entries", hv.Generated, len(hv.Entries))
	}
	if hv.SyntheticEntries != len(hv.Entries) {
		t.Errorf("synthetic_entries = %d, want %d", hv.SyntheticEntries, len(hv.Entries))
	}

	// An empty body uses the default span.
	req := httptest.NewRequest(http.MethodPost, "/api/entities/sensor.temp/history/refresh", nil)
	rr := httptest.NewRecorder()
	ts.srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("empty body: status = %d, body %s", rr.Code, rr.Body)
	}

	if rec := ts.do(t, http.MethodPost, "/api/entities/sensor.temp/history/refresh", map[string]string{"span": "-1h"}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative span: status = %d, want 400", rec.Code)
	}
}

func TestCommand(t *testing.T) {
	ts := newTestServer(t, false)
	ts.track(t, "light.kitchen", "off")
	ts.track(t, "sensor.temp", "20")

	rec := ts.do(t, http.MethodPost, "/api/entities/light.kitchen/command", map[string]any{"action": "turn_on"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if v := decode[EntityView](t, rec); v.State == nil || v.State.State() != "on" {
		t.Errorf("state = %v, want on", v.State)
	}

	tests := []struct {
		name, path string
		body       any
		want       int
	}{
		{"no action", "/api/entities/light.kitchen/command", map[string]any{}, http.StatusBadRequest},
		{"not actionable", "/api/entities/sensor.temp/command", map[string]any{"action": "turn_on"}, http.StatusBadRequest},
		{"explicit domain", "/api/entities/sensor.temp/command", map[string]any{"domain": "homeassistant", "action": "update_entity"}, http.StatusOK},
		{"unknown entity", "/api/entities/light.nope/command", map[string]any{"action": "turn_on"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestUntrackEntity(t *testing.T) {
	ts := newTestServer(t, false)
	ts.track(t, "switch.pump", "off")

	if rec := ts.do(t, http.MethodDelete, "/api/entities/switch.pump", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ts.hub.Len() != 0 {
		t.Errorf("hub len = %d, want 0", ts.hub.Len())
	}
	if _, err := ts.hub.Store().GetTracked("switch.pump"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store: err = %v, want ErrNotFound", err)
	}
}

func TestUpstream(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/api/upstream", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	st := decode[hub.UpstreamStatus](t, rec)
	if !st.Running || st.Config == nil || st.Config.Version != "2024.1.0" {
		t.Errorf("upstream = %+v", st)
	}

	ts.src.mu.Lock()
	ts.src.down = true
	ts.src.mu.Unlock()
	rec = ts.do(t, http.MethodGet, "/api/upstream", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("down: status = %d, want 502", rec.Code)
	}
	if st := decode[hub.UpstreamStatus](t, rec); st.Running || st.Error == "" {
		t.Errorf("down: upstream = %+v", st)
	}
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t, false, WithVersion("1.2.3"))
	rec := ts.do(t, http.MethodGet, "/api/version", nil)
	if got := decode[map[string]string](t, rec)["version"]; got != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", got)
	}
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, false, WithAPIKey("secret"))

	tests := []struct {
		name, key string
		want      int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/entities", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			ts.srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, false, WithAllowedOrigins([]string{"http://dash.local"}))

	tests := []struct {
		name, method, origin string
		want                 int
		allowHeader          string
	}{
		{"preflight allowed", http.MethodOptions, "http://dash.local", http.StatusNoContent, "http://dash.local"},
		{"preflight denied", http.MethodOptions, "http://evil.test", http.StatusForbidden, ""},
		{"post denied", http.MethodPost, "http://evil.test", http.StatusForbidden, ""},
		{"get any origin", http.MethodGet, "http://evil.test", http.StatusOK, ""},
		{"post allowed", http.MethodPost, "http://dash.local", http.StatusBadRequest, "http://dash.local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/entities", bytes.NewReader([]byte("{}")))
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			ts.srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.allowHeader {
				t.Errorf("allow origin = %q, want %q", got, tt.allowHeader)
			}
		})
	}
}

func TestAutomationsUnavailable(t *testing.T) {
	ts := newTestServer(t, false)

	if rec := ts.do(t, http.MethodGet, "/api/automations", nil); rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("list: %d %q", rec.Code, rec.Body)
	}
	if rec := ts.do(t, http.MethodPost, "/api/automations", map[string]string{"name": "x"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("create: status = %d, want 503", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/automations/_inline/run", map[string]string{"lua_code": "x=1"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("run: status = %d, want 503", rec.Code)
	}
}
