//go:build !no_automation

package web

import (
	"net/http"
	"path/filepath"
	"testing"

	"hass-sync/internal/automation"
)

func newAutomationServer(t *testing.T) (*testServer, *automation.Engine) {
	t.Helper()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var eng *automation.Engine
	ts := newTestServer(t, false, func(s *Server) {
		eng = automation.NewEngine(s.hub, mgr, testLogger())
		WithAutomation(eng, mgr)(s)
	})
	eng.Start()
	t.Cleanup(eng.Stop)
	return ts, eng
}

func TestAutomationLifecycle(t *testing.T) {
	ts, eng := newAutomationServer(t)

	rec := ts.do(t, http.MethodPost, "/api/automations", map[string]any{
		"name":     "Porch light",
		"lua_code": `hass.on_state("binary_sensor.door", function(e) end)`,
		"enabled":  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body)
	}
	created := decode[AutomationView](t, rec)
	if created.ID != "porch_light" || !created.Running {
		t.Fatalf("created = %+v, want running porch_light", created)
	}
	if got := eng.Running(); len(got) != 1 {
		t.Errorf("running = %v after create", got)
	}

	list := decode[[]AutomationView](t, ts.do(t, http.MethodGet, "/api/automations", nil))
	if len(list) != 1 || !list[0].Running {
		t.Errorf("list = %+v, want one running script", list)
	}

	rec = ts.do(t, http.MethodPost, "/api/automations/porch_light/toggle", nil)
	if v := decode[AutomationView](t, rec); rec.Code != http.StatusOK || v.Meta.Enabled || v.Running {
		t.Errorf("toggle: status = %d, body %s", rec.Code, rec.Body)
	}
	if got := eng.Running(); len(got) != 0 {
		t.Errorf("running = %v after disable", got)
	}

	rec = ts.do(t, http.MethodPut, "/api/automations/porch_light", map[string]any{
		"lua_code": `x = 1`,
		"enabled":  true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", rec.Code, rec.Body)
	}
	if s := decode[AutomationView](t, rec); s.Meta.Name != "Porch light" || s.LuaCode != "x = 1" {
		t.Errorf("updated = %+v", s)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/automations/porch_light", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/automations/porch_light", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/automations/porch_light", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestAutomationCreateRequiresName(t *testing.T) {
	ts, _ := newAutomationServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/automations", map[string]any{"lua_code": "x = 1"}); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAutomationRejectsBadLua(t *testing.T) {
	ts, eng := newAutomationServer(t)
	rec := ts.do(t, http.MethodPost, "/api/automations", map[string]any{
		"name":     "Broken",
		"lua_code": "hass.on_state(",
		"enabled":  true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body)
	}
	if list := decode[[]AutomationView](t, ts.do(t, http.MethodGet, "/api/automations", nil)); len(list) != 0 {
		t.Errorf("broken script was saved: %+v", list)
	}
	if got := eng.Running(); len(got) != 0 {
		t.Errorf("running = %v", got)
	}
}

func TestAutomationRunInline(t *testing.T) {
	ts, _ := newAutomationServer(t)
	ts.track(t, "light.kitchen", "off")

	rec := ts.do(t, http.MethodPost, "/api/automations/_inline/run", map[string]string{
		"lua_code": `local ok = hass.turn_on("light.kitchen")
hass.log("on=" .. tostring(ok))`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	res := decode[automation.RunResult](t, rec)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "on=true" {
		t.Errorf("result = %+v", res)
	}
	c, err := ts.hub.Get("light.kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsOn() {
		t.Error("light not on after script run")
	}

	if rec := ts.do(t, http.MethodPost, "/api/automations/missing/run", nil); rec.Code != http.StatusNotFound {
		t.Errorf("run missing: status = %d, want 404", rec.Code)
	}
}
