//go:build !no_automation

package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"hue-connector/internal/automation"
)

const deskScript = `hue.on("device_state", {device = "Desk"}, function(ev)
  hue.send("l1", "setBrightness", {brightness = 40})
end)`

func setupScriptServer(t *testing.T) (*testServer, string) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := automation.NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Build the fixture first so the engine shares its bus and commander.
	ts := setupTestServer(t)
	engine := automation.NewEngine(ts.bus, ts.reg, ts.ctrl, mgr, testLogger())
	engine.Start()
	t.Cleanup(engine.Stop)

	ts.srv.Stop()
	ts.srv = NewServer(ts.reg, ts.ctrl, ts.poller, ts.bus, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(ts.srv.Stop)
	return ts, dir
}

func TestScriptsUnavailable(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do("GET", "/api/scripts", "")
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Errorf("list: status = %d, body = %q", w.Code, w.Body.String())
	}
	if w := ts.do("GET", "/api/scripts/x", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("get: status = %d, want 501", w.Code)
	}
	if w := ts.do("POST", "/api/scripts/x/run", ""); w.Code != http.StatusNotImplemented {
		t.Errorf("run: status = %d, want 501", w.Code)
	}
}

func TestScriptLifecycle(t *testing.T) {
	ts, dir := setupScriptServer(t)

	body, _ := json.Marshal(saveScriptRequest{Name: "Desk dim", LuaCode: deskScript, Enabled: true})
	w := ts.do("PUT", "/api/scripts/desk_dim", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("save: status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decode[map[string]any](t, w); resp["error"] != nil {
		t.Fatalf("save reported reload error: %v", resp["error"])
	}
	if _, err := os.Stat(filepath.Join(dir, "desk_dim.lua")); err != nil {
		t.Fatalf("script file: %v", err)
	}

	list := decode[[]map[string]any](t, ts.do("GET", "/api/scripts", ""))
	if len(list) != 1 || list[0]["id"] != "desk_dim" || list[0]["running"] != true {
		t.Fatalf("list = %v", list)
	}

	got := decode[map[string]any](t, ts.do("GET", "/api/scripts/desk_dim", ""))
	if got["lua_code"] != deskScript {
		t.Errorf("lua_code = %v", got["lua_code"])
	}

	// A one-shot run invokes the registered handler once.
	run := decode[automation.RunResult](t, ts.do("POST", "/api/scripts/desk_dim/run", ""))
	if !run.OK {
		t.Fatalf("run failed: %s", run.Error)
	}
	ts.ctrl.mu.Lock()
	n := len(ts.ctrl.received)
	var data string
	if n > 0 {
		data = string(ts.ctrl.received[0].Data)
	}
	ts.ctrl.mu.Unlock()
	if n != 1 || data != `{"brightness":40}` {
		t.Errorf("submitted %d commands, data = %s", n, data)
	}

	if w := ts.do("POST", "/api/scripts/desk_dim/reload", ""); w.Code != http.StatusOK {
		t.Errorf("reload: status = %d", w.Code)
	}

	if w := ts.do("DELETE", "/api/scripts/desk_dim", ""); w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if w := ts.do("DELETE", "/api/scripts/desk_dim", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", w.Code)
	}
	if w := ts.do("GET", "/api/scripts/desk_dim", ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", w.Code)
	}
}

func TestScriptBrokenSourceReported(t *testing.T) {
	ts, _ := setupScriptServer(t)

	body, _ := json.Marshal(saveScriptRequest{Name: "Broken", LuaCode: "hue.on(", Enabled: true})
	w := ts.do("PUT", "/api/scripts/broken", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("save: status = %d", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["error"] == nil {
		t.Error("expected reload error in save response")
	}

	if w := ts.do("POST", "/api/scripts/broken/reload", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("reload broken: status = %d, want 422", w.Code)
	}
	if w := ts.do("POST", "/api/scripts/missing/reload", ""); w.Code != http.StatusNotFound {
		t.Errorf("reload missing: status = %d, want 404", w.Code)
	}
	if w := ts.do("PUT", "/api/scripts/a..b", `{"name":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status = %d, want 400", w.Code)
	}
}

func TestScriptRunInline(t *testing.T) {
	ts, _ := setupScriptServer(t)

	w := ts.do("POST", "/api/scripts/_inline/run", `{"lua_code":"hue.log('hello')"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	run := decode[automation.RunResult](t, w)
	if !run.OK || len(run.Logs) != 1 || run.Logs[0] != "hello" {
		t.Errorf("run = %+v", run)
	}

	run = decode[automation.RunResult](t, ts.do("POST", "/api/scripts/_inline/run", `{"lua_code":"error('nope')"}`))
	if run.OK || run.Error == "" {
		t.Errorf("failing run = %+v", run)
	}

	if w := ts.do("POST", "/api/scripts/_inline/run", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", w.Code)
	}
}
