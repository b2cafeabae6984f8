package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"kc868-go-home/internal/automation"
	"kc868-go-home/internal/clock"
	"kc868-go-home/internal/controller"
	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/inputs"
	"kc868-go-home/internal/sensors"
	"kc868-go-home/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubClock struct {
	t       time.Time
	syncErr error
}

func (c *stubClock) Now() time.Time             { return c.t }
func (c *stubClock) Sync(context.Context) error { return c.syncErr }
func (c *stubClock) Set(t time.Time) error      { c.t = t; return nil }
func (c *stubClock) Status() clock.Status       { return clock.Status{Source: "stub", Time: c.t} }

type testBoard struct {
	outLow *hal.MemPort
	st     *store.MemoryStore
	clock  *stubClock
}

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) (*Server, *controller.Controller, *testBoard) {
	t.Helper()
	logger := newTestLogger()
	tb := &testBoard{
		outLow: hal.NewMemPort(),
		st:     store.NewMemoryStore(),
		clock:  &stubClock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC), syncErr: errors.New("no server")},
	}
	board := hal.NewBoard(hal.BoardConfig{
		InputsLow:   hal.NewMemPort(),
		InputsHigh:  hal.NewMemPort(),
		OutputsLow:  tb.outLow,
		OutputsHigh: hal.NewMemPort(),
		Direct:      hal.NewMemDirect(),
		ADC:         &hal.MemADC{},
	}, logger)
	sens := sensors.NewManager(&sensors.MemDriver{}, tb.st, logger)
	ctrl := controller.New(controller.Config{}, board, tb.st, sens, tb.clock, controller.NewEventBus(logger), logger)
	if err := ctrl.Start(); err != nil {
		t.Fatal(err)
	}

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(ctrl, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, ctrl, tb
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestAPIStatus(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	w := do(t, srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st struct {
		Relays  []bool `json:"relays"`
		Inputs  []bool `json:"inputs"`
		Analog  []any  `json:"analog"`
		Sensors []any  `json:"sensors"`
	}
	decodeBody(t, w, &st)
	if len(st.Relays) != 16 || len(st.Inputs) != 16 || len(st.Analog) != 4 || len(st.Sensors) != 3 {
		t.Errorf("status shape = %+v", st)
	}
}

func TestAPIRelay(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantPort byte
	}{
		{"single on", `{"relay":1,"action":"on"}`, http.StatusOK, 0xFE},
		{"toggle", `{"relay":8,"action":"toggle"}`, http.StatusOK, 0x7F},
		{"all on", `{"relay":0,"action":"on"}`, http.StatusOK, 0x00},
		{"all toggle", `{"relay":0,"action":"toggle"}`, http.StatusBadRequest, 0xFF},
		{"out of range", `{"relay":17,"action":"on"}`, http.StatusBadRequest, 0xFF},
		{"bad action", `{"relay":1,"action":"blink"}`, http.StatusBadRequest, 0xFF},
		{"bad json", `{`, http.StatusBadRequest, 0xFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, tb := setupTestServer(t, "")
			w := do(t, srv, "POST", "/api/relay", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tb.outLow.Value != tt.wantPort {
				t.Errorf("port = %02x, want %02x", tb.outLow.Value, tt.wantPort)
			}
		})
	}
}

func TestAPIScheduleCRUD(t *testing.T) {
	srv, ctrl, tb := setupTestServer(t, "")

	body := `{"enabled":true,"name":"porch","trigger_type":"time","days":127,"hour":19,"minute":30,"action":"on","target_id":4}`
	w := do(t, srv, "PUT", "/api/schedules/2", body)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", w.Code, w.Body.String())
	}
	if s, _ := ctrl.Schedule(2); s.Name != "porch" || s.Hour != 19 || s.TargetID != 4 {
		t.Errorf("stored = %+v", s)
	}
	if _, err := tb.st.Load(store.KeySchedules); err != nil {
		t.Errorf("schedules not persisted: %v", err)
	}

	// Partial update keeps the other fields.
	w = do(t, srv, "PUT", "/api/schedules/2", `{"minute":45}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d", w.Code)
	}
	var got automation.Schedule
	decodeBody(t, w, &got)
	if got.Minute != 45 || got.Name != "porch" {
		t.Errorf("after partial update = %+v", got)
	}

	w = do(t, srv, "GET", "/api/schedules/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = do(t, srv, "DELETE", "/api/schedules/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if s, _ := ctrl.Schedule(2); s.Enabled {
		t.Error("schedule still enabled after delete")
	}

	var list []automation.Schedule
	w = do(t, srv, "GET", "/api/schedules", "")
	decodeBody(t, w, &list)
	if len(list) != automation.MaxSchedules {
		t.Errorf("list length = %d", len(list))
	}
}

func TestAPIScheduleErrors(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"slot out of range", "GET", "/api/schedules/30", "", http.StatusNotFound},
		{"slot not a number", "PUT", "/api/schedules/x", "{}", http.StatusNotFound},
		{"invalid hour", "PUT", "/api/schedules/0", `{"hour":24}`, http.StatusBadRequest},
		{"relay index too high", "PUT", "/api/schedules/0", `{"target_type":"single","target_id":16}`, http.StatusBadRequest},
		{"unknown trigger", "PUT", "/api/schedules/0", `{"trigger_type":"weekly"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPIEvaluateSchedules(t *testing.T) {
	srv, ctrl, tb := setupTestServer(t, "")
	// Input 1 is inactive, so the low target is the one switched.
	err := ctrl.UpdateSchedule(0, automation.Schedule{Enabled: true, TriggerType: automation.TriggerInput,
		InputMask: 1, InputStates: 0, Action: automation.ActionOn, TargetID: 5, TargetIDLow: 2})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, "POST", "/api/schedules/evaluate", "")
	var resp map[string]int
	decodeBody(t, w, &resp)
	if resp["fired"] != 1 {
		t.Errorf("fired = %d, want 1", resp["fired"])
	}
	if tb.outLow.Value != 0xFB {
		t.Errorf("port = %02x, want fb", tb.outLow.Value)
	}
}

func TestAPIAnalogTrigger(t *testing.T) {
	srv, ctrl, _ := setupTestServer(t, "")
	w := do(t, srv, "PUT", "/api/analog-triggers/15",
		`{"enabled":true,"analog_input":3,"threshold":3000,"condition":"below","action":"toggle","target_id":9}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if a, _ := ctrl.AnalogTrigger(15); a.Threshold != 3000 || a.Condition != automation.CondBelow {
		t.Errorf("stored = %+v", a)
	}

	if w := do(t, srv, "PUT", "/api/analog-triggers/0", `{"threshold":5000}`); w.Code != http.StatusBadRequest {
		t.Errorf("threshold above 4095: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/analog-triggers/16", ""); w.Code != http.StatusNotFound {
		t.Errorf("slot 16: status = %d", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/analog-triggers/15", ""); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if a, _ := ctrl.AnalogTrigger(15); a.Enabled {
		t.Error("trigger still enabled")
	}
}

func TestAPIInterrupts(t *testing.T) {
	srv, ctrl, _ := setupTestServer(t, "")

	w := do(t, srv, "PUT", "/api/interrupts/3", `{"enabled":true,"priority":"high","trigger":"falling"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	cfg := ctrl.InputConfigs()[3]
	if !cfg.Enabled || cfg.Priority != inputs.PriorityHigh || cfg.Trigger != inputs.TriggerFalling {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Name != "Input 4" {
		t.Errorf("name = %q, want default kept", cfg.Name)
	}
	if !ctrl.Status().InterruptsActive {
		t.Error("dispatcher not active")
	}

	if w := do(t, srv, "PUT", "/api/interrupts/3", `{"priority":"urgent"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad priority: status = %d", w.Code)
	}

	w = do(t, srv, "POST", "/api/interrupts/enable", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("enable status = %d", w.Code)
	}
	if ctrl.Status().InterruptsActive {
		t.Error("dispatcher still active after disable all")
	}
}

func TestAPISensors(t *testing.T) {
	srv, ctrl, _ := setupTestServer(t, "")
	w := do(t, srv, "PUT", "/api/sensors/1", `{"type":"dht22"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ctrl.Sensors()[1].Type != sensors.DHT22 {
		t.Error("type not updated")
	}
	if w := do(t, srv, "PUT", "/api/sensors/3", `{"type":"dht22"}`); w.Code != http.StatusNotFound {
		t.Errorf("slot 3: status = %d", w.Code)
	}
	if w := do(t, srv, "PUT", "/api/sensors/0", `{"type":"bme280"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown type: status = %d", w.Code)
	}
}

func TestAPITime(t *testing.T) {
	srv, _, tb := setupTestServer(t, "")

	w := do(t, srv, "POST", "/api/time", `{"time":"2026-10-19T21:15:00Z"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d, body = %s", w.Code, w.Body.String())
	}
	if tb.clock.t.Hour() != 21 {
		t.Errorf("clock = %v", tb.clock.t)
	}

	if w := do(t, srv, "POST", "/api/time", `{"sync":true}`); w.Code != http.StatusBadGateway {
		t.Errorf("failed sync: status = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/api/time", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty body: status = %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/time", ""); w.Code != http.StatusOK {
		t.Errorf("get: status = %d", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, "", WithVersion("1.2.3"))
	w := do(t, srv, "GET", "/api/version", "")
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret")

	if w := do(t, srv, "GET", "/api/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://panel.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/relay", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://panel.local" {
		t.Errorf("preflight: status = %d, headers = %v", w.Code, w.Header())
	}

	req = httptest.NewRequest("POST", "/api/relay", bytes.NewBufferString(`{"relay":1,"action":"on"}`))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d, want 403", w.Code)
	}
}
