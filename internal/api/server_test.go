package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/bridges/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
	"github.com/nerrad567/gray-logic-esphome/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// stubPlugin accepts every call.
type stubPlugin struct {
	actions []thermostat.Action
}

func (p *stubPlugin) Startup()                                              {}
func (p *stubPlugin) Shutdown(context.Context)                              {}
func (p *stubPlugin) DeviceStartComm(context.Context, esphome.Device) error { return nil }
func (p *stubPlugin) DeviceStopComm(context.Context, string) error          { return nil }
func (p *stubPlugin) ClosedPrefsConfig(map[string]string, bool)             {}
func (p *stubPlugin) ActionCustom(context.Context, string, string, map[string]string) error {
	return nil
}

func (p *stubPlugin) ActionControlThermostat(_ context.Context, _ string, a thermostat.Action) error {
	p.actions = append(p.actions, a)
	return nil
}

func (p *stubPlugin) ActionControlUniversal(context.Context, string, thermostat.UniversalKind) error {
	return nil
}

func (p *stubPlugin) SupportedFanSpeeds(context.Context, string) []thermostat.Option {
	return []thermostat.Option{{Value: "auto", Label: "Auto"}, {Value: "high", Label: "High"}}
}

func (p *stubPlugin) VerticalVaneModes(context.Context, string) []thermostat.Option {
	return []thermostat.Option{}
}

// testServer creates a Server over a running host runtime backed by
// in-memory SQLite.
func testServer(t *testing.T, secret string) (*Server, *host.Runtime, *stubPlugin) {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetStateHistory(device.NewSQLiteStateHistoryRepository(db.DB))

	rt, err := host.New(host.Options{Registry: registry})
	if err != nil {
		t.Fatalf("host.New: %v", err)
	}
	plugin := &stubPlugin{}
	rt.SetPlugin(plugin)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { rt.Stop(context.Background()) })

	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:   log,
		Devices:  rt,
		Gatherer: reg,
		Audit:    audit.NewSQLiteRepository(db.DB),
		HealthChecks: map[string]HealthCheckFunc{
			"database": db.HealthCheck,
		},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.AddSink(srv.Hub())

	return srv, rt, plugin
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func validDevice(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": "Lounge",
		"props": map[string]string{
			esphome.PropAddress:  "broker.local",
			esphome.PropPort:     "1883",
			esphome.PropNode:     "lounge-hp",
			esphome.PropPassword: "hunter2",
		},
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error without logger")
	}
	log := logging.NewWithWriter(config.LoggingConfig{}, "test", io.Discard)
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Fatal("expected error without device service")
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := testServer(t, "")

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}

	srv.healthChecks["broker"] = func(context.Context) error { return errors.New("unreachable") }
	rec = doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _, _ := testServer(t, testSecret)

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_total") {
		t.Errorf("metrics output missing test_total:\n%s", rec.Body.String())
	}
}

func TestDeviceLifecycle(t *testing.T) {
	srv, _, _ := testServer(t, "")
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/v1/devices", validDevice("lounge"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[deviceResponse](t, rec)
	if created.Props[esphome.PropPassword] != redacted {
		t.Errorf("password not redacted: %q", created.Props[esphome.PropPassword])
	}
	if !created.Enabled {
		t.Error("device should default to enabled")
	}

	rec = doRequest(t, h, http.MethodPost, "/api/v1/devices", validDevice("lounge"))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/devices", nil)
	list := decode[struct {
		Devices []deviceResponse `json:"devices"`
		Count   int              `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Devices[0].ID != "lounge" {
		t.Fatalf("list = %+v", list)
	}

	// Sending the redacted value back keeps the stored password.
	update := validDevice("lounge")
	update["name"] = "Living Room"
	update["props"].(map[string]string)[esphome.PropPassword] = redacted
	rec = doRequest(t, h, http.MethodPut, "/api/v1/devices/lounge", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	dev, err := srv.devices.Device(context.Background(), "lounge")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if dev.Name != "Living Room" || dev.Props[esphome.PropPassword] != "hunter2" {
		t.Errorf("after update: name=%q password=%q", dev.Name, dev.Props[esphome.PropPassword])
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/devices/lounge", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/v1/devices/lounge", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCreateDevice_ValidationErrors(t *testing.T) {
	srv, _, _ := testServer(t, "")

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/devices", map[string]any{
		"name":  "Lounge",
		"props": map[string]string{esphome.PropPort: "70000", esphome.PropPSK: "short"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	body := decode[Error](t, rec)
	for _, field := range []string{esphome.PropAddress, esphome.PropPort, esphome.PropPSK} {
		if body.Fields[field] == "" {
			t.Errorf("missing field error for %s: %v", field, body.Fields)
		}
	}

	rec = doRequest(t, srv.Handler(), http.MethodPost, "/api/v1/devices", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestDeviceActions(t *testing.T) {
	srv, _, plugin := testServer(t, "")
	h := srv.Handler()

	if rec := doRequest(t, h, http.MethodPost, "/api/v1/devices", validDevice("lounge")); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"setpoint", "/api/v1/devices/lounge/actions", map[string]any{"action": "SetCoolSetpoint", "value": 72}, http.StatusAccepted},
		{"status request", "/api/v1/devices/lounge/actions", map[string]any{"action": "RequestStatus"}, http.StatusAccepted},
		{"missing action", "/api/v1/devices/lounge/actions", map[string]any{}, http.StatusBadRequest},
		{"unknown action", "/api/v1/devices/lounge/actions", map[string]any{"action": "Explode"}, http.StatusBadRequest},
		{"bad mode", "/api/v1/devices/lounge/actions", map[string]any{"action": "SetHvacMode", "mode": "Turbo"}, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/attic/actions", map[string]any{"action": "RequestStatus"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if len(plugin.actions) != 1 || plugin.actions[0].Value != 72 {
		t.Errorf("plugin actions = %+v", plugin.actions)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/devices/lounge/fan-speeds", nil)
	options := decode[struct {
		Options []thermostat.Option `json:"options"`
	}](t, rec)
	if len(options.Options) != 2 {
		t.Errorf("fan speeds = %+v", options.Options)
	}
}

func TestDeviceHistory(t *testing.T) {
	srv, rt, _ := testServer(t, "")
	h := srv.Handler()

	if rec := doRequest(t, h, http.MethodPost, "/api/v1/devices", validDevice("lounge")); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	rt.UpdateStates("lounge", []thermostat.StateUpdate{{Key: thermostat.StateSetpointCool, Value: 70.0}})
	rt.UpdateStates("lounge", []thermostat.StateUpdate{{Key: thermostat.StateSetpointCool, Value: 71.0}})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/devices/lounge/history?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/devices/lounge/history?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func signToken(t *testing.T, method jwt.SigningMethod, key any, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := testServer(t, testSecret)
	h := srv.Handler()
	valid := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is public", "/api/v1/health", "", http.StatusOK},
		{"missing token", "/api/v1/devices", "", http.StatusUnauthorized},
		{"valid header", "/api/v1/devices", "Bearer " + valid, http.StatusOK},
		{"valid query", "/api/v1/devices?access_token=" + valid, "", http.StatusOK},
		{"wrong secret", "/api/v1/devices", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "/api/v1/devices", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/devices", "Basic abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rec := doRequest(t, h, http.MethodGet, tt.path, nil, headers...)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuditLog_RecordsActor(t *testing.T) {
	srv, _, _ := testServer(t, testSecret)
	h := srv.Handler()
	auth := []string{"Authorization", "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testSecret), time.Now().Add(time.Hour))}

	if rec := doRequest(t, h, http.MethodPost, "/api/v1/devices", validDevice("lounge"), auth...); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/v1/devices/lounge/actions", map[string]any{"action": "Explode"}, auth...); rec.Code != http.StatusBadRequest {
		t.Fatalf("action status = %d", rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/audit?device_id=lounge", nil, auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decode[audit.ListResult](t, rec)
	if result.Total != 2 {
		t.Fatalf("total = %d, want 2", result.Total)
	}
	for _, e := range result.Entries {
		if e.Actor != "tester" || e.Source != audit.SourceAPI {
			t.Errorf("entry = %+v", e)
		}
	}
	if result.Entries[0].Action != audit.ActionCommand || result.Entries[0].Details["status"] != "failed" {
		t.Errorf("newest entry = %+v", result.Entries[0])
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/audit?since=yesterday", nil, auth...)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rec.Code)
	}
}

func TestWebSocket_ReceivesDeviceEvents(t *testing.T) {
	srv, rt, _ := testServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelStateChanged}},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline

	var resp WSMessage
	if err := conn.ReadJSON(&resp); err != nil || resp.Type != WSTypeResponse {
		t.Fatalf("subscribe response = %+v, err %v", resp, err)
	}

	ctx := context.Background()
	if _, err := rt.AddDevice(ctx, host.NewDevice{ID: "lounge", Name: "Lounge", Enabled: true, Props: map[string]string{
		esphome.PropAddress: "broker.local", esphome.PropPort: "1883", esphome.PropNode: "lounge-hp",
	}}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	rt.UpdateStates("lounge", []thermostat.StateUpdate{{Key: thermostat.StateSetpointCool, Value: 68.0}})

	// device.added is not subscribed, so the first event is the state change.
	var ev struct {
		Type      string     `json:"type"`
		EventType string     `json:"event_type"`
		Payload   host.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.EventType != ChannelStateChanged || ev.Payload.DeviceID != "lounge" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Payload.Changed[thermostat.StateSetpointCool] != 68.0 {
		t.Errorf("changed = %v", ev.Payload.Changed)
	}
}

func TestHub_DeviceFilter(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.NewWithWriter(config.LoggingConfig{}, "test", io.Discard))
	newClient := func() *WSClient {
		c := &WSClient{
			hub:      hub,
			send:     make(chan []byte, 8),
			done:     make(chan struct{}),
			channels: make(map[string]struct{}),
			devices:  make(map[string]struct{}),
		}
		hub.add(c)
		return c
	}

	lounge := newClient()
	lounge.subscribe(WSSubscribePayload{Channels: []string{ChannelAll}, DeviceIDs: []string{"lounge"}}, true)
	errorsOnly := newClient()
	errorsOnly.subscribe(WSSubscribePayload{Channels: []string{ChannelErrorChanged}}, true)

	hub.HandleEvent(host.Event{Type: host.EventStateChanged, DeviceID: "lounge"})
	hub.HandleEvent(host.Event{Type: host.EventStateChanged, DeviceID: "bedroom"})
	hub.HandleEvent(host.Event{Type: host.EventErrorChanged, DeviceID: "bedroom", ErrorState: "unreachable"})

	if got := len(lounge.send); got != 1 {
		t.Errorf("lounge client queued %d events, want 1", got)
	}
	if got := len(errorsOnly.send); got != 1 {
		t.Errorf("error client queued %d events, want 1", got)
	}

	lounge.subscribe(WSSubscribePayload{DeviceIDs: []string{"lounge"}}, false)
	hub.HandleEvent(host.Event{Type: host.EventDeviceAdded, DeviceID: "bedroom"})
	if got := len(lounge.send); got != 2 {
		t.Errorf("after clearing the device filter lounge client queued %d, want 2", got)
	}

	lounge.shutdown()
	hub.HandleEvent(host.Event{Type: host.EventDeviceRemoved, DeviceID: "lounge"})
	if got := len(lounge.send); got != 2 {
		t.Errorf("stopped client still queued events: %d", got)
	}
}
