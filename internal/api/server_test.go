package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/internal/api"
	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/atlas-quant/orchestrator-core/internal/orchestrator"
	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeController is a stand-in for *orchestrator.Orchestrator so these
// tests exercise routing and wire format without standing up every L1-L10
// collaborator.
type fakeController struct {
	health       orchestrator.HealthStatus
	reloadErr    error
	reloadedCfg  types.Config
	safeModeArgs []string
}

func (f *fakeController) Health() orchestrator.HealthStatus { return f.health }

func (f *fakeController) ReloadConfig(cfg types.Config) error {
	f.reloadedCfg = cfg
	return f.reloadErr
}

func (f *fakeController) TriggerSafeMode(reason string) {
	f.safeModeArgs = append(f.safeModeArgs, reason)
}

func setupTestServer(t *testing.T) (*api.Server, *fakeController, *httptest.Server) {
	t.Helper()
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)

	ctrl := &fakeController{health: orchestrator.HealthStatus{Mode: types.ModeRunning}}
	metrics := api.NewMetrics(bus)
	server := api.NewServer(zap.NewNop(), api.DefaultConfig(), ctrl, bus, metrics)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ctrl, ts
}

func TestHealthEndpointReturnsControllerSnapshot(t *testing.T) {
	_, ctrl, ts := setupTestServer(t)
	ctrl.health.SafeModeReason = "daily_loss_limit_breached"

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got orchestrator.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "daily_loss_limit_breached", got.SafeModeReason)
}

func TestReloadConfigEndpointRejectsInvalidConfig(t *testing.T) {
	_, ctrl, ts := setupTestServer(t)
	ctrl.reloadErr = assert.AnError

	resp, err := http.Post(ts.URL+"/config/reload", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReloadConfigEndpointAcceptsValidConfig(t *testing.T) {
	_, ctrl, ts := setupTestServer(t)
	cfg := types.DefaultConfig()
	body, err := json.Marshal(cfg)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/config/reload", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cfg.Orchestrator.Concurrency, ctrl.reloadedCfg.Orchestrator.Concurrency)
}

func TestSafeModeEndpointRequiresReason(t *testing.T) {
	_, ctrl, ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/safe-mode", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, ctrl.safeModeArgs)
}

func TestSafeModeEndpointTriggersController(t *testing.T) {
	_, ctrl, ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/safe-mode", "application/json", strings.NewReader(`{"reason":"manual_operator_halt"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"manual_operator_halt"}, ctrl.safeModeArgs)
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	_, _, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestEventsWebSocketBroadcastsBusEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	ctrl := &fakeController{}
	server := api.NewServer(zap.NewNop(), api.DefaultConfig(), ctrl, bus, api.NewMetrics(bus))
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	bus.Publish(events.NewGenericEvent(events.EventTypeSafeMode, "manual_operator_halt", nil))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "manual_operator_halt")
}
