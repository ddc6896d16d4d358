package api_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-quant/orchestrator-core/internal/api"
	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func scrape(t *testing.T, m *api.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestMetricsCountsRiskRejectionsByReason(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()
	metrics := api.NewMetrics(bus)

	bus.Publish(events.NewGenericEvent(events.EventTypeRiskRejected, "portfolio_risk_cap", nil))
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, metrics), `orchestrator_risk_rejections_total{reason="portfolio_risk_cap"} 1`)
	}, time.Second, 10*time.Millisecond)
}

func TestMetricsSkipsSafeModeCooldownExits(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()
	metrics := api.NewMetrics(bus)

	bus.Publish(events.NewGenericEvent(events.EventTypeSafeMode, "cooldown_elapsed", nil))
	bus.Publish(events.NewGenericEvent(events.EventTypeSafeMode, "daily_loss_limit_breached", nil))
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, metrics), "orchestrator_safe_mode_entries_total 1")
	}, time.Second, 10*time.Millisecond)

	assert.NotContains(t, scrape(t, metrics), "orchestrator_safe_mode_entries_total 2")
}
