package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerforwarder/partner-forwarder/internal/breaker"
	"github.com/partnerforwarder/partner-forwarder/internal/broker"
	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/internal/processor"
	"github.com/partnerforwarder/partner-forwarder/internal/route"
	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

type fakeConfigStore struct {
	configs map[mmodel.TenantID]mmodel.TenantConfig
}

func (f *fakeConfigStore) Get(_ context.Context, tenantID mmodel.TenantID) (mmodel.TenantConfig, error) {
	cfg, ok := f.configs[tenantID]
	if !ok {
		return mmodel.TenantConfig{}, merrors.Wrap(merrors.KindNotFound, string(tenantID), nil)
	}

	return cfg, nil
}

func (f *fakeConfigStore) All(_ context.Context) ([]mmodel.TenantConfig, error) {
	out := make([]mmodel.TenantConfig, 0, len(f.configs))
	for _, cfg := range f.configs {
		out = append(out, cfg)
	}

	return out, nil
}

func (f *fakeConfigStore) Put(_ context.Context, cfg mmodel.TenantConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	f.configs[cfg.TenantID] = cfg

	return nil
}

func (f *fakeConfigStore) Invalidate(_ context.Context, tenantID mmodel.TenantID) {
	delete(f.configs, tenantID)
}

type fakeBrokerConsumer struct{}

func (fakeBrokerConsumer) ConsumeTenantQueue(ctx context.Context, _ string, _ broker.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

type noopCreds struct{}

func (noopCreds) EnsureValid(context.Context, mmodel.TenantID, mmodel.TenantConfig) (mmodel.Credential, error) {
	return mmodel.Credential{}, merrors.Wrap(merrors.KindAuth, "", nil)
}

func (noopCreds) Invalidate(mmodel.TenantID) {}

type noopSink struct{}

func (noopSink) RecordOutcome(context.Context, mmodel.Outcome)     {}
func (noopSink) RecordException(context.Context, mmodel.Exception) {}

func testConfig(id mmodel.TenantID) mmodel.TenantConfig {
	cfg := mmodel.DefaultTenantConfig(id)
	cfg.Version = "v1"
	cfg.APIEndpoint = "http://unused"

	return cfg
}

func newTestHandler(t *testing.T, store *fakeConfigStore) *Handler {
	t.Helper()

	logger := mlog.NoneLogger{}

	lookup := func(tenantID mmodel.TenantID) mmodel.TenantConfig {
		if cfg, ok := store.configs[tenantID]; ok {
			return cfg
		}

		return mmodel.DefaultTenantConfig(tenantID)
	}

	pools := pool.NewRegistry(logger, lookup)
	breakers := breaker.NewRegistry(logger, lookup, pools, nil)

	newProc := func(workerName string) *processor.Processor {
		return processor.New(logger, nil, noopCreds{}, noopSink{}, workerName)
	}

	manager := route.NewManager(logger, store, breakers, pools, fakeBrokerConsumer{}, newProc, time.Hour)

	return NewHandler(logger, manager, pools, breakers, store)
}

func TestRoutesStatus_ReflectsReconciledTenant(t *testing.T) {
	store := &fakeConfigStore{configs: map[mmodel.TenantID]mmodel.TenantConfig{
		"acme": testConfig("acme"),
	}}
	h := newTestHandler(t, store)

	require.NoError(t, h.routes.RefreshTenant(context.Background(), "acme"))

	app := NewRouter(mlog.NoneLogger{}, h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/partner-config/routes/status", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body routesStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, 1, body.ActiveRouteCount)
	assert.Equal(t, "Partner:acme:Main", body.ActiveRoutes["acme"])
}

func TestThreadpool_UnknownTenantIs404(t *testing.T) {
	h := newTestHandler(t, &fakeConfigStore{configs: map[mmodel.TenantID]mmodel.TenantConfig{}})
	app := NewRouter(mlog.NoneLogger{}, h)

	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/threadpools/unknown", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForceOpenThenForceClosed_RoundTrips(t *testing.T) {
	h := newTestHandler(t, &fakeConfigStore{configs: map[mmodel.TenantID]mmodel.TenantConfig{
		"acme": testConfig("acme"),
	}})
	app := NewRouter(mlog.NoneLogger{}, h)

	openReq := httptest.NewRequest(http.MethodPost, "/api/monitoring/circuitbreakers/acme/force-open", nil)
	resp, err := app.Test(openReq, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/monitoring/circuitbreakers/acme", nil)
	resp, err = app.Test(statusReq, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status mmodel.BreakerStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, mmodel.StateOpen, status.State)

	closeReq := httptest.NewRequest(http.MethodPost, "/api/monitoring/circuitbreakers/acme/force-closed", nil)
	closeResp, err := app.Test(closeReq, -1)
	require.NoError(t, err)
	closeResp.Body.Close()
	assert.Equal(t, http.StatusOK, closeResp.StatusCode)

	statusReq = httptest.NewRequest(http.MethodGet, "/api/monitoring/circuitbreakers/acme", nil)
	statusResp, err := app.Test(statusReq, -1)
	require.NoError(t, err)
	defer statusResp.Body.Close()

	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, mmodel.StateClosed, status.State)
}

func TestMonitoringHealth_CountsOpenBreakers(t *testing.T) {
	h := newTestHandler(t, &fakeConfigStore{configs: map[mmodel.TenantID]mmodel.TenantConfig{
		"acme": testConfig("acme"),
	}})
	h.breakers.ForceOpen("acme")

	app := NewRouter(mlog.NoneLogger{}, h)

	req := httptest.NewRequest(http.MethodGet, "/api/monitoring/health", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body monitoringHealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.OpenBreakers)
}

func TestBulkConfig_PayloadRoundTrips(t *testing.T) {
	cfg := testConfig("acme")
	payload := fromConfig(cfg)

	back := payload.toConfig()
	assert.Equal(t, cfg.TenantID, back.TenantID)
	assert.Equal(t, cfg.Version, back.Version)
	assert.Equal(t, cfg.APIEndpoint, back.APIEndpoint)
	assert.Equal(t, cfg.IdleKeepAlive, back.IdleKeepAlive)
}

func TestBulkConfig_ReachableAtLiteralPathAndReportsPerTenant(t *testing.T) {
	h := newTestHandler(t, &fakeConfigStore{configs: map[mmodel.TenantID]mmodel.TenantConfig{}})
	app := NewRouter(mlog.NoneLogger{}, h)

	body := []tenantConfigPayload{
		fromConfig(testConfig("acme")),
		fromConfig(testConfig("globex")),
	}
	body[1].QueueCapacity = 0 // violates TenantConfig.Validate, must not block the batch

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/config/partners/bulk", bytes.NewReader(raw))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out bulkConfigResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	require.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.CompletedCount)
	assert.True(t, out.Results[0].Success)
	assert.Empty(t, out.Results[0].Error)
	assert.False(t, out.Results[1].Success)
	assert.NotEmpty(t, out.Results[1].Error)
}
