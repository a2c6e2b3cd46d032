package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mnethttp"
)

// authBodyPayload is the wire shape of mmodel.AuthBody.
type authBodyPayload struct {
	GrantType    string `json:"grantType"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Scope        string `json:"scope"`
	ContentType  string `json:"contentType"`
	ReturnType   string `json:"returnType"`
	TokenKeyPath string `json:"tokenKeyPath"`
	HeaderName   string `json:"headerName"`
	HeaderPrefix string `json:"headerPrefix"`
}

// tenantConfigPayload is the wire shape of mmodel.TenantConfig, durations
// expressed in milliseconds to keep the JSON free of time.Duration's
// String() quirks.
type tenantConfigPayload struct {
	PartnerID string `json:"partnerId"`
	Version   string `json:"version"`

	CoreWorkers     int   `json:"coreWorkers"`
	MaxWorkers      int   `json:"maxWorkers"`
	QueueCapacity   int   `json:"queueCapacity"`
	IdleKeepAliveMs int64 `json:"idleKeepAliveMs"`

	FailureRateThresholdPct float64 `json:"failureRateThresholdPct"`
	MinCallsBeforeEval      int     `json:"minCallsBeforeEval"`
	OpenStateDurationMs     int64   `json:"openStateDurationMs"`
	SlidingWindowSize       int     `json:"slidingWindowSize"`
	HalfOpenProbeCount      int     `json:"halfOpenProbeCount"`

	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMs    int64   `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	JitterFraction    float64 `json:"jitterFraction"`

	TokenLifetimeMs int64           `json:"tokenLifetimeMs"`
	AuthEndpoint    string          `json:"authEndpoint"`
	AuthMethod      string          `json:"authMethod"`
	AuthBody        authBodyPayload `json:"authBody"`

	APIEndpoint        string `json:"apiEndpoint"`
	APITimeoutMs       int64  `json:"apiTimeoutMs"`
	MaxConcurrentCalls int    `json:"maxConcurrentCalls"`

	Priority string `json:"priority"`
}

func (p tenantConfigPayload) toConfig() mmodel.TenantConfig {
	return mmodel.TenantConfig{
		TenantID:                mmodel.TenantID(p.PartnerID),
		Version:                 p.Version,
		CoreWorkers:             p.CoreWorkers,
		MaxWorkers:              p.MaxWorkers,
		QueueCapacity:           p.QueueCapacity,
		IdleKeepAlive:           time.Duration(p.IdleKeepAliveMs) * time.Millisecond,
		FailureRateThresholdPct: p.FailureRateThresholdPct,
		MinCallsBeforeEval:      p.MinCallsBeforeEval,
		OpenStateDuration:       time.Duration(p.OpenStateDurationMs) * time.Millisecond,
		SlidingWindowSize:       p.SlidingWindowSize,
		HalfOpenProbeCount:      p.HalfOpenProbeCount,
		MaxAttempts:             p.MaxAttempts,
		InitialDelay:            time.Duration(p.InitialDelayMs) * time.Millisecond,
		BackoffMultiplier:       p.BackoffMultiplier,
		JitterFraction:          p.JitterFraction,
		TokenLifetime:           time.Duration(p.TokenLifetimeMs) * time.Millisecond,
		AuthEndpoint:            p.AuthEndpoint,
		AuthMethod:              p.AuthMethod,
		AuthBody: mmodel.AuthBody{
			GrantType:    p.AuthBody.GrantType,
			ClientID:     p.AuthBody.ClientID,
			ClientSecret: p.AuthBody.ClientSecret,
			Scope:        p.AuthBody.Scope,
			ContentType:  mmodel.ContentType(p.AuthBody.ContentType),
			ReturnType:   mmodel.ReturnType(p.AuthBody.ReturnType),
			TokenKeyPath: p.AuthBody.TokenKeyPath,
			HeaderName:   p.AuthBody.HeaderName,
			HeaderPrefix: p.AuthBody.HeaderPrefix,
		},
		APIEndpoint:        p.APIEndpoint,
		APITimeout:         time.Duration(p.APITimeoutMs) * time.Millisecond,
		MaxConcurrentCalls: p.MaxConcurrentCalls,
		Priority:           p.Priority,
	}
}

func fromConfig(cfg mmodel.TenantConfig) tenantConfigPayload {
	return tenantConfigPayload{
		PartnerID:               string(cfg.TenantID),
		Version:                 cfg.Version,
		CoreWorkers:             cfg.CoreWorkers,
		MaxWorkers:              cfg.MaxWorkers,
		QueueCapacity:           cfg.QueueCapacity,
		IdleKeepAliveMs:         cfg.IdleKeepAlive.Milliseconds(),
		FailureRateThresholdPct: cfg.FailureRateThresholdPct,
		MinCallsBeforeEval:      cfg.MinCallsBeforeEval,
		OpenStateDurationMs:     cfg.OpenStateDuration.Milliseconds(),
		SlidingWindowSize:       cfg.SlidingWindowSize,
		HalfOpenProbeCount:      cfg.HalfOpenProbeCount,
		MaxAttempts:             cfg.MaxAttempts,
		InitialDelayMs:          cfg.InitialDelay.Milliseconds(),
		BackoffMultiplier:       cfg.BackoffMultiplier,
		JitterFraction:          cfg.JitterFraction,
		TokenLifetimeMs:         cfg.TokenLifetime.Milliseconds(),
		AuthEndpoint:            cfg.AuthEndpoint,
		AuthMethod:              cfg.AuthMethod,
		AuthBody: authBodyPayload{
			GrantType:    cfg.AuthBody.GrantType,
			ClientID:     cfg.AuthBody.ClientID,
			ClientSecret: cfg.AuthBody.ClientSecret,
			Scope:        cfg.AuthBody.Scope,
			ContentType:  string(cfg.AuthBody.ContentType),
			ReturnType:   string(cfg.AuthBody.ReturnType),
			TokenKeyPath: cfg.AuthBody.TokenKeyPath,
			HeaderName:   cfg.AuthBody.HeaderName,
			HeaderPrefix: cfg.AuthBody.HeaderPrefix,
		},
		APIEndpoint:        cfg.APIEndpoint,
		APITimeoutMs:       cfg.APITimeout.Milliseconds(),
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		Priority:           cfg.Priority,
	}
}

// tenantConfigResponse wraps a tenant's config with its route status.
type tenantConfigResponse struct {
	tenantConfigPayload
	HasActiveRoute bool `json:"hasActiveRoute"`
}

// GetTenantConfig handles GET /{partnerId}.
func (h *Handler) GetTenantConfig(c *fiber.Ctx) error {
	tenantID := mmodel.TenantID(c.Params("partnerId"))

	cfg, err := h.store.Get(c.UserContext(), tenantID)
	if err != nil {
		return mnethttp.WithError(c, err)
	}

	hasRoute := false

	for _, r := range h.routes.Routes() {
		if r.TenantID == tenantID {
			hasRoute = true
			break
		}
	}

	return mnethttp.OK(c, tenantConfigResponse{
		tenantConfigPayload: fromConfig(cfg),
		HasActiveRoute:      hasRoute,
	})
}

// bulkConfigResult is one tenant's outcome within a bulk update.
type bulkConfigResult struct {
	PartnerID string `json:"partnerId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// bulkConfigResponse is the response shape of PUT /api/config/partners/bulk:
// every tenant gets its own success/error entry, and completedCount is
// unaffected by individual failures.
type bulkConfigResponse struct {
	CompletedCount int                `json:"completedCount"`
	Results        []bulkConfigResult `json:"results"`
}

// BulkConfig handles PUT /api/config/partners/bulk: each tenant in the
// payload is validated and upserted independently, so one invalid entry
// does not block the rest.
func (h *Handler) BulkConfig(c *fiber.Ctx) error {
	var payloads []tenantConfigPayload
	if err := c.BodyParser(&payloads); err != nil {
		return mnethttp.WithError(c, merrors.Wrap(merrors.KindInvalidRequest, "", err))
	}

	ctx := c.UserContext()
	results := make([]bulkConfigResult, 0, len(payloads))
	completed := 0

	for _, p := range payloads {
		cfg := p.toConfig()

		if err := h.store.Put(ctx, cfg); err != nil {
			results = append(results, bulkConfigResult{PartnerID: p.PartnerID, Success: false, Error: err.Error()})
			continue
		}

		results = append(results, bulkConfigResult{PartnerID: p.PartnerID, Success: true})
		completed++
	}

	return mnethttp.OK(c, bulkConfigResponse{CompletedCount: completed, Results: results})
}
