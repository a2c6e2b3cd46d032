// Package mmodel holds the data model shared across every component:
// TenantConfig, PoolState, BreakerState, Credential, ActiveRoute and the
// outcome/exception records written to the sink. Kept dependency-free
// (no mongo/fiber/amqp imports) so every other package can import it
// without pulling in transport concerns.
package mmodel

import (
	"time"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
)

// TenantID is an opaque, non-empty, case-sensitive identifier.
type TenantID string

// ContentType is the auth request body shape.
type ContentType string

const (
	ContentTypeJSON ContentType = "json"
	ContentTypeForm ContentType = "form"
)

// ReturnType is the auth response body shape.
type ReturnType string

const (
	ReturnTypeJSON ReturnType = "json"
	ReturnTypeXML  ReturnType = "xml"
)

// AuthBody holds the recognized auth request/response shaping options.
type AuthBody struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string
	ContentType  ContentType
	ReturnType   ReturnType
	TokenKeyPath string
	HeaderName   string
	HeaderPrefix string
}

// TenantConfig is the immutable, versioned configuration for one tenant,
// identified by (TenantID, Version).
type TenantConfig struct {
	TenantID TenantID
	Version  string

	// Pool parameters.
	CoreWorkers   int
	MaxWorkers    int
	QueueCapacity int
	IdleKeepAlive time.Duration

	// Breaker parameters.
	FailureRateThresholdPct float64
	MinCallsBeforeEval      int
	OpenStateDuration       time.Duration
	SlidingWindowSize       int
	HalfOpenProbeCount      int

	// Retry parameters.
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	// Auth parameters.
	TokenLifetime time.Duration
	AuthEndpoint  string
	AuthMethod    string
	AuthBody      AuthBody

	// Forward parameters.
	APIEndpoint        string
	APITimeout         time.Duration
	MaxConcurrentCalls int

	// Priority is informational only; it does not affect scheduling.
	Priority string
}

// QueueName derives the bit-exact per-tenant queue name.
func (c TenantConfig) QueueName() string {
	return "partner." + string(c.TenantID) + ".queue"
}

// Validate checks the bounds a well-formed TenantConfig must satisfy. It
// is used both by the Control API's bulk-update endpoint and by the Route
// Manager before installing a reloaded config.
func (c TenantConfig) Validate() error {
	switch {
	case c.TenantID == "":
		return newValidationError("tenantId must not be empty")
	case c.CoreWorkers < 0:
		return newValidationError("coreWorkers must be >= 0")
	case c.MaxWorkers < c.CoreWorkers:
		return newValidationError("maxWorkers must be >= coreWorkers")
	case c.QueueCapacity <= 0:
		return newValidationError("queueCapacity must be > 0")
	case c.FailureRateThresholdPct <= 0 || c.FailureRateThresholdPct > 100:
		return newValidationError("failureRateThresholdPct must be in (0,100]")
	case c.MinCallsBeforeEval <= 0:
		return newValidationError("minCallsBeforeEval must be > 0")
	case c.SlidingWindowSize <= 0:
		return newValidationError("slidingWindowSize must be > 0")
	case c.HalfOpenProbeCount <= 0:
		return newValidationError("halfOpenProbeCount must be > 0")
	case c.MaxAttempts < 1:
		return newValidationError("maxAttempts must be >= 1")
	case c.BackoffMultiplier < 1:
		return newValidationError("backoffMultiplier must be >= 1")
	case c.JitterFraction < 0 || c.JitterFraction > 1:
		return newValidationError("jitterFraction must be in [0,1]")
	}

	return nil
}

func newValidationError(msg string) error {
	return merrors.Newf(merrors.KindInvalidRequest, "%s", msg)
}

// DefaultTenantConfig returns the DEFAULT profile used as a fallback when a
// tenant has no config in the store yet.
func DefaultTenantConfig(id TenantID) TenantConfig {
	return TenantConfig{
		TenantID:                id,
		Version:                 "DEFAULT",
		CoreWorkers:             2,
		MaxWorkers:              8,
		QueueCapacity:           64,
		IdleKeepAlive:           60 * time.Second,
		FailureRateThresholdPct: 50,
		MinCallsBeforeEval:      10,
		OpenStateDuration:       30 * time.Second,
		SlidingWindowSize:       20,
		HalfOpenProbeCount:      3,
		MaxAttempts:             3,
		InitialDelay:            200 * time.Millisecond,
		BackoffMultiplier:       2,
		JitterFraction:          0.2,
		TokenLifetime:           10 * time.Minute,
		APITimeout:              5 * time.Second,
		MaxConcurrentCalls:      8,
	}
}
