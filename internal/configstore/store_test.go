package configstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

func TestDocumentRoundTrip_PreservesConfig(t *testing.T) {
	cfg := mmodel.DefaultTenantConfig("acme")
	cfg.Version = "v3"
	cfg.AuthBody = mmodel.AuthBody{
		GrantType:    "client_credentials",
		ClientID:     "cid",
		ClientSecret: "secret",
		Scope:        "forward",
		ContentType:  mmodel.ContentTypeForm,
		ReturnType:   mmodel.ReturnTypeXML,
		TokenKeyPath: "token.access_token",
		HeaderName:   "Authorization",
		HeaderPrefix: "Bearer",
	}
	cfg.APIEndpoint = "https://partner.example.com/ingest"
	cfg.Priority = "HIGH"

	doc := fromConfig(cfg)
	roundTripped := doc.toConfig()

	assert.Equal(t, cfg, roundTripped)
}

func TestDocumentRoundTrip_PreservesMillisecondDurations(t *testing.T) {
	cfg := mmodel.DefaultTenantConfig("acme")
	cfg.OpenStateDuration = 1500 * time.Millisecond
	cfg.InitialDelay = 333 * time.Millisecond

	doc := fromConfig(cfg)

	assert.EqualValues(t, 1500, doc.OpenStateDurationMs)
	assert.EqualValues(t, 333, doc.InitialDelayMs)

	roundTripped := doc.toConfig()
	assert.Equal(t, cfg.OpenStateDuration, roundTripped.OpenStateDuration)
	assert.Equal(t, cfg.InitialDelay, roundTripped.InitialDelay)
}

func TestCacheKey_IsNamespacedPerTenant(t *testing.T) {
	assert.Equal(t, "partner:tenant-config:acme", cacheKey("acme"))
	assert.NotEqual(t, cacheKey("acme"), cacheKey("other"))
}
