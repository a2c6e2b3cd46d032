package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

func jsonAuthConfig(server *httptest.Server) mmodel.TenantConfig {
	cfg := mmodel.DefaultTenantConfig("T")
	cfg.AuthEndpoint = server.URL
	cfg.TokenLifetime = time.Minute
	cfg.AuthBody = mmodel.AuthBody{
		GrantType:    "client_credentials",
		ClientID:     "client",
		ClientSecret: "secret",
		ContentType:  mmodel.ContentTypeJSON,
		ReturnType:   mmodel.ReturnTypeJSON,
		TokenKeyPath: "access_token",
		HeaderName:   "Authorization",
		HeaderPrefix: "Bearer",
	}

	return cfg
}

func TestEnsureValid_FetchesAndCaches(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client_credentials", body["grant_type"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	}))
	defer server.Close()

	cache := NewCache(mlog.NoneLogger{}, server.Client())
	cfg := jsonAuthConfig(server)

	cred, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.AccessToken)

	// Second call within the token lifetime must not hit the server again.
	cred2, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred2.AccessToken)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestEnsureValid_SingleFlightUnderConcurrency(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-shared"})
	}))
	defer server.Close()

	cache := NewCache(mlog.NoneLogger{}, server.Client())
	cfg := jsonAuthConfig(server)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := cache.EnsureValid(context.Background(), "T", cfg)
			assert.NoError(t, err)
			assert.Equal(t, "tok-shared", cred.AccessToken)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent callers must share one outbound auth request")
}

func TestEnsureValid_FormContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "form-tok"})
	}))
	defer server.Close()

	cfg := jsonAuthConfig(server)
	cfg.AuthBody.ContentType = mmodel.ContentTypeForm

	cache := NewCache(mlog.NoneLogger{}, server.Client())

	cred, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)
	assert.Equal(t, "form-tok", cred.AccessToken)
}

func TestEnsureValid_XMLReturnType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<token><access_token>xml-tok</access_token></token>`))
	}))
	defer server.Close()

	cfg := jsonAuthConfig(server)
	cfg.AuthBody.ReturnType = mmodel.ReturnTypeXML
	cfg.AuthBody.TokenKeyPath = "token.access_token"

	cache := NewCache(mlog.NoneLogger{}, server.Client())

	cred, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)
	assert.Equal(t, "xml-tok", cred.AccessToken)
}

func TestEnsureValid_NestedJSONPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"token": "nested-tok"},
		})
	}))
	defer server.Close()

	cfg := jsonAuthConfig(server)
	cfg.AuthBody.TokenKeyPath = "data.token"

	cache := NewCache(mlog.NoneLogger{}, server.Client())

	cred, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)
	assert.Equal(t, "nested-tok", cred.AccessToken)
}

func TestEnsureValid_AuthFailureIsNotRetryableBySign(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cache := NewCache(mlog.NoneLogger{}, server.Client())
	cfg := jsonAuthConfig(server)

	_, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.Error(t, err)
	assert.True(t, merrors.IsAuthFailure(err))
	assert.False(t, merrors.IsRetryable(err))
}

func TestEnsureValid_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cache := NewCache(mlog.NoneLogger{}, server.Client())
	cfg := jsonAuthConfig(server)

	_, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.Error(t, err)
	assert.True(t, merrors.IsRetryable(err))
}

func TestInvalidate_ForcesRefreshOnNextCall(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-" + string(rune('0'+n))})
	}))
	defer server.Close()

	cache := NewCache(mlog.NoneLogger{}, server.Client())
	cfg := jsonAuthConfig(server)

	_, err := cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)

	cache.Invalidate("T")

	_, err = cache.EnsureValid(context.Background(), "T", cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
