package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

type fakeCreds struct {
	mu          sync.Mutex
	invalidated int
}

func (f *fakeCreds) EnsureValid(ctx context.Context, tenantID mmodel.TenantID, cfg mmodel.TenantConfig) (mmodel.Credential, error) {
	return mmodel.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCreds) Invalidate(tenantID mmodel.TenantID) {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

type fakeSink struct {
	mu         sync.Mutex
	outcomes   []mmodel.Outcome
	exceptions []mmodel.Exception
}

func (f *fakeSink) RecordOutcome(ctx context.Context, outcome mmodel.Outcome) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
}

func (f *fakeSink) RecordException(ctx context.Context, exception mmodel.Exception) {
	f.mu.Lock()
	f.exceptions = append(f.exceptions, exception)
	f.mu.Unlock()
}

func fastCfg(endpoint string) mmodel.TenantConfig {
	cfg := mmodel.DefaultTenantConfig("T")
	cfg.APIEndpoint = endpoint
	cfg.APITimeout = time.Second
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.BackoffMultiplier = 2
	cfg.JitterFraction = 0

	return cfg
}

func TestProcess_SuccessOnFirstAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &fakeSink{}
	p := New(mlog.NoneLogger{}, server.Client(), &fakeCreds{}, sink, "worker-1")

	_, err := p.Process(context.Background(), Message{TenantID: "T", RouteID: "r1", Body: []byte("hi")}, fastCfg(server.URL))
	require.NoError(t, err)

	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, mmodel.ResultSuccess, sink.outcomes[0].Result)
	assert.Equal(t, 1, sink.outcomes[0].Attempts)
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := &fakeSink{}
	p := New(mlog.NoneLogger{}, server.Client(), &fakeCreds{}, sink, "worker-1")

	_, err := p.Process(context.Background(), Message{TenantID: "T", RouteID: "r1", Body: []byte("hi")}, fastCfg(server.URL))
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, 3, sink.outcomes[0].Attempts)
}

func TestProcess_ExhaustsRetriesAndFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink := &fakeSink{}
	p := New(mlog.NoneLogger{}, server.Client(), &fakeCreds{}, sink, "worker-1")

	_, err := p.Process(context.Background(), Message{TenantID: "T", RouteID: "r1", Body: []byte("hi")}, fastCfg(server.URL))
	require.Error(t, err)
	assert.Equal(t, mmodel.ResultFailed, sink.outcomes[0].Result)
}

func TestProcess_AuthFailureInvalidatesAndBonusRetries(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	creds := &fakeCreds{}
	sink := &fakeSink{}
	p := New(mlog.NoneLogger{}, server.Client(), creds, sink, "worker-1")

	_, err := p.Process(context.Background(), Message{TenantID: "T", RouteID: "r1", Body: []byte("hi")}, fastCfg(server.URL))
	require.NoError(t, err)
	assert.Equal(t, 1, creds.invalidated)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestProcess_HeaderTransformFailureRecordsException(t *testing.T) {
	sink := &fakeSink{}
	p := New(mlog.NoneLogger{}, http.DefaultClient, &fakeCreds{}, sink, "worker-1").
		WithHeaderTransform(func(headers map[string]string) (map[string]string, error) {
			return nil, assertErr{}
		})

	_, err := p.Process(context.Background(), Message{TenantID: "T", RouteID: "r1"}, fastCfg("http://unused"))
	require.Error(t, err)
	require.Len(t, sink.exceptions, 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "transform failed" }
