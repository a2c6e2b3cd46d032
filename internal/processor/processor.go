// Package processor implements the Tenant Processor: the
// per-message pipeline run inside a tenant's pool worker — validate,
// ensure a valid credential, forward to the partner API with retry and
// backoff, then record the terminal outcome.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mretry"
)

// CredentialProvider ensures a valid, attachable credential for a tenant,
// satisfied by *credential.Cache.
type CredentialProvider interface {
	EnsureValid(ctx context.Context, tenantID mmodel.TenantID, cfg mmodel.TenantConfig) (mmodel.Credential, error)
	Invalidate(tenantID mmodel.TenantID)
}

// HeaderTransform decrypts or otherwise rewrites inbound transport headers
// before forwarding. DefaultHeaderTransform is the identity transform.
type HeaderTransform func(headers map[string]string) (map[string]string, error)

// DefaultHeaderTransform passes headers through unchanged.
func DefaultHeaderTransform(headers map[string]string) (map[string]string, error) {
	return headers, nil
}

// OutcomeSink records the terminal result of processing one message,
// satisfied by the outcome package's sink. Writes are best-effort: a sink
// failure never fails the message itself.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome mmodel.Outcome)
	RecordException(ctx context.Context, exception mmodel.Exception)
}

// Message is one unit of work handed to the processor.
type Message struct {
	TenantID mmodel.TenantID
	RouteID  string
	Headers  map[string]string
	Body     []byte
}

// Processor runs the validate -> header-transform -> ensure-token ->
// forward -> record pipeline for one tenant's messages.
type Processor struct {
	logger       mlog.Logger
	client       *http.Client
	creds        CredentialProvider
	transform    HeaderTransform
	sink         OutcomeSink
	fallbackName string
}

// New builds a Processor. fallbackName is recorded on an outcome/exception
// only when Process runs outside a pool worker goroutine (the caller-runs
// fallback, or a direct call in tests) and so has no live worker name in
// its context; otherwise the pool.ContextWithWorkerName value set by the
// worker that actually ran the task takes precedence.
func New(logger mlog.Logger, client *http.Client, creds CredentialProvider, sink OutcomeSink, fallbackName string) *Processor {
	return &Processor{
		logger:       logger,
		client:       client,
		creds:        creds,
		transform:    DefaultHeaderTransform,
		sink:         sink,
		fallbackName: fallbackName,
	}
}

// WithHeaderTransform overrides the default identity header transform.
func (p *Processor) WithHeaderTransform(t HeaderTransform) *Processor {
	p.transform = t
	return p
}

// workerName resolves the name to record on this invocation's
// outcome/exception: the real worker that is running the task, if Process
// was reached through a pool worker, falling back to fallbackName
// otherwise.
func (p *Processor) workerName(ctx context.Context) string {
	if name, ok := pool.WorkerNameFromContext(ctx); ok {
		return name
	}

	return p.fallbackName
}

// Process runs the full pipeline for msg under cfg, returning the result
// (and, on terminal failure, an error) so the caller's pool/breaker
// bookkeeping can classify success vs failure the same way a plain HTTP
// call would.
func (p *Processor) Process(ctx context.Context, msg Message, cfg mmodel.TenantConfig) (any, error) {
	workerName := p.workerName(ctx)

	if msg.TenantID == "" {
		return nil, merrors.Newf(merrors.KindInvalidRequest, "message carries no tenant id")
	}

	headers, err := p.transform(msg.Headers)
	if err != nil {
		exc := mmodel.Exception{
			TenantID:     msg.TenantID,
			RouteID:      msg.RouteID,
			ErrorKind:    string(merrors.KindInvalidRequest),
			ErrorMessage: err.Error(),
			Timestamp:    time.Now().UTC(),
			WorkerName:   workerName,
		}
		p.sink.RecordException(ctx, exc)

		return nil, merrors.Wrap(merrors.KindInvalidRequest, string(msg.TenantID), err)
	}

	retryCfg := mretry.Config{
		MaxAttempts:       cfg.MaxAttempts,
		InitialDelay:      cfg.InitialDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		JitterFraction:    cfg.JitterFraction,
	}

	attempts := 0

	result, forwardErr := mretry.Do(ctx, retryCfg, merrors.IsRetryable, func(ctx context.Context, attempt int) (any, error) {
		attempts = attempt + 1

		return p.forwardOnce(ctx, msg, headers, cfg)
	})

	// A 401/403 earns one bonus retry beyond maxAttempts after invalidating
	// the cached credential, since the failure may be solely due to a
	// stale token.
	if merrors.IsAuthFailure(forwardErr) {
		p.creds.Invalidate(msg.TenantID)
		attempts++
		result, forwardErr = p.forwardOnce(ctx, msg, headers, cfg)
	}

	outcome := mmodel.Outcome{
		TenantID:   msg.TenantID,
		RouteID:    msg.RouteID,
		Attempts:   attempts,
		Timestamp:  time.Now().UTC(),
		WorkerName: workerName,
	}

	if forwardErr != nil {
		outcome.Result = mmodel.ResultFailed

		var merr merrors.Error
		if e, ok := asMerror(forwardErr); ok {
			merr = e
		} else {
			merr = merrors.Wrap(merrors.KindInternal, string(msg.TenantID), forwardErr)
		}

		outcome.ErrorKind = string(merr.Kind)
		outcome.ErrorMessage = merr.Error()

		p.sink.RecordOutcome(ctx, outcome)
		p.sink.RecordException(ctx, mmodel.Exception{
			TenantID:     msg.TenantID,
			RouteID:      msg.RouteID,
			ErrorKind:    outcome.ErrorKind,
			ErrorMessage: outcome.ErrorMessage,
			Timestamp:    outcome.Timestamp,
			WorkerName:   workerName,
		})

		return nil, forwardErr
	}

	outcome.Result = mmodel.ResultSuccess
	p.sink.RecordOutcome(ctx, outcome)

	return result, nil
}

func asMerror(err error) (merrors.Error, bool) {
	type unwrapper interface{ Unwrap() error }

	for e := err; e != nil; {
		if me, ok := e.(merrors.Error); ok {
			return me, true
		}

		u, ok := e.(unwrapper)
		if !ok {
			break
		}

		e = u.Unwrap()
	}

	return merrors.Error{}, false
}

func (p *Processor) forwardOnce(ctx context.Context, msg Message, headers map[string]string, cfg mmodel.TenantConfig) (any, error) {
	cred, err := p.creds.EnsureValid(ctx, msg.TenantID, cfg)
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	if cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, cfg.APITimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.APIEndpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return nil, merrors.Wrap(merrors.KindInternal, string(msg.TenantID), err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	headerName := cfg.AuthBody.HeaderName
	if headerName == "" {
		headerName = "Authorization"
	}

	prefix := cfg.AuthBody.HeaderPrefix
	if prefix != "" {
		req.Header.Set(headerName, prefix+" "+cred.AccessToken)
	} else {
		req.Header.Set(headerName, cred.AccessToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindTransient, string(msg.TenantID), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, merrors.Wrap(merrors.KindAuth, string(msg.TenantID), fmt.Errorf("partner API returned %d", resp.StatusCode))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, merrors.Wrap(merrors.KindTransient, string(msg.TenantID), fmt.Errorf("partner API returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, merrors.Wrap(merrors.KindInvalidRequest, string(msg.TenantID), fmt.Errorf("partner API returned %d", resp.StatusCode))
	default:
		return body, nil
	}
}
