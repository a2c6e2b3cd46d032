// Package credential implements a per-tenant token cache: an expiry-tracked
// token slot with a single in-flight refresh shared by every concurrent
// caller, built on the OAuth form/JSON token-exchange idiom.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// safetyMargin is subtracted from a credential's expiry when deciding
// whether it is still usable, so a token doesn't expire mid-flight.
const safetyMargin = 5 * time.Second

// HTTPDoer is the minimal surface Cache needs from an HTTP client,
// satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache is the per-tenant Credential Cache. It holds at most one
// credential per tenant and coordinates refreshes with a singleflight
// group keyed by tenant id so concurrent callers share one outbound auth
// request.
type Cache struct {
	logger mlog.Logger
	client HTTPDoer
	clock  func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	credentials map[mmodel.TenantID]mmodel.Credential
}

// NewCache builds a Credential Cache using client for the outbound auth
// exchange.
func NewCache(logger mlog.Logger, client HTTPDoer) *Cache {
	return &Cache{
		logger:      logger,
		client:      client,
		clock:       time.Now,
		credentials: make(map[mmodel.TenantID]mmodel.Credential),
	}
}

// EnsureValid returns a credential for tenantID guaranteed non-expired at
// return time, refreshing it (with single-flight coordination) if absent
// or expiring within safetyMargin.
func (c *Cache) EnsureValid(ctx context.Context, tenantID mmodel.TenantID, cfg mmodel.TenantConfig) (mmodel.Credential, error) {
	if cred, ok := c.cached(tenantID); ok && cred.Valid(c.clock(), safetyMargin) {
		return cred, nil
	}

	v, err, _ := c.group.Do(string(tenantID), func() (any, error) {
		// Re-check: another goroutine may have refreshed while we waited
		// to enter Do (the fast path above already avoided the common
		// case, this re-check avoids a redundant exchange after a
		// concurrent refresh landed just ahead of us).
		if cred, ok := c.cached(tenantID); ok && cred.Valid(c.clock(), safetyMargin) {
			return cred, nil
		}

		cred, err := c.refresh(ctx, cfg)
		if err != nil {
			return mmodel.Credential{}, err
		}

		c.mu.Lock()
		c.credentials[tenantID] = cred
		c.mu.Unlock()

		return cred, nil
	})
	if err != nil {
		return mmodel.Credential{}, err
	}

	return v.(mmodel.Credential), nil
}

// Invalidate drops the cached credential for tenantID, called on observed
// 401-class responses.
func (c *Cache) Invalidate(tenantID mmodel.TenantID) {
	c.mu.Lock()
	delete(c.credentials, tenantID)
	c.mu.Unlock()
}

func (c *Cache) cached(tenantID mmodel.TenantID) (mmodel.Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cred, ok := c.credentials[tenantID]

	return cred, ok
}

func (c *Cache) refresh(ctx context.Context, cfg mmodel.TenantConfig) (mmodel.Credential, error) {
	req, err := buildTokenRequest(ctx, cfg)
	if err != nil {
		return mmodel.Credential{}, merrors.Wrap(merrors.KindInternal, string(cfg.TenantID), err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return mmodel.Credential{}, merrors.Wrap(merrors.KindTransient, string(cfg.TenantID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return mmodel.Credential{}, merrors.Wrap(merrors.KindAuth, string(cfg.TenantID), fmt.Errorf("auth endpoint returned %d", resp.StatusCode))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return mmodel.Credential{}, merrors.Wrap(merrors.KindTransient, string(cfg.TenantID), fmt.Errorf("auth endpoint returned %d", resp.StatusCode))
	}

	if resp.StatusCode != http.StatusOK {
		return mmodel.Credential{}, merrors.Wrap(merrors.KindInternal, string(cfg.TenantID), fmt.Errorf("auth endpoint returned %d", resp.StatusCode))
	}

	token, err := extractToken(resp.Body, cfg.AuthBody)
	if err != nil {
		return mmodel.Credential{}, merrors.Wrap(merrors.KindInternal, string(cfg.TenantID), err)
	}

	now := c.clock()

	return mmodel.Credential{
		AccessToken: token,
		TokenType:   cfg.AuthBody.HeaderPrefix,
		IssuedAt:    now,
		ExpiresAt:   now.Add(cfg.TokenLifetime),
	}, nil
}

func buildTokenRequest(ctx context.Context, cfg mmodel.TenantConfig) (*http.Request, error) {
	ab := cfg.AuthBody

	var (
		body        []byte
		contentType string
	)

	switch ab.ContentType {
	case mmodel.ContentTypeForm:
		form := url.Values{}
		form.Set("grant_type", ab.GrantType)
		form.Set("client_id", ab.ClientID)
		form.Set("client_secret", ab.ClientSecret)

		if ab.Scope != "" {
			form.Set("scope", ab.Scope)
		}

		body = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	default: // json
		payload := map[string]string{
			"grant_type":    ab.GrantType,
			"client_id":     ab.ClientID,
			"client_secret": ab.ClientSecret,
		}
		if ab.Scope != "" {
			payload["scope"] = ab.Scope
		}

		var err error

		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		contentType = "application/json"
	}

	method := cfg.AuthMethod
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.AuthEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", contentType)

	return req, nil
}

// extractToken reads the access token out of the auth response body at
// ab.TokenKeyPath: a dotted JSON path for json responses, or a dotted
// path of element names for XML (the first segment may name the root).
func extractToken(body interface{ Read([]byte) (int, error) }, ab mmodel.AuthBody) (string, error) {
	switch ab.ReturnType {
	case mmodel.ReturnTypeXML:
		return extractXML(body, ab.TokenKeyPath)
	default:
		return extractJSON(body, ab.TokenKeyPath)
	}
}

func extractJSON(body interface{ Read([]byte) (int, error) }, path string) (string, error) {
	var doc map[string]any

	dec := json.NewDecoder(body)
	if err := dec.Decode(&doc); err != nil {
		return "", err
	}

	keys := strings.Split(path, ".")

	var cur any = doc
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("token path %q: %q is not an object", path, k)
		}

		cur, ok = m[k]
		if !ok {
			return "", fmt.Errorf("token path %q: key %q not found", path, k)
		}
	}

	s, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("token path %q did not resolve to a string", path)
	}

	return s, nil
}

// xmlAny is a generic element used to walk an XML document by tag name,
// since the token element's exact schema varies per tenant.
type xmlAny struct {
	XMLName  xml.Name
	Content  string   `xml:",chardata"`
	Children []xmlAny `xml:",any"`
}

func extractXML(body interface{ Read([]byte) (int, error) }, path string) (string, error) {
	var root xmlAny

	dec := xml.NewDecoder(body)
	if err := dec.Decode(&root); err != nil {
		return "", err
	}

	keys := strings.Split(path, ".")
	node := root

	// The first path segment names the root element itself.
	if len(keys) > 0 && keys[0] == root.XMLName.Local {
		keys = keys[1:]
	}

	for _, k := range keys {
		found := false

		for _, child := range node.Children {
			if child.XMLName.Local == k {
				node = child
				found = true

				break
			}
		}

		if !found {
			return "", fmt.Errorf("token path %q: element %q not found", path, k)
		}
	}

	return strings.TrimSpace(node.Content), nil
}
