package mmodel

import "time"

// PoolState is the observable state of one tenant's worker pool. CompletedCount is monotonic for the lifetime of the pool.
type PoolState struct {
	TenantID       TenantID
	ActiveCount    int
	PoolSize       int
	QueueDepth     int
	CompletedCount int64
	ShuttingDown   bool
}

// BreakerState names: CLOSED, OPEN, HALF_OPEN.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Counts mirrors the field shape of a standard circuit-breaker Counts
// struct (Requests/TotalSuccesses/TotalFailures/consecutive streaks).
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	NotPermittedCount    uint32
}

// BreakerStatus is the observable snapshot of one tenant's breaker.
type BreakerStatus struct {
	TenantID            TenantID
	State               BreakerState
	OpenedAt            time.Time
	HalfOpenPermitsLeft int
	Counts              Counts
}

// Credential is a per-tenant bearer credential. Field names follow the
// familiar OAuth2 token shape (access/refresh token, issued/expiry time)
// without depending on any OAuth2 client library.
type Credential struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Valid reports whether the credential is usable at `at`, honoring a
// safety margin so a token doesn't expire mid-flight.
func (c Credential) Valid(at time.Time, safetyMargin time.Duration) bool {
	return c.AccessToken != "" && at.Add(safetyMargin).Before(c.ExpiresAt)
}

// ActiveRoute is the per-tenant ingest loop record owned by the Route
// Manager.
type ActiveRoute struct {
	RouteID       string
	TenantID      TenantID
	ConfigVersion string
}

// RouteID derives the bit-exact route id.
func RouteID(tenantID TenantID) string {
	return "Partner:" + string(tenantID) + ":Main"
}

// ChangeType is the kind of configuration-change notification the Control
// API receives and hands to the Route Manager.
type ChangeType string

const (
	ChangeCreated ChangeType = "CREATED"
	ChangeUpdated ChangeType = "UPDATED"
	ChangeDeleted ChangeType = "DELETED"
)

// ChangeNotification is the webhook payload driving reconciliation.
type ChangeNotification struct {
	TenantID   TenantID
	ChangeType ChangeType
	Version    string
	Timestamp  time.Time
	Source     string
	Metadata   map[string]any
}

// OutcomeResult is SUCCESS or FAILED.
type OutcomeResult string

const (
	ResultSuccess OutcomeResult = "SUCCESS"
	ResultFailed  OutcomeResult = "FAILED"
)

// Outcome is one document written to the message-results index.
type Outcome struct {
	TenantID     TenantID
	RouteID      string
	Result       OutcomeResult
	Attempts     int
	ErrorKind    string
	ErrorMessage string
	Timestamp    time.Time
	WorkerName   string
}

// Exception is one document written to the message-exceptions index,
// emitted alongside a failed Outcome.
type Exception struct {
	TenantID     TenantID
	RouteID      string
	ErrorKind    string
	ErrorMessage string
	Timestamp    time.Time
	WorkerName   string
}
