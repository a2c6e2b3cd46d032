// Package mnethttp provides the Control API's fiber middleware: a
// correlation-ID header, CLF-style access logging, tracing and CORS.
package mnethttp

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	headerUserAgent     = "User-Agent"
)

// WithCorrelationID stamps every request with a correlation id, reusing
// one supplied by the caller if present.
func WithCorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cid := c.Get(headerCorrelationID)
		if cid == "" {
			cid = uuid.New().String()
		}

		c.Set(headerCorrelationID, cid)
		c.Request().Header.Set(headerCorrelationID, cid)

		return c.Next()
	}
}

// requestInfo holds the CLF access-log fields for one request.
type requestInfo struct {
	Method        string
	URI           string
	RemoteAddress string
	Status        int
	Date          time.Time
	Duration      time.Duration
	UserAgent     string
	CorrelationID string
}

func newRequestInfo(c *fiber.Ctx) *requestInfo {
	return &requestInfo{
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		UserAgent:     c.Get(headerUserAgent),
		CorrelationID: c.Get(headerCorrelationID),
		RemoteAddress: c.IP(),
		Date:          time.Now().UTC(),
	}
}

func (r *requestInfo) clfString() string {
	return strings.Join([]string{
		r.RemoteAddress, r.Method, r.URI,
		strconv.Itoa(r.Status), r.Duration.String(), r.CorrelationID,
	}, " ")
}

// WithLogging logs every request/response pair except those for /health in
// CLF-ish form, at Info level, attaching the per-request logger to the
// fiber UserContext so
// downstream handlers can pull it via mlog.FromContext.
func WithLogging(logger mlog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		info := newRequestInfo(c)
		reqLogger := logger.WithFields(headerCorrelationID, info.CorrelationID)

		c.SetUserContext(mlog.ContextWithLogger(c.UserContext(), reqLogger))

		err := c.Next()

		info.Status = c.Response().StatusCode()
		info.Duration = time.Since(info.Date)

		reqLogger.Info(info.clfString())

		return err
	}
}

// WithTracing starts one span per request under tracerName, ending it once
// the handler chain completes. Trimmed to the plain-HTTP subset: no gRPC
// interceptor and no CPU/mem gauges, since this control plane has no gRPC
// surface and system metrics belong to the monitoring endpoints instead.
func WithTracing(tracerName string) fiber.Handler {
	tracer := otel.Tracer(tracerName)

	return func(c *fiber.Ctx) error {
		ctx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Route().Path)
		defer span.End()

		c.SetUserContext(ctx)

		err := c.Next()
		if err != nil {
			span.RecordError(err)
		}

		return err
	}
}

const (
	defaultAllowOrigin  = "*"
	defaultAllowMethods = "POST, GET, OPTIONS, PUT, DELETE, PATCH"
	defaultAllowHeaders = "Accept, Content-Type, Content-Length, Authorization, X-Correlation-ID"
)

// WithCORS wires a permissive CORS policy suitable for a control-plane API
// consumed by an internal dashboard.
func WithCORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     defaultAllowOrigin,
		AllowMethods:     defaultAllowMethods,
		AllowHeaders:     defaultAllowHeaders,
		AllowCredentials: true,
	})
}
