package broker

import (
	"context"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
)

// Dispatcher drains the shared pre-dispatch queue and republishes each
// delivery onto its tenant's own queue, so the Route Manager's per-tenant
// consumers are the single place that ever runs the forwarding pipeline.
// This keeps both ingestion paths live at once: producers that don't know
// a tenant's dedicated queue exists yet can publish to the pre-dispatch
// exchange, and once the Route Manager has reconciled that tenant into an
// active route its queue is already being declared and consumed.
type Dispatcher struct {
	logger mlog.Logger
	conn   *Connection
}

// NewDispatcher builds a pre-dispatch Dispatcher over conn.
func NewDispatcher(logger mlog.Logger, conn *Connection) *Dispatcher {
	return &Dispatcher{logger: logger, conn: conn}
}

// Run consumes the pre-dispatch queue until ctx is cancelled, republishing
// each delivery onto partner.<tenantId>.queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.conn.ConsumePreDispatch(ctx, func(ctx context.Context, tenantID string, body []byte) error {
		queueName := queueNameFor(tenantID)

		d.logger.Debugf("predispatch: routing tenant %s to %s", tenantID, queueName)

		return d.conn.PublishToTenantQueue(ctx, queueName, body)
	})
}

func queueNameFor(tenantID string) string {
	return mmodel.TenantConfig{TenantID: mmodel.TenantID(tenantID)}.QueueName()
}
