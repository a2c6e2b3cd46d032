// Package outcome implements the outcome sink adapter:
// best-effort writes of message-results and message-exceptions documents
// to MongoDB. A write failure is logged but never propagated — the
// processed message has already succeeded or failed on its own terms by
// the time a sink write is attempted.
package outcome

import (
	"context"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmongo"
)

const (
	resultsCollection    = "message-results"
	exceptionsCollection = "message-exceptions"
)

type resultDoc struct {
	TenantID     string `bson:"tenantId"`
	RouteID      string `bson:"routeId"`
	Result       string `bson:"result"`
	Attempts     int    `bson:"attempts"`
	ErrorKind    string `bson:"errorKind,omitempty"`
	ErrorMessage string `bson:"errorMessage,omitempty"`
	Timestamp    int64  `bson:"timestamp"`
	WorkerName   string `bson:"workerName"`
}

type exceptionDoc struct {
	TenantID     string `bson:"tenantId"`
	RouteID      string `bson:"routeId"`
	ErrorKind    string `bson:"errorKind"`
	ErrorMessage string `bson:"errorMessage"`
	Timestamp    int64  `bson:"timestamp"`
	WorkerName   string `bson:"workerName"`
}

// Sink writes Outcome/Exception records to MongoDB.
type Sink struct {
	logger mlog.Logger
	mongo  *mmongo.Connection
}

// New builds a Sink over conn.
func New(logger mlog.Logger, conn *mmongo.Connection) *Sink {
	return &Sink{logger: logger, mongo: conn}
}

// RecordOutcome best-effort writes one message-results document.
func (s *Sink) RecordOutcome(ctx context.Context, o mmodel.Outcome) {
	coll, err := s.mongo.Collection(ctx, resultsCollection)
	if err != nil {
		s.logger.Errorf("outcome: get collection: %v", err)
		return
	}

	doc := resultDoc{
		TenantID:     string(o.TenantID),
		RouteID:      o.RouteID,
		Result:       string(o.Result),
		Attempts:     o.Attempts,
		ErrorKind:    o.ErrorKind,
		ErrorMessage: o.ErrorMessage,
		Timestamp:    o.Timestamp.UnixMilli(),
		WorkerName:   o.WorkerName,
	}

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		s.logger.Errorf("outcome: insert result for tenant %s: %v", o.TenantID, err)
	}
}

// RecordException best-effort writes one message-exceptions document.
func (s *Sink) RecordException(ctx context.Context, e mmodel.Exception) {
	coll, err := s.mongo.Collection(ctx, exceptionsCollection)
	if err != nil {
		s.logger.Errorf("outcome: get collection: %v", err)
		return
	}

	doc := exceptionDoc{
		TenantID:     string(e.TenantID),
		RouteID:      e.RouteID,
		ErrorKind:    e.ErrorKind,
		ErrorMessage: e.ErrorMessage,
		Timestamp:    e.Timestamp.UnixMilli(),
		WorkerName:   e.WorkerName,
	}

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		s.logger.Errorf("outcome: insert exception for tenant %s: %v", e.TenantID, err)
	}
}
