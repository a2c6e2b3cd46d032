// Package configstore implements a tenant config store: a MongoDB-backed
// document index of TenantConfig, fronted by a Redis read-through cache
// bounding staleness between full reloads.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/partnerforwarder/partner-forwarder/pkg/merrors"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmongo"
	"github.com/partnerforwarder/partner-forwarder/pkg/mredis"
)

const (
	collectionName = "tenant-configs"

	// cacheTTL bounds how stale a cache hit may be between full reloads.
	cacheTTL = 300 * time.Second

	cacheKeyPrefix = "partner:tenant-config:"
)

// document is the BSON shape stored in Mongo for one TenantConfig.
type document struct {
	TenantID                string  `bson:"tenantId"`
	Version                 string  `bson:"version"`
	CoreWorkers             int     `bson:"coreWorkers"`
	MaxWorkers              int     `bson:"maxWorkers"`
	QueueCapacity           int     `bson:"queueCapacity"`
	IdleKeepAliveMs         int64   `bson:"idleKeepAliveMs"`
	FailureRateThresholdPct float64 `bson:"failureRateThresholdPct"`
	MinCallsBeforeEval      int     `bson:"minCallsBeforeEval"`
	OpenStateDurationMs     int64   `bson:"openStateDurationMs"`
	SlidingWindowSize       int     `bson:"slidingWindowSize"`
	HalfOpenProbeCount      int     `bson:"halfOpenProbeCount"`
	MaxAttempts             int     `bson:"maxAttempts"`
	InitialDelayMs          int64   `bson:"initialDelayMs"`
	BackoffMultiplier       float64 `bson:"backoffMultiplier"`
	JitterFraction          float64 `bson:"jitterFraction"`
	TokenLifetimeMs         int64   `bson:"tokenLifetimeMs"`
	AuthEndpoint            string  `bson:"authEndpoint"`
	AuthMethod              string  `bson:"authMethod"`
	AuthGrantType           string  `bson:"authGrantType"`
	AuthClientID            string  `bson:"authClientId"`
	AuthClientSecret        string  `bson:"authClientSecret"`
	AuthScope               string  `bson:"authScope"`
	AuthContentType         string  `bson:"authContentType"`
	AuthReturnType          string  `bson:"authReturnType"`
	AuthTokenKeyPath        string  `bson:"authTokenKeyPath"`
	AuthHeaderName          string  `bson:"authHeaderName"`
	AuthHeaderPrefix        string  `bson:"authHeaderPrefix"`
	APIEndpoint             string  `bson:"apiEndpoint"`
	APITimeoutMs            int64   `bson:"apiTimeoutMs"`
	MaxConcurrentCalls      int     `bson:"maxConcurrentCalls"`
	Priority                string  `bson:"priority"`
}

func fromConfig(cfg mmodel.TenantConfig) document {
	return document{
		TenantID:                string(cfg.TenantID),
		Version:                 cfg.Version,
		CoreWorkers:             cfg.CoreWorkers,
		MaxWorkers:              cfg.MaxWorkers,
		QueueCapacity:           cfg.QueueCapacity,
		IdleKeepAliveMs:         cfg.IdleKeepAlive.Milliseconds(),
		FailureRateThresholdPct: cfg.FailureRateThresholdPct,
		MinCallsBeforeEval:      cfg.MinCallsBeforeEval,
		OpenStateDurationMs:     cfg.OpenStateDuration.Milliseconds(),
		SlidingWindowSize:       cfg.SlidingWindowSize,
		HalfOpenProbeCount:      cfg.HalfOpenProbeCount,
		MaxAttempts:             cfg.MaxAttempts,
		InitialDelayMs:          cfg.InitialDelay.Milliseconds(),
		BackoffMultiplier:       cfg.BackoffMultiplier,
		JitterFraction:          cfg.JitterFraction,
		TokenLifetimeMs:         cfg.TokenLifetime.Milliseconds(),
		AuthEndpoint:            cfg.AuthEndpoint,
		AuthMethod:              cfg.AuthMethod,
		AuthGrantType:           cfg.AuthBody.GrantType,
		AuthClientID:            cfg.AuthBody.ClientID,
		AuthClientSecret:        cfg.AuthBody.ClientSecret,
		AuthScope:               cfg.AuthBody.Scope,
		AuthContentType:         string(cfg.AuthBody.ContentType),
		AuthReturnType:          string(cfg.AuthBody.ReturnType),
		AuthTokenKeyPath:        cfg.AuthBody.TokenKeyPath,
		AuthHeaderName:          cfg.AuthBody.HeaderName,
		AuthHeaderPrefix:        cfg.AuthBody.HeaderPrefix,
		APIEndpoint:             cfg.APIEndpoint,
		APITimeoutMs:            cfg.APITimeout.Milliseconds(),
		MaxConcurrentCalls:      cfg.MaxConcurrentCalls,
		Priority:                cfg.Priority,
	}
}

func (d document) toConfig() mmodel.TenantConfig {
	return mmodel.TenantConfig{
		TenantID:                mmodel.TenantID(d.TenantID),
		Version:                 d.Version,
		CoreWorkers:             d.CoreWorkers,
		MaxWorkers:              d.MaxWorkers,
		QueueCapacity:           d.QueueCapacity,
		IdleKeepAlive:           time.Duration(d.IdleKeepAliveMs) * time.Millisecond,
		FailureRateThresholdPct: d.FailureRateThresholdPct,
		MinCallsBeforeEval:      d.MinCallsBeforeEval,
		OpenStateDuration:       time.Duration(d.OpenStateDurationMs) * time.Millisecond,
		SlidingWindowSize:       d.SlidingWindowSize,
		HalfOpenProbeCount:      d.HalfOpenProbeCount,
		MaxAttempts:             d.MaxAttempts,
		InitialDelay:            time.Duration(d.InitialDelayMs) * time.Millisecond,
		BackoffMultiplier:       d.BackoffMultiplier,
		JitterFraction:          d.JitterFraction,
		TokenLifetime:           time.Duration(d.TokenLifetimeMs) * time.Millisecond,
		AuthEndpoint:            d.AuthEndpoint,
		AuthMethod:              d.AuthMethod,
		AuthBody: mmodel.AuthBody{
			GrantType:    d.AuthGrantType,
			ClientID:     d.AuthClientID,
			ClientSecret: d.AuthClientSecret,
			Scope:        d.AuthScope,
			ContentType:  mmodel.ContentType(d.AuthContentType),
			ReturnType:   mmodel.ReturnType(d.AuthReturnType),
			TokenKeyPath: d.AuthTokenKeyPath,
			HeaderName:   d.AuthHeaderName,
			HeaderPrefix: d.AuthHeaderPrefix,
		},
		APIEndpoint:        d.APIEndpoint,
		APITimeout:         time.Duration(d.APITimeoutMs) * time.Millisecond,
		MaxConcurrentCalls: d.MaxConcurrentCalls,
		Priority:           d.Priority,
	}
}

// Store is the Tenant Config Store: MongoDB is the system of record, Redis
// is a read-through cache bounding staleness to cacheTTL between full
// reloads.
type Store struct {
	logger mlog.Logger
	mongo  *mmongo.Connection
	redis  *mredis.Connection
}

// New builds a Store over the given Mongo/Redis connections.
func New(logger mlog.Logger, mongoConn *mmongo.Connection, redisConn *mredis.Connection) *Store {
	return &Store{logger: logger, mongo: mongoConn, redis: redisConn}
}

// Get returns tenantID's current TenantConfig, serving a fresh cache entry
// when present and falling back to Mongo on a cache miss.
func (s *Store) Get(ctx context.Context, tenantID mmodel.TenantID) (mmodel.TenantConfig, error) {
	if cfg, ok := s.getCached(ctx, tenantID); ok {
		return cfg, nil
	}

	coll, err := s.mongo.Collection(ctx, collectionName)
	if err != nil {
		return mmodel.TenantConfig{}, merrors.Wrap(merrors.KindInternal, string(tenantID), err)
	}

	var doc document

	err = coll.FindOne(ctx, bson.M{"tenantId": string(tenantID)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return mmodel.TenantConfig{}, merrors.Wrap(merrors.KindNotFound, string(tenantID), nil)
	}

	if err != nil {
		return mmodel.TenantConfig{}, merrors.Wrap(merrors.KindInternal, string(tenantID), err)
	}

	cfg := doc.toConfig()
	s.setCached(ctx, cfg)

	return cfg, nil
}

// All returns every tenant's current TenantConfig directly from Mongo, used
// for the periodic full reload and the refresh-all endpoint. Results are not served from cache: a full reload is the mechanism
// that bounds cache staleness, so it must read through.
func (s *Store) All(ctx context.Context) ([]mmodel.TenantConfig, error) {
	coll, err := s.mongo.Collection(ctx, collectionName)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindInternal, "", err)
	}

	cursor, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, merrors.Wrap(merrors.KindInternal, "", err)
	}
	defer cursor.Close(ctx)

	var configs []mmodel.TenantConfig

	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, merrors.Wrap(merrors.KindInternal, "", err)
		}

		cfg := doc.toConfig()
		configs = append(configs, cfg)
		s.setCached(ctx, cfg)
	}

	return configs, cursor.Err()
}

// Put upserts tenantID's TenantConfig
// and refreshes the cache entry.
func (s *Store) Put(ctx context.Context, cfg mmodel.TenantConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	coll, err := s.mongo.Collection(ctx, collectionName)
	if err != nil {
		return merrors.Wrap(merrors.KindInternal, string(cfg.TenantID), err)
	}

	doc := fromConfig(cfg)

	_, err = coll.ReplaceOne(ctx, bson.M{"tenantId": doc.TenantID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return merrors.Wrap(merrors.KindInternal, string(cfg.TenantID), err)
	}

	s.setCached(ctx, cfg)

	return nil
}

// Invalidate drops tenantID's cache entry, called after an observed
// CREATED/UPDATED/DELETED notification so the next Get reads through.
func (s *Store) Invalidate(ctx context.Context, tenantID mmodel.TenantID) {
	client, err := s.redis.GetClient(ctx)
	if err != nil {
		return
	}

	client.Del(ctx, cacheKey(tenantID))
}

func (s *Store) getCached(ctx context.Context, tenantID mmodel.TenantID) (mmodel.TenantConfig, bool) {
	client, err := s.redis.GetClient(ctx)
	if err != nil {
		return mmodel.TenantConfig{}, false
	}

	raw, err := client.Get(ctx, cacheKey(tenantID)).Bytes()
	if err != nil {
		return mmodel.TenantConfig{}, false
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return mmodel.TenantConfig{}, false
	}

	return doc.toConfig(), true
}

func (s *Store) setCached(ctx context.Context, cfg mmodel.TenantConfig) {
	client, err := s.redis.GetClient(ctx)
	if err != nil {
		return
	}

	raw, err := json.Marshal(fromConfig(cfg))
	if err != nil {
		s.logger.Errorf("configstore: marshal cache entry for %s: %v", cfg.TenantID, err)
		return
	}

	if err := client.Set(ctx, cacheKey(cfg.TenantID), raw, cacheTTL).Err(); err != nil {
		s.logger.Debugf("configstore: cache write for %s failed: %v", cfg.TenantID, err)
	}
}

func cacheKey(tenantID mmodel.TenantID) string {
	return fmt.Sprintf("%s%s", cacheKeyPrefix, tenantID)
}
