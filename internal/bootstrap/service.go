package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/partnerforwarder/partner-forwarder/internal/api"
	"github.com/partnerforwarder/partner-forwarder/internal/breaker"
	"github.com/partnerforwarder/partner-forwarder/internal/broker"
	"github.com/partnerforwarder/partner-forwarder/internal/configstore"
	"github.com/partnerforwarder/partner-forwarder/internal/credential"
	"github.com/partnerforwarder/partner-forwarder/internal/outcome"
	"github.com/partnerforwarder/partner-forwarder/internal/pool"
	"github.com/partnerforwarder/partner-forwarder/internal/processor"
	"github.com/partnerforwarder/partner-forwarder/internal/route"
	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmodel"
	"github.com/partnerforwarder/partner-forwarder/pkg/mmongo"
	"github.com/partnerforwarder/partner-forwarder/pkg/mredis"
	"github.com/partnerforwarder/partner-forwarder/pkg/mzap"
)

// Service is the application glue: every registry, adapter and the
// Control API, wired from one Config and run under one graceful-shutdown
// sequence.
type Service struct {
	cfg    *Config
	logger mlog.Logger

	mongoConn  *mmongo.Connection
	redisConn  *mredis.Connection
	brokerConn *broker.Connection

	pools    *pool.Registry
	breakers *breaker.Registry
	store    *configstore.Store
	manager  *route.Manager
	dispatch *broker.Dispatcher

	apiApp *api.Handler
	router *fiber.App
}

// stateLogger adapts mlog.Logger into a breaker.StateChangeListener,
// logging every natural or administrative transition at info level.
type stateLogger struct {
	logger mlog.Logger
}

func (s stateLogger) OnStateChange(event breaker.StateChangeEvent) {
	s.logger.Infof("breaker: tenant %s transitioned %s -> %s (failures=%d/%d)",
		event.TenantID, event.FromState, event.ToState, event.Counts.TotalFailures, event.Counts.Requests)
}

// New builds a fully wired Service from cfg.
func New(cfg *Config) *Service {
	logger := mzap.InitializeLogger(cfg.LogLevel)

	mongoConn := &mmongo.Connection{
		ConnectionStringSource: cfg.MongoURI,
		Database:               cfg.MongoDatabase,
		Logger:                 logger,
	}

	redisConn := &mredis.Connection{
		ConnectionStringSource: cfg.RedisURI,
		Logger:                 logger,
	}

	brokerConn := broker.NewConnection(logger, cfg.RabbitMQURI)

	store := configstore.New(logger, mongoConn, redisConn)

	lookup := func(tenantID mmodel.TenantID) mmodel.TenantConfig {
		cfg, err := store.Get(context.Background(), tenantID)
		if err != nil {
			return mmodel.DefaultTenantConfig(tenantID)
		}

		return cfg
	}

	pools := pool.NewRegistry(logger, lookup)
	breakers := breaker.NewRegistry(logger, lookup, pools, stateLogger{logger: logger})

	creds := credential.NewCache(logger, &http.Client{Timeout: 30 * time.Second})
	sink := outcome.New(logger, mongoConn)

	newProc := func(workerName string) *processor.Processor {
		return processor.New(logger, &http.Client{}, creds, sink, workerName)
	}

	manager := route.NewManager(logger, store, breakers, pools, brokerConn, newProc, cfg.ConfigReloadInterval)
	dispatch := broker.NewDispatcher(logger, brokerConn)

	handler := api.NewHandler(logger, manager, pools, breakers, store)
	router := api.NewRouter(logger, handler)

	return &Service{
		cfg:        cfg,
		logger:     logger,
		mongoConn:  mongoConn,
		redisConn:  redisConn,
		brokerConn: brokerConn,
		pools:      pools,
		breakers:   breakers,
		store:      store,
		manager:    manager,
		dispatch:   dispatch,
		apiApp:     handler,
		router:     router,
	}
}

// Run starts every long-running component and blocks until an interrupt
// or termination signal is received, then drains each component within
// ShutdownTimeout.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Infof("control api: listening on %s", s.cfg.ControlAPIAddress)

		if err := s.router.Listen(s.cfg.ControlAPIAddress); err != nil {
			errCh <- err
		}
	}()

	go s.manager.Run(ctx)

	go func() {
		if err := s.dispatch.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorf("predispatch dispatcher stopped: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		return err
	}

	s.logger.Info("shutting down...")

	_ = s.router.ShutdownWithTimeout(s.cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.pools.ShutdownAll(shutdownCtx, s.cfg.ShutdownTimeout)

	_ = s.brokerConn.Close()

	return nil
}
