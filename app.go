package main

import (
	"context"
	"fmt"
	"time"

	"schoolhub/audit"
	"schoolhub/auth"
	"schoolhub/billing"
	"schoolhub/cache"
	"schoolhub/config"
	"schoolhub/credits"
	"schoolhub/database"
	"schoolhub/email"
	"schoolhub/handlers"
	"schoolhub/logger"
	"schoolhub/metrics"
	"schoolhub/provisioning"
	"schoolhub/registry"
	"schoolhub/schema"
	"schoolhub/templates"
	"schoolhub/tenantdb"
	"schoolhub/tracing"
	"schoolhub/usage"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app is the fully wired control plane.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	metrics *metrics.Metrics
	handler *handlers.Handler

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// bootstrap loads config, initialises logging, tracing and Sentry, and
// connects the control-plane database.
func bootstrap() (*app, error) {
	cfg := config.Load()
	log := logger.Init(cfg.Server.Env, cfg.Log.Level, cfg.Tracing.ServiceName)

	a := &app{cfg: cfg, metrics: metrics.New()}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Server.Env,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn("Failed to initialize Sentry", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { sentry.Flush(2 * time.Second) })
		}
	}

	db, err := database.Connect(cfg.DB, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return a, nil
}

// wire builds every service and the HTTP handler on top of bootstrap.
func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	log := logger.L()

	tracer, shutdown := tracing.Setup(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.APIKey)
	a.closers = append(a.closers, shutdown)

	regOpts := registry.Options{
		TrialDays:    cfg.Tenancy.TrialDays,
		TrialCredits: cfg.Tenancy.TrialCredits,
		PhoneRegion:  cfg.Tenancy.DefaultPhoneRegion,
		Tracer:       tracer,
		Metrics:      a.metrics,
	}
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewClient(cfg.Redis.URL, cfg.Redis.TTL)
		if err != nil {
			log.Warn("Redis unavailable, tenant lookups will not be cached", zap.Error(err))
		} else {
			regOpts.Cache = redisCache
			a.closers = append(a.closers, func() { _ = redisCache.Close() })
		}
	}
	tenants := registry.NewService(a.db, regOpts)

	manager := tenantdb.NewManager(tenantdb.Options{
		Driver:      cfg.DB.Driver,
		DSNTemplate: cfg.Tenancy.DSNTemplate,
		Source:      tenants,
		Metrics:     a.metrics,
	})
	a.closers = append(a.closers, manager.Close)
	tenants.SetEvictor(manager.RemoveClient)

	var buckets schema.BucketStore
	if cfg.Storage.Backend == "s3" {
		s3Buckets, err := schema.NewS3Buckets(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to configure S3 storage: %w", err)
		}
		buckets = s3Buckets
	}
	provisioner := schema.NewProvisioner(buckets, tracer)

	billingOpts := billing.Options{Tenants: tenants, Tracer: tracer, Metrics: a.metrics}
	if cfg.Stripe.SecretKey != "" {
		billingOpts.Customers = billing.NewStripeCustomers(cfg.Stripe.SecretKey)
	}
	tracker := billing.NewTracker(a.db, billingOpts)

	ledger := credits.NewLedger(a.db, tracer, a.metrics)
	tpl := templates.NewRegistry(a.db)
	sender := email.NewSender(cfg.Email.SendGridAPIKey, cfg.Email.From, cfg.Email.FromName, log)

	a.handler = &handlers.Handler{
		Tenants:   tenants,
		Ledger:    ledger,
		Templates: tpl,
		Billing:   tracker,
		Manager:   manager,
		Schema:    provisioner,
		Orchestrator: provisioning.NewOrchestrator(tenants, manager, provisioner, tracker, tpl, sender, provisioning.Options{
			BaseDomain:      cfg.Tenancy.BaseDomain,
			TrialDays:       cfg.Tenancy.OnboardingTrialDays,
			RemoteByDefault: cfg.Tenancy.DSNTemplate != "",
			Tracer:          tracer,
			Metrics:         a.metrics,
		}),
		Audit:      audit.NewService(a.db, a.metrics),
		Usage:      usage.NewService(a.db, ledger, tracker, tenants, tracer),
		Auth:       auth.NewService(a.db, cfg.JWT.SigningKey, cfg.JWT.ExpirationTime),
		Tracer:     tracer,
		BaseDomain: cfg.Tenancy.BaseDomain,
	}
	return nil
}
