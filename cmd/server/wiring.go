package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"formgate/internal/admission"
	"formgate/internal/admission/challenge"
	"formgate/internal/admission/csrf"
	admissionmetrics "formgate/internal/admission/metrics"
	formstore "formgate/internal/forms/store/form"
	integrationstore "formgate/internal/forms/store/integration"
	orgstore "formgate/internal/forms/store/organization"
	submissionstore "formgate/internal/forms/store/submission"
	"formgate/internal/integrations/queue"
	"formgate/internal/platform/config"
	"formgate/internal/platform/database"
	"formgate/internal/platform/health"
	"formgate/internal/platform/kafka"
	"formgate/internal/platform/kafka/producer"
	"formgate/internal/platform/metrics"
	platformredis "formgate/internal/platform/redis"
	"formgate/internal/seeder"
	submissionhandler "formgate/internal/submission/handler"
	throttleadmin "formgate/internal/throttle/admin"
	throttlehandler "formgate/internal/throttle/handler"
	throttlemetrics "formgate/internal/throttle/metrics"
	throttlememory "formgate/internal/throttle/store/memory"
	throttleredis "formgate/internal/throttle/store/redis"
	"formgate/internal/throttle/workers/cleanup"
	httptransport "formgate/internal/transport/http"
	adminmw "formgate/pkg/platform/middleware/admin"
	"formgate/pkg/platform/middleware/request"
)

// Store interfaces at the composition root cover both what the pipeline reads
// and what the seeder writes.
type (
	formStore interface {
		admission.FormStore
		seeder.FormStore
	}
	organizationStore interface {
		admission.OrganizationStore
		seeder.OrganizationStore
	}
	integrationStore interface {
		admission.IntegrationStore
		seeder.IntegrationStore
	}
	throttleStore interface {
		admission.ThrottleStore
		throttleadmin.Store
	}
	queueProducer interface {
		queue.Producer
		Close() error
	}
)

type application struct {
	router http.Handler

	sweeper *cleanup.SweepService
	redis   *platformredis.Client
	closers []func() error

	storageBackend  string
	throttleBackend string
	queueBackend    string
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]() //nolint:errcheck // best-effort cleanup on shutdown
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, reg *metrics.Registry) (*application, error) {
	app := &application{}
	healthHandler := health.New(cfg.Environment)

	built := false
	defer func() {
		if !built {
			app.close()
		}
	}()

	var (
		forms        formStore
		orgs         organizationStore
		submissions  admission.SubmissionStore
		integrations integrationStore
	)
	pool, err := database.New(ctx, database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, err
	}
	if pool != nil {
		app.closers = append(app.closers, pool.Close)
		if cfg.MigrateOnStart {
			if err := pool.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
			log.InfoContext(ctx, "database schema applied")
		}
		if err := pool.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register database metrics: %w", err)
		}
		healthHandler.RegisterCheck("database", pool.Health)
		forms = formstore.NewPostgres(pool.DB())
		orgs = orgstore.NewPostgres(pool.DB())
		submissions = submissionstore.NewPostgres(pool.DB())
		integrations = integrationstore.NewPostgres(pool.DB())
		app.storageBackend = "postgres"
	} else {
		forms = formstore.NewInMemory()
		orgs = orgstore.NewInMemory()
		submissions = submissionstore.NewInMemory()
		integrations = integrationstore.NewInMemory()
		app.storageBackend = "memory"
	}

	throttleMetrics := throttlemetrics.New(reg)
	var throttle throttleStore
	redisClient, err := platformredis.New(ctx, platformredis.DefaultConfig(cfg.RedisURL), reg)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		app.redis = redisClient
		app.closers = append(app.closers, redisClient.Close)
		healthHandler.RegisterCheck("redis", redisClient.Health)
		throttle = throttleredis.New(redisClient.Client)
		app.throttleBackend = "redis"
	} else {
		mem := throttlememory.New()
		throttle = mem
		app.sweeper = cleanup.New(mem,
			cleanup.WithLogger(log),
			cleanup.WithInterval(cfg.SweepInterval),
			cleanup.WithMetrics(throttleMetrics),
		)
		app.throttleBackend = "memory"
	}

	var prod queueProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := producer.New(producer.DefaultConfig(cfg.KafkaBrokers), producer.WithLogger(log))
		if err != nil {
			return nil, err
		}
		prod = kp
		adm, err := kafka.NewAdmin(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, adm.Close)
		if created, err := adm.EnsureTopic(ctx, kafka.TopicSpec{Name: cfg.Topic}); err != nil {
			log.WarnContext(ctx, "could not ensure integration job topic", "topic", cfg.Topic, "error", err)
		} else if created {
			log.InfoContext(ctx, "created integration job topic", "topic", cfg.Topic)
		}
		healthHandler.RegisterCheck("kafka", adm.Check)
		app.queueBackend = "kafka"
	} else {
		prod = producer.NewNoopProducer()
		app.queueBackend = "noop"
	}
	app.closers = append(app.closers, prod.Close)
	healthHandler.SetBackend("storage", app.storageBackend)
	healthHandler.SetBackend("throttle", app.throttleBackend)
	healthHandler.SetBackend("queue", app.queueBackend)
	publisher := queue.NewPublisher(prod, cfg.Topic,
		queue.WithLogger(log),
		queue.WithMetrics(queue.NewMetrics(reg)),
	)

	csrfService, challengeService, err := buildAdmissionServices(cfg)
	if err != nil {
		return nil, err
	}

	pipeline := admission.New(admission.Dependencies{
		Forms:         forms,
		Organizations: orgs,
		Throttle:      throttle,
		Submissions:   submissions,
		Integrations:  integrations,
		Queue:         publisher,
		CSRF:          csrfService,
		Challenge:     challengeService,
	}, admission.Config{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Defaults:     cfg.Defaults,
	},
		admission.WithLogger(log),
		admission.WithMetrics(admissionmetrics.New(reg)),
		admission.WithThrottleMetrics(throttleMetrics),
	)

	if cfg.SeedDemoData {
		if err := seeder.New(orgs, forms, integrations, log).SeedAll(ctx); err != nil {
			return nil, err
		}
	}

	routes := httptransport.Routes{
		Collector: submissionhandler.New(pipeline, log),
		Health:    healthHandler,
		Metrics:   reg.Handler(),
	}
	if cfg.AdminJWTSecret != "" {
		adminService, err := throttleadmin.New(throttle,
			throttleadmin.WithLogger(log),
			throttleadmin.WithMetrics(throttleMetrics),
		)
		if err != nil {
			return nil, err
		}
		routes.Throttle = throttlehandler.New(adminService, log)
		routes.AdminVerifier = adminmw.NewVerifier([]byte(cfg.AdminJWTSecret))
	}

	app.router = httptransport.NewRouter(routes, httptransport.Config{
		TrustedProxies: cfg.TrustedProxies,
		HTTPMetrics:    request.NewMetrics(reg),
	}, log)
	built = true
	return app, nil
}

// buildAdmissionServices returns the CSRF and proof-of-work services. The
// challenge key falls back to one derived from the CSRF secret; with neither
// configured the challenge endpoint answers 501.
func buildAdmissionServices(cfg config.Config) (*csrf.Service, *challenge.Service, error) {
	csrfService := csrf.Disabled()
	if cfg.CSRF.Enabled {
		svc, err := csrf.New(cfg.CSRF.Secret, cfg.CSRF.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("csrf: %w", err)
		}
		csrfService = svc
	}

	key := cfg.Challenge.HMACKey
	if len(key) == 0 && cfg.CSRF.Enabled {
		derived, err := challenge.DeriveKey(cfg.CSRF.Secret)
		if err != nil {
			return nil, nil, fmt.Errorf("challenge key: %w", err)
		}
		key = derived
	}
	challengeService := challenge.New(key,
		challenge.WithMaxNumber(cfg.Challenge.MaxNumber),
		challenge.WithTTL(cfg.Challenge.TTL),
	)
	return csrfService, challengeService, nil
}
