package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ComUnity/audit-service/compliance"
	"github.com/ComUnity/audit-service/compliance/audit"
	"github.com/ComUnity/audit-service/compliance/incident"
	"github.com/ComUnity/audit-service/internal/client"
	"github.com/ComUnity/audit-service/internal/config"
	"github.com/ComUnity/audit-service/internal/handler"
	"github.com/ComUnity/audit-service/internal/middleware"
	"github.com/ComUnity/audit-service/internal/models"
	"github.com/ComUnity/audit-service/internal/repository"
	"github.com/ComUnity/audit-service/internal/securitystore"
	"github.com/ComUnity/audit-service/internal/service"
	"github.com/ComUnity/audit-service/internal/telemetry"
	"github.com/ComUnity/audit-service/internal/util"
	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/ComUnity/audit-service/pkg/security"
)

var version = "development"

// repositories bundles the per-table stores behind one driver switch.
type repositories struct {
	audits   repository.AuditRepository
	events   repository.SecurityEventRepository
	sessions repository.SessionRepository
	otps     repository.OTPRepository
	mfa      repository.MFARepository
	users    repository.UserSecurityRepository
	flags    repository.ReviewFlagRepository
}

func main() {
	configPath := flag.String("config", "config/app-config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}

	logger.ReplaceGlobal(&cfg.Logger)
	defer logger.Sync()

	if err := config.Hydrate(ctx, cfg); err != nil {
		logger.Fatalf("Config hydration failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Config invalid: %v", err)
	}

	// Key material for hashing and session signing.
	keys, err := security.NewKeySource(ctx, cfg.Keys)
	if err != nil {
		logger.Fatalf("Key source init failed: %v", err)
	}
	defer keys.Close()

	signingKey, err := keys.Key(ctx, security.KeySessionSigning)
	if err != nil {
		logger.Fatalf("Session signing key unavailable: %v", err)
	}
	previousKey, err := keys.Key(ctx, security.KeySessionSigningPrevious)
	if err != nil {
		// First deployment or rotation not yet performed.
		logger.Info("No previous session signing key configured")
		previousKey = nil
	}
	keyring, err := util.NewKeyring(signingKey, previousKey)
	if err != nil {
		logger.Fatalf("Keyring init failed: %v", err)
	}
	tokens := util.NewTokenManager(cfg.Token, keyring)

	// Persistent store.
	var db *sql.DB
	var repos repositories
	switch cfg.Database.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("DB open error: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Fatalf("DB ping failed: %v", err)
		}

		repos = repositories{
			audits:   repository.NewPostgresAuditRepository(db),
			events:   repository.NewPostgresSecurityEventRepository(db),
			sessions: repository.NewPostgresSessionRepository(db),
			otps:     repository.NewPostgresOTPRepository(db),
			mfa:      repository.NewPostgresMFARepository(db),
			users:    repository.NewPostgresUserSecurityRepository(db),
			flags:    repository.NewPostgresReviewFlagRepository(db),
		}
	case "memory":
		repos = repositories{
			audits:   repository.NewMemoryAuditRepository(),
			events:   repository.NewMemorySecurityEventRepository(),
			sessions: repository.NewMemorySessionRepository(),
			otps:     repository.NewMemoryOTPRepository(),
			mfa:      repository.NewMemoryMFARepository(),
			users:    repository.NewMemoryUserSecurityRepository(),
			flags:    repository.NewMemoryReviewFlagRepository(),
		}
	}

	// Redis-backed security store, or the in-process fallback.
	var rcli *client.RedisClient
	var secstore securitystore.Store
	if cfg.Redis.Enabled {
		rcli, err = client.NewRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			logger.Fatalf("Redis init failed: %v", err)
		}
		defer rcli.Close()
		secstore = securitystore.NewRedisStore(rcli)
	} else {
		secstore = securitystore.NewMemoryStore()
	}

	// Telemetry sinks. Kafka is the primary stream; the ES shipper
	// indexes directly for deployments without the Kafka indexer.
	var sinks telemetry.MultiShipper
	var kafkaShipper *telemetry.KafkaAuditShipper
	if cfg.Shipper.Enabled {
		kafkaShipper, err = telemetry.NewKafkaAuditShipper(cfg.Shipper)
		if err != nil {
			logger.Fatalf("Kafka shipper init failed: %v", err)
		}
		kafkaShipper.Start()
		sinks = append(sinks, kafkaShipper)
	}
	var esShipper *telemetry.ESAuditShipper
	if cfg.ESShipper.Enabled {
		esShipper = telemetry.NewESAuditShipper(cfg.ESShipper)
		esShipper.Start()
		sinks = append(sinks, esShipper)
	}
	var shipper telemetry.Shipper = telemetry.NopShipper{}
	switch len(sinks) {
	case 0:
	case 1:
		shipper = sinks[0]
	default:
		shipper = sinks
	}

	// Compliance core. The recorder feeds the detector, the detector
	// raises events through the manager, and the responder acts on
	// them; responses land back in the audit trail via the recorder.
	recorder := audit.NewRecorder(cfg.Audit, repos.audits, shipper)
	verifier := audit.NewVerifier(cfg.Verifier, repos.audits)
	manager := incident.NewManager(repos.events, recorder, shipper)
	responder := incident.NewResponder(cfg.Responder, repos.users, repos.flags, manager, recorder, secstore)
	detector := incident.NewDetector(cfg.Detector, repos.audits, manager, responder, secstore)
	recorder.SetEvaluator(detector)

	// Services.
	otpSvc := service.NewOTPService(cfg.OTP, repos.otps, secstore, keys, service.LogSender{}, recorder)
	mfaSvc := service.NewMFAProvider(cfg.MFA, repos.mfa, repos.users, keys, recorder, detector)
	sessionSvc := service.NewSessionRegistry(cfg.Session, repos.sessions, tokens, recorder)

	// Handlers.
	auditHandler := handler.NewAuditHandler(recorder, verifier)
	securityHandler := handler.NewSecurityHandler(manager, repos.flags)
	sessionHandler := handler.NewSessionHandler(sessionSvc)
	otpHandler := handler.NewOTPHandler(otpSvc)
	mfaHandler := handler.NewMFAHandler(mfaSvc)
	loginHandler := handler.NewLoginHandler(repos.users, otpSvc, mfaSvc, sessionSvc, recorder)
	healthHandler := handler.NewHealthHandler(cfg.Env, version,
		&handler.DatabaseChecker{DB: db},
		&handler.RedisChecker{Client: rcli},
		&handler.KeySourceChecker{Keys: keys},
	)

	// Middleware.
	fpMW, err := middleware.Fingerprinter(cfg.Fingerprint)
	if err != nil {
		logger.Fatalf("Fingerprint config invalid: %v", err)
	}
	cfg.RateLimit.Redis = rcli
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	requestAudit := middleware.NewRequestAudit(shipper)
	authn := middleware.Authenticator(tokens, sessionSvc)

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	r.Use(fpMW)
	r.Use(limiter.Handler)
	r.Use(requestAudit.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Get("/ready", healthHandler.Readiness)
	r.Get("/live", healthHandler.Liveness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(rt chi.Router) {
		// Public endpoints.
		rt.Post("/login", loginHandler.Login)
		rt.Post("/otp/generate", otpHandler.Generate)
		rt.Post("/otp/verify", otpHandler.Verify)

		// Authenticated endpoints.
		rt.Group(func(pr chi.Router) {
			pr.Use(authn)

			pr.Post("/logout", sessionHandler.Logout)
			pr.Get("/sessions", sessionHandler.ListSessions)
			pr.Delete("/sessions/{id}", sessionHandler.TerminateSession)
			pr.Post("/mfa/setup", mfaHandler.Setup)
			pr.Post("/mfa/verify", mfaHandler.Verify)

			// Audit trail, admin and up.
			pr.Group(func(ar chi.Router) {
				ar.Use(middleware.RequireRole("audit:read", models.RoleAdmin, repos.users, recorder))
				ar.Get("/audit/entries", auditHandler.ListEntries)
				ar.Get("/audit/entries/{id}", auditHandler.GetEntry)
				ar.Post("/audit/entries/{id}/verify", auditHandler.VerifyEntry)
				ar.Post("/audit/verify", auditHandler.VerifyBatch)
			})

			// Exports move data off the platform, super admin only.
			pr.Group(func(er chi.Router) {
				er.Use(middleware.RequireRole("audit:export", models.RoleSuperAdmin, repos.users, recorder))
				er.Get("/audit/export", auditHandler.Export)
			})

			// Security event triage, admin and up.
			pr.Group(func(sr chi.Router) {
				sr.Use(middleware.RequireRole("security:triage", models.RoleAdmin, repos.users, recorder))
				sr.Get("/security/events", securityHandler.ListEvents)
				sr.Get("/security/events/{id}", securityHandler.GetEvent)
				sr.Post("/security/events/{id}/resolve", securityHandler.ResolveEvent)
				sr.Get("/security/review-flags", securityHandler.ListReviewFlags)
				sr.Post("/security/review-flags/{id}/review", securityHandler.ReviewFlag)
			})
		})
	})

	// Retention sweeper.
	sweeper := compliance.NewSweeper(cfg.Retention, repos.sessions, repos.otps, repos.flags, rcli)
	if cfg.Retention.Enabled {
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Kafka-to-ES indexer, for deployments where this instance also
	// materializes the search indices.
	indexer := telemetry.NewAuditIndexer(cfg.Indexer)
	indexer.Start(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Audit service listening",
			"addr", srv.Addr,
			"env", cfg.Env,
			"driver", cfg.Database.Driver,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	indexer.Stop(shutdownCtx)
	if kafkaShipper != nil {
		kafkaShipper.Stop(shutdownCtx)
	}
	if esShipper != nil {
		esShipper.Stop(shutdownCtx)
	}
}
