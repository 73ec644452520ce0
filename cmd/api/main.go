package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"custodian.org/internal/audit"
	"custodian.org/internal/auth"
	"custodian.org/internal/config"
	"custodian.org/internal/crypt"
	"custodian.org/internal/httpapi"
	"custodian.org/internal/migrate"
	"custodian.org/internal/obs"
	"custodian.org/internal/privacy"
	"custodian.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CUSTODIAN_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("custodian stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := crypt.NewFromEncoded(cfg.DataKey)
	if err != nil {
		return fmt.Errorf("data key: %w", err)
	}

	var (
		authStore  auth.Store
		auditStore audit.Store
		privStore  privacy.Store
		readiness  httpapi.ReadyProbe
	)
	if cfg.DB.DSN != "" {
		store, err := pg.Open(cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer store.Close()
		if cfg.DB.AutoMigrate {
			applied, err := migrate.NewManager(store.DB(), pg.Migrations, "migrations").Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", zap.Strings("versions", applied))
		}
		authStore, auditStore, privStore, readiness = store, store, store.Privacy(), httpapi.ReadyProbe{Store: store}
	} else {
		logger.Warn("no database configured, state is kept in memory and lost on restart")
		authStore, auditStore, privStore = auth.NewMemoryStore(), audit.NewMemoryStore(), privacy.NewMemoryStore()
	}

	activity, err := audit.NewChain(auditStore, provider, audit.ScopeUser)
	if err != nil {
		return err
	}
	adminActivity, err := audit.NewChain(auditStore, provider, audit.ScopeAdmin)
	if err != nil {
		return err
	}

	svc, err := auth.NewService(authStore, []byte(cfg.SecretKey),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithOTPPeriod(cfg.OTPPeriod),
		auth.WithResendCooldown(cfg.ResendCooldown),
		auth.WithMinPasswordLength(cfg.MinPasswordLength),
		auth.WithAdminInviteCode(cfg.AdminInviteCode),
		auth.WithNotifier(auth.LogNotifier{}),
		auth.WithJournals(activity, adminActivity),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}

	privacySvc, err := privacy.NewService(privStore, provider, activity)
	if err != nil {
		return fmt.Errorf("privacy service: %w", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Service:       svc,
		Activity:      activity,
		AdminActivity: adminActivity,
		Privacy:       privacySvc,
		Ready:         readiness,
		Version:       version,
		CookieSecure:  cfg.CookieSecure,
		RateBurst:     cfg.RateLimit.Burst,
		RatePerSecond: cfg.RateLimit.PerSecond,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPServer.Address,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTPServer.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTPServer.ReadTimeout,
		WriteTimeout:      cfg.HTTPServer.WriteTimeout,
		IdleTimeout:       cfg.HTTPServer.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, httpapi.NewGRPCServer(readiness))
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Address))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	obs.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	return runErr
}
