package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/api"
	"github.com/felipepmaragno/token-gateway/internal/auth"
	"github.com/felipepmaragno/token-gateway/internal/budget"
	"github.com/felipepmaragno/token-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/token-gateway/internal/config"
	"github.com/felipepmaragno/token-gateway/internal/cost"
	"github.com/felipepmaragno/token-gateway/internal/gateway"
	"github.com/felipepmaragno/token-gateway/internal/metrics"
	"github.com/felipepmaragno/token-gateway/internal/notifications"
	"github.com/felipepmaragno/token-gateway/internal/provider"
	"github.com/felipepmaragno/token-gateway/internal/provider/openai"
	"github.com/felipepmaragno/token-gateway/internal/repository"
	"github.com/felipepmaragno/token-gateway/internal/secrets"
	"github.com/felipepmaragno/token-gateway/internal/telemetry"
	"github.com/felipepmaragno/token-gateway/internal/tokenizer"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName = "token-gateway"
	version     = "0.1.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting token gateway", "addr", cfg.Addr, "version", version, "storage", cfg.StorageBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	defer store.close()

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		slog.Error("failed to create notifier", "error", err)
		os.Exit(1)
	}

	apiKey, organization, err := providerCredentials(ctx, cfg)
	if err != nil {
		slog.Error("failed to resolve provider credentials", "error", err)
		os.Exit(1)
	}
	if apiKey == "" {
		slog.Warn("no OpenAI API key configured, upstream calls will be rejected")
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(),
		circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(int(to))
			notifyBreaker(notifier, from, to)
		}),
	)

	upstream := provider.WithCircuitBreaker(openai.New(openai.Config{
		APIKey:       apiKey,
		Organization: organization,
		BaseURL:      cfg.OpenAIBaseURL,
		Timeout:      cfg.ProviderTimeout,
	}), breaker)

	var source tokenizer.EncoderSource = tokenizer.NewTiktokenSource()
	if cfg.Tokenizer == config.TokenizerApprox {
		source = tokenizer.ApproxSource{}
	}

	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator()
	if store.redis != nil {
		dedup = budget.NewRedisDeduplicator(store.redis, "tokengateway:", time.Hour)
	}
	monitor := budget.NewMonitor(cfg.LowBalanceThreshold, dedup)
	monitor.OnAlert(budget.LogAlertHandler)
	monitor.OnAlert(budget.NotifyAlertHandler(notifier))

	controller := gateway.NewController(gateway.Config{
		Balances:  store,
		Estimator: cost.NewEstimator(tokenizer.New(source), cfg.MaxOutputTokens),
		Provider:  upstream,
		Notifier:  notifier,
		Monitor:   monitor,
	})

	authService := auth.NewService(store, auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL))
	if cfg.BootstrapAdminEmail != "" {
		if _, err := authService.EnsureSuperuser(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
			slog.Error("failed to bootstrap superuser", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Auth:     authService,
		Balances: store,
		Chat:     controller,
		Breaker:  breaker,
		Checkers: store.checkers,
		Version:  version,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	// In-flight requests finish and charge before storage closes.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

type storage struct {
	repository.Store
	checkers []api.HealthChecker
	redis    *redis.Client
	close    func() error
}

func openStore(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		repo, err := repository.OpenSQL(ctx, repository.SQLite, repository.SQLiteDSN(cfg.SQLitePath))
		if err != nil {
			return nil, err
		}
		slog.Info("using sqlite storage", "path", cfg.SQLitePath)
		return &storage{
			Store:    repo,
			checkers: []api.HealthChecker{api.NewSQLHealthChecker(repo.DB(), "sqlite")},
			close:    repo.Close,
		}, nil

	case config.BackendPostgres:
		repo, err := repository.OpenSQL(ctx, repository.Postgres, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("using postgres storage")
		return &storage{
			Store:    repo,
			checkers: []api.HealthChecker{api.NewSQLHealthChecker(repo.DB(), "postgres")},
			close:    repo.Close,
		}, nil

	case config.BackendRedis:
		repo, err := repository.NewRedisRepository(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		slog.Info("using redis storage", "url", cfg.RedisURL)
		return &storage{
			Store:    repo,
			checkers: []api.HealthChecker{api.NewRedisHealthChecker(repo.Client())},
			redis:    repo.Client(),
			close:    repo.Close,
		}, nil

	case config.BackendMemory:
		slog.Warn("using in-memory storage, balances are lost on restart")
		return &storage{
			Store: repository.NewInMemoryRepository(),
			close: func() error { return nil },
		}, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func newNotifier(ctx context.Context, cfg *config.Config) (notifications.Notifier, error) {
	if cfg.SNSTopicARN == "" {
		return notifications.NewLogNotifier(slog.Default()), nil
	}

	notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
	if err != nil {
		return nil, err
	}
	slog.Info("using sns notifier", "topic", cfg.SNSTopicARN)
	return notifier, nil
}

// providerCredentials prefers the Secrets Manager secret over the plain
// environment key.
func providerCredentials(ctx context.Context, cfg *config.Config) (string, string, error) {
	if cfg.OpenAIAPIKeySecret == "" {
		return cfg.OpenAIAPIKey, cfg.OpenAIOrganization, nil
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return "", "", err
	}

	creds, err := secrets.ResolveProviderCredentials(ctx, store, cfg.OpenAIAPIKeySecret)
	if err != nil {
		return "", "", err
	}

	organization := creds.Organization
	if organization == "" {
		organization = cfg.OpenAIOrganization
	}
	slog.Info("loaded provider credentials from secrets manager", "secret", cfg.OpenAIAPIKeySecret)
	return creds.APIKey, organization, nil
}

func notifyBreaker(notifier notifications.Notifier, from, to circuitbreaker.State) {
	slog.Warn("provider circuit breaker changed state", "from", from.String(), "to", to.String())

	var kind notifications.NotificationType
	switch to {
	case circuitbreaker.StateOpen:
		kind = notifications.NotificationProviderDown
	case circuitbreaker.StateClosed:
		kind = notifications.NotificationProviderUp
	default:
		return
	}

	// Called with the breaker locked; send without blocking the caller.
	go func() {
		err := notifier.Send(context.Background(), notifications.Notification{
			Type:      kind,
			Message:   fmt.Sprintf("provider circuit breaker %s -> %s", from, to),
			Data:      map[string]any{"from": from.String(), "to": to.String()},
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			slog.Error("failed to send provider notification", "error", err)
		}
	}()
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
