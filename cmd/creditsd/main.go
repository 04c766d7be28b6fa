package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/checkout"
	"github.com/MarkoPoloResearchLab/credits/internal/payprovider"
	"github.com/MarkoPoloResearchLab/credits/internal/reconciler"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/walletapi"
	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagListenAddr      = "listen-addr"
	flagDatabaseURL     = "database-url"
	flagWebhookSecret   = "webhook-secret"
	flagProviderBaseURL = "provider-base-url"
	flagProviderAPIKey  = "provider-api-key"
	flagProviderTimeout = "provider-timeout"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagJWTCookieName   = "jwt-cookie-name"
	envPrefix           = "CREDITSD"

	defaultDatabaseURL     = "sqlite:///tmp/credits.db"
	defaultListenAddr      = ":9090"
	defaultProviderTimeout = 5 * time.Second
)

type runtimeConfig struct {
	ListenAddr      string
	DatabaseURL     string
	WebhookSecret   string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	AllowedOrigins  []string
	JWTSigningKey   string
	JWTIssuer       string
	JWTCookieName   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Computation-credit billing server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagWebhookSecret, "", "payment webhook HMAC secret (required)")
	cmd.Flags().String(flagProviderBaseURL, "", "payment provider API base URL (required)")
	cmd.Flags().String(flagProviderAPIKey, "", "payment provider API key (required)")
	cmd.Flags().Duration(flagProviderTimeout, defaultProviderTimeout, "payment provider request timeout")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "session JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected session JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "session cookie name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagListenAddr, flagDatabaseURL, flagWebhookSecret,
		flagProviderBaseURL, flagProviderAPIKey, flagProviderTimeout,
		flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.WebhookSecret = v.GetString(flagWebhookSecret)
	cfg.ProviderBaseURL = strings.TrimSpace(v.GetString(flagProviderBaseURL))
	cfg.ProviderAPIKey = v.GetString(flagProviderAPIKey)
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	cfg.AllowedOrigins = walletapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.JWTCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))

	if cfg.WebhookSecret == "" {
		return fmt.Errorf("%s is required", flagWebhookSecret)
	}
	if cfg.ProviderBaseURL == "" {
		return fmt.Errorf("%s is required", flagProviderBaseURL)
	}
	if cfg.ProviderAPIKey == "" {
		return fmt.Errorf("%s is required", flagProviderAPIKey)
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	engine, err := billing.NewEngine(store, clock, billing.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("billing engine init: %w", err)
	}

	provider, err := payprovider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}

	webhookReconciler, err := reconciler.New(store, engine, provider, cfg.WebhookSecret, logger, clock)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	checkoutService, err := checkout.NewService(store, provider, clock)
	if err != nil {
		return fmt.Errorf("checkout service init: %w", err)
	}

	server, err := walletapi.NewServer(walletapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.JWTSigningKey,
		SessionIssuer:     cfg.JWTIssuer,
		SessionCookieName: cfg.JWTCookieName,
	}, logger, engine, store, webhookReconciler, checkoutService)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	return server.Run(ctx)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (oplog *zapOperationLogger) LogOperation(ctx context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("delta_units", entry.Delta),
		zap.String("reason", entry.Reason.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		oplog.logger.Warn("billing operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	oplog.logger.Info("billing operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
