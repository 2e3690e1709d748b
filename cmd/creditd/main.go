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

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lumenapps/creditledger/internal/httpapi"
	"github.com/lumenapps/creditledger/internal/mail"
	"github.com/lumenapps/creditledger/internal/obs"
	"github.com/lumenapps/creditledger/internal/seed"
	"github.com/lumenapps/creditledger/internal/sessioncache"
	"github.com/lumenapps/creditledger/internal/store/gormstore"
	"github.com/lumenapps/creditledger/pkg/ledger"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagSessionSigningKey = "session-signing-key"
	flagSessionCookieName = "session-cookie-name"
	flagSessionIssuer     = "session-issuer"
	flagSessionTTL        = "session-ttl"
	flagAllowedOrigins    = "allowed-origins"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionCookieName = "session_cookie_name"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionTTL        = "session_ttl"
	configKeyAllowedOrigins    = "allowed_origins"

	defaultDatabaseURL = "sqlite:///tmp/creditledger.db"
	defaultListenAddr  = ":8080"
	defaultCookieName  = "session"
	defaultIssuer      = "creditledger"
	defaultSessionTTL  = 24 * time.Hour
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string
	SessionTTL        time.Duration
	AllowedOrigins    []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session tokens")
	cmd.Flags().String(flagSessionCookieName, defaultCookieName, "session cookie name")
	cmd.Flags().String(flagSessionIssuer, defaultIssuer, "session token issuer")
	cmd.Flags().Duration(flagSessionTTL, defaultSessionTTL, "session lifetime")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionCookieName: "SESSION_COOKIE_NAME",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionTTL:        "SESSION_TTL",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionCookieName: flagSessionCookieName,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeySessionTTL:        flagSessionTTL,
		configKeyAllowedOrigins:    flagAllowedOrigins,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionCookieName = viper.GetString(configKeySessionCookieName)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionTTL = viper.GetDuration(configKeySessionTTL)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)

	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
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
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	if err := seed.Defaults(ctx, store); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	metrics := obs.NewMetrics()
	sessions := sessioncache.NewSessions(cfg.SessionTTL)
	sweep := httpapi.NewSessionSweep(store, sessions, metrics)

	clock := func() time.Time { return time.Now().UTC() }
	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(ledger.TeeOperationLoggers(obs.NewOperationZapLogger(logger), metrics)),
		ledger.WithMailer(mail.NewLogMailer(logger)),
		ledger.WithSessionRefresher(sweep),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionCookieName: cfg.SessionCookieName,
		SessionIssuer:     cfg.SessionIssuer,
		SessionTTL:        cfg.SessionTTL,
	}, logger, service, sessions, metrics)

	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
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
			path = "creditledger.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
