// proctord - server-side violation ledger for proctored exams
//
// The daemon serves the escalation API: violation reports from exam
// agents, forced cheated submissions, session management for
// operators, and the health and metrics surfaces.
//
//	proctord                      Run with the default config
//	proctord -config proctord.toml
//	proctord -listen :8090        Override the listen address
//	proctord -version             Print the version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/httpapi"
	"proctord/internal/ledger"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/publish"
	"proctord/internal/security"
	"proctord/internal/store"
)

// Version is stamped by the build; "dev" marks a source build.
var Version = "dev"

const healthInterval = 15 * time.Second

func init() {
	if os.Getenv("RUNNING_IN_DOCKER") == "" {
		// Values land in the environment before ApplyEnvOverrides runs.
		_ = godotenv.Load()
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (TOML, JSON, or YAML)")
		listenAddr  = flag.String("listen", "", "listen address override")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("proctord %s\n", Version)
		return
	}

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	crashes := logging.NewCrashLog("", "proctord", Version)
	defer crashes.Capture()

	key, err := masterKey(cfg, log)
	if err != nil {
		return err
	}
	tokens, err := security.NewTokenAuthority(key, time.Duration(cfg.Security.TokenTTLHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("token authority: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := metrics.NewRegistry("proctord", "")
	m := metrics.NewProctordMetrics(registry)

	var audit *logging.AuditLogger
	if cfg.Audit.Enabled {
		audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:  cfg.Audit.Path,
			Component: "proctord",
		})
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer audit.Close()
	}

	var publisher publish.Publisher = publish.Nop{}
	if cfg.Publish.Enabled {
		kafka, err := publish.NewKafka(publish.KafkaConfig{
			Brokers:  cfg.Publish.Brokers,
			Topic:    cfg.Publish.Topic,
			ClientID: cfg.Publish.ClientID,
		}, log, m)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		publisher = kafka
	}
	defer publisher.Close()

	led, err := ledger.New(ledger.Config{
		WarnThreshold: cfg.Server.WarnThreshold,
		EndThreshold:  cfg.Server.EndThreshold,
	}, ledger.Deps{
		Store:     st,
		Tokens:    tokens,
		Logger:    log,
		Audit:     audit,
		Metrics:   m,
		Publisher: publisher,
	})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.DatabaseCheck(st.Ping))
	checker.Check(ctx)
	go refreshHealth(ctx, checker)

	srvCfg := httpapi.Config{
		ListenAddr:      cfg.Server.ListenAddr,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		AdminToken:      cfg.Security.AdminToken,
		RatePerSec:      cfg.Security.ReportRatePerSec,
		RateBurst:       cfg.Security.ReportBurst,
		RateIdle:        time.Duration(cfg.Security.LimiterIdleSec) * time.Second,
		Version:         Version,
		Driver:          cfg.Store.Driver,
	}
	srvDeps := httpapi.Deps{
		Ledger:  led,
		Tokens:  tokens,
		Health:  checker,
		Metrics: m,
		Audit:   audit,
		Logger:  log,
	}
	if cfg.Metrics.Enabled {
		srvDeps.Registry = registry
	}

	srv, err := httpapi.New(srvCfg, srvDeps)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}
	checker.SetReady(true)

	watchConfig(loader, log)

	fmt.Printf("proctord %s listening on %s\n", Version, srv.Addr())
	if cfg.Security.AdminToken == "" {
		log.Warn("no admin token configured; session management endpoints are disabled")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan

	log.Info("shutting down", "signal", sig.String())
	checker.SetReady(false)
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
	_ = loader.Close()

	return nil
}

// buildLogger maps the config section onto the logging package.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "proctord",
	})
}

// masterKey resolves the token signing key. Without configuration the
// daemon still runs, on a key that dies with the process.
func masterKey(cfg *config.Config, log *slog.Logger) ([]byte, error) {
	if cfg.Security.MasterKey != "" {
		key, err := security.DecodeKeyHex(cfg.Security.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		return key, nil
	}
	key, err := security.GenerateKey(security.RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	log.Warn("no master key configured; using an ephemeral key, session tokens will not survive a restart")
	return key, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		return store.OpenSQLite(cfg.Store.Path)
	case "postgres":
		if cfg.Store.URL == "" {
			return nil, fmt.Errorf("postgres driver needs store.url or PROCTORD_DATABASE_URL")
		}
		return store.OpenPostgres(ctx, cfg.Store.URL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// refreshHealth keeps the component results current so /health answers
// from a recent probe.
func refreshHealth(ctx context.Context, checker *health.Checker) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checker.Check(ctx)
		}
	}
}

// watchConfig reloads the file on change. Sections are bound at
// startup, so for now a change only announces itself.
func watchConfig(loader *config.Loader, log *slog.Logger) {
	loader.OnChange(func(next *config.Config) {
		log.Info("configuration file changed; sections take effect on restart")
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
		return
	}
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload failed", "error", err)
		}
	}()
}
