// proctor-agent - exam-side violation monitor
//
// The agent watches the exam environment, reports violations to
// proctord, and applies the decisions that come back: a warning banner
// at the second violation, lockdown and a forced submission at the
// third. Without a reachable server it escalates on its own count.
//
// This binary is the headless rendition for trial runs and kiosk
// wrappers; its surface prints to the terminal. Exam applications
// embed internal/agent behind their own UI instead.
//
//	proctor-agent -server http://127.0.0.1:8090 -token <session token>
//	proctor-agent -config agent.toml -trail
//	proctor-agent -version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"proctord/internal/agent"
	"proctord/internal/config"
	"proctord/internal/enforce"
	"proctord/internal/logging"
)

// Version is stamped by the build; "dev" marks a source build.
var Version = "dev"

func init() {
	if os.Getenv("RUNNING_IN_DOCKER") == "" {
		_ = godotenv.Load()
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (TOML, JSON, or YAML)")
		serverURL   = flag.String("server", "", "proctord base URL override")
		token       = flag.String("token", "", "session token override")
		printTrail  = flag.Bool("trail", false, "print the signal trail on exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("proctor-agent %s\n", Version)
		return
	}

	if err := run(*configPath, *serverURL, *token, *printTrail); err != nil {
		fmt.Fprintf(os.Stderr, "proctor-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, serverURL, token string, printTrail bool) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Agent.ServerURL = serverURL
	}
	if token != "" {
		cfg.Agent.Token = token
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

	crashes := logging.NewCrashLog("", "proctor-agent", Version)
	defer crashes.Capture()

	if cfg.Agent.PidFile != "" {
		if err := os.WriteFile(cfg.Agent.PidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(cfg.Agent.PidFile)
	}

	ag, err := agent.New(cfg.Agent, agent.Deps{
		Surface: &terminalSurface{log: log},
		Logger:  log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("proctor-agent %s monitoring for %s\n", Version, cfg.Agent.ServerURL)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	cancel()
	if err := ag.Stop(); err != nil {
		log.Error("stop agent", "error", err)
	}

	violations, warned, terminated := ag.State().Snapshot()
	fmt.Printf("Violations: %d\n", violations)
	fmt.Printf("Warning shown: %v\n", warned)
	fmt.Printf("Terminated: %v\n", terminated)

	if printTrail {
		for _, entry := range ag.Debug().Entries() {
			fmt.Printf("%s  %-16s %s\n", entry.At.Format(time.RFC3339), entry.Kind, entry.Description)
		}
	}

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
		Component:  "proctor-agent",
	})
}

// terminalSurface renders enforcement on the controlling terminal. A
// headless agent has no exam widgets, so Controls is empty and the
// timer stop is only recorded.
type terminalSurface struct {
	log *slog.Logger
}

func (s *terminalSurface) ShowWarning(message string) error {
	fmt.Println()
	fmt.Println("==================== WARNING ====================")
	fmt.Println(message)
	fmt.Println("=================================================")
	return nil
}

func (s *terminalSurface) StopTimer() error {
	s.log.Info("exam timer stopped")
	return nil
}

func (s *terminalSurface) Controls() []enforce.Control {
	return nil
}

func (s *terminalSurface) Replace(message string) error {
	fmt.Println()
	fmt.Println(message)
	return nil
}
