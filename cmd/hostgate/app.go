package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/config"
	"github.com/clawinfra/hostgate/internal/confirm"
	"github.com/clawinfra/hostgate/internal/metrics"
	"github.com/clawinfra/hostgate/internal/policy"
	"github.com/clawinfra/hostgate/internal/scheduler"
	"github.com/clawinfra/hostgate/internal/tools"
	"github.com/clawinfra/hostgate/internal/webclient"
)

// App holds all the runtime components
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Policy    *policy.Engine
	Gate      *confirm.Gate
	AuditLog  audit.Log
	Hub       *audit.Hub
	Recorder  *audit.Recorder
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	Tools     *tools.Registry

	closers []io.Closer
	mqtt    *audit.MQTTSink
}

// newLogger builds the root logger. Logs always go to stderr because stdout
// carries the MCP stream.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default", "path", path)
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// loadSettings reads the config file, applies environment overrides and
// validates the result. The returned logger honours the configured level.
func loadSettings(configPath string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	boot := newLogger(stderr, "info", "text")
	cfg, err := loadConfig(configPath, boot)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	warnings := cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(stderr, cfg.Server.LogLevel, cfg.Server.LogFormat)
	for _, w := range warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

// newPolicy assembles the policy engine from the config.
func newPolicy(cfg *config.Config) (*policy.Engine, error) {
	pc, err := cfg.PolicyConfig()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	eng, err := policy.New(pc)
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}
	return eng, nil
}

// openAuditLog opens the configured audit backend.
func openAuditLog(cfg *config.Config) (audit.Log, error) {
	path := cfg.AuditPath()
	switch cfg.Audit.Backend {
	case config.AuditNone:
		return audit.Nop{}, nil
	case config.AuditJSONL:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		return audit.OpenJSONL(path)
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		return audit.OpenSQLite(path)
	}
}

// openAudit is the audit constructor used by setup. Tests replace it.
var openAudit = openAuditLog

// setup initializes all application components. Anything opened before a
// failure is closed again.
func setup(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	app := &App{Config: cfg, Logger: logger, Hub: audit.NewHub()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	eng, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	app.Policy = eng
	if eng.AllowlistMode() {
		logger.Info("policy in allowlist mode", "allowed", cfg.Policy.AllowedDirectories)
	}

	app.AuditLog, err = openAudit(cfg)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	app.closers = append(app.closers, app.AuditLog)

	sinks := []audit.Sink{app.Hub}
	if cfg.Audit.MQTT.Broker != "" {
		sink, err := audit.NewMQTTSink(audit.MQTTConfig{
			Broker:   cfg.Audit.MQTT.Broker,
			Topic:    cfg.Audit.MQTT.Topic,
			ClientID: cfg.Audit.MQTT.ClientID,
			Username: cfg.Audit.MQTT.Username,
			Password: cfg.Audit.MQTT.Password,
		}, logger)
		if err != nil {
			// The broker is optional; the local audit log still records everything.
			logger.Warn("MQTT audit sink unavailable", "broker", cfg.Audit.MQTT.Broker, "error", err)
		} else {
			app.mqtt = sink
			sinks = append(sinks, sink)
		}
	}
	app.Recorder = audit.NewRecorder(app.AuditLog, logger, sinks...)

	app.Gate = confirm.NewGate(confirm.NewStore(), confirm.Options{
		DefaultTTL: time.Duration(cfg.Confirm.DefaultTTLSeconds) * time.Second,
		MaxTTL:     time.Duration(cfg.Confirm.MaxTTLSeconds) * time.Second,
		MaxPending: cfg.Confirm.MaxPending,
		Logger:     logger,
	})
	app.Metrics = metrics.New(func() int { return len(app.Gate.Pending()) })
	app.Gate.AddObserver(app.Recorder)
	app.Gate.AddObserver(app.Metrics)

	retry := webclient.DefaultRetryConfig()
	if cfg.Web.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Web.MaxRetries
	}
	web := webclient.New(eng, webclient.Config{
		Timeout:   time.Duration(cfg.Web.TimeoutSeconds) * time.Second,
		UserAgent: cfg.Web.UserAgent,
		Retry:     retry,
	}, logger)

	// Downloads and screenshots land here.
	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	runner := tools.ExecRunner{}
	app.Scheduler = scheduler.NewScheduler(tools.ShellExecutor(runner, runtime.GOOS), logger)

	app.Tools, err = tools.New(tools.Deps{
		Policy:           eng,
		Gate:             app.Gate,
		Runner:           runner,
		Web:              web,
		Scheduler:        app.Scheduler,
		Recorder:         app.Recorder,
		Metrics:          app.Metrics,
		Logger:           logger,
		DataDir:          cfg.Server.DataDir,
		MaxDownloadBytes: cfg.Web.MaxDownloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return app, nil
}

// Close drains the audit queue, then releases the MQTT connection and the
// audit log. It is safe on a partially built App.
func (a *App) Close() {
	if a.Recorder != nil {
		a.Recorder.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Error("close", "error", err)
		}
	}
}
