package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"maskcreator/internal/compositor"
	"maskcreator/internal/config"
	"maskcreator/internal/ipc"
	"maskcreator/internal/logging"
	"maskcreator/internal/metrics"
	"maskcreator/internal/rest"
	"maskcreator/internal/segment"
	"maskcreator/internal/session"
	"maskcreator/internal/store"
	"maskcreator/internal/workspace"
)

// app holds what every command needs: the effective configuration, a
// logger and the metrics collectors.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics
	status  io.Writer
}

// loadApp loads the configuration and applies the global flag overrides.
func loadApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cfg, flags); err != nil {
		return nil, err
	}

	logCfg, err := cfg.Logging.LoggingConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		status:  cmd.ErrOrStderr(),
	}, nil
}

func applyFlags(cfg *config.Config, flags *globalFlags) error {
	if flags.transport != "" {
		cfg.Server.Transport = flags.transport
	}
	if flags.host != "" {
		cfg.Server.Host = flags.host
	}
	if flags.port != 0 {
		if cfg.Server.Transport == config.TransportHTTP {
			cfg.Server.HTTPPort = flags.port
		} else {
			cfg.Server.BinaryPort = flags.port
		}
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func (a *app) close() {
	a.log.Close()
}

// transport builds the configured segmentation transport.
func (a *app) transport() segment.Transport {
	srv := a.cfg.Server
	if srv.Transport == config.TransportHTTP {
		return rest.NewClient(rest.ClientConfig{
			Host:           srv.Host,
			Port:           srv.HTTPPort,
			ConnectTimeout: srv.ConnectTimeout(),
			RequestTimeout: srv.RequestTimeout(),
			Logger:         a.log,
		})
	}
	return ipc.NewClient(ipc.ClientConfig{
		Host:           srv.Host,
		Port:           srv.BinaryPort,
		ConnectTimeout: srv.ConnectTimeout(),
		RequestTimeout: srv.RequestTimeout(),
		Logger:         a.log,
	})
}

// printStatus writes non-empty status messages to stderr.
func (a *app) printStatus(msg string) {
	if msg != "" {
		fmt.Fprintln(a.status, msg)
	}
}

// service wraps the configured transport. The caller closes it.
func (a *app) service() *segment.Service {
	return segment.NewService(a.transport(), segment.ServiceConfig{
		Status:  a.printStatus,
		Logger:  a.log,
		Metrics: a.metrics,
		Timeout: a.cfg.Server.RequestTimeout(),
	})
}

// history opens the saved-mask store, or returns nil when it is disabled.
func (a *app) history() (*store.Store, error) {
	if !a.cfg.Storage.Enabled {
		return nil, nil
	}
	timeout := a.cfg.Storage.BusyTimeout()
	if timeout == 0 {
		timeout = store.DefaultBusyTimeout
	}
	s, err := store.OpenWithTimeout(a.cfg.Storage.Path, timeout)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return s, nil
}

func (a *app) workspaceOptions() workspace.Options {
	return workspace.Options{
		Extensions: a.cfg.Workspace.Extensions,
		MaskSuffix: a.cfg.Workspace.MaskSuffix,
	}
}

// session creates an editing session over svc. hist may be nil.
func (a *app) session(svc *segment.Service, hist *store.Store) (*session.Session, error) {
	tint, err := compositor.ParseColor(a.cfg.Mask.Tint)
	if err != nil {
		return nil, err
	}
	cfg := session.Config{
		Client:          svc,
		Status:          a.printStatus,
		Logger:          a.log,
		Metrics:         a.metrics,
		Workspace:       a.workspaceOptions(),
		Tint:            tint,
		DetectionPrompt: a.cfg.Detection.Prompt,
	}
	// A typed nil in the interface would defeat the session's nil check.
	if hist != nil {
		cfg.History = hist
	}
	return session.New(cfg), nil
}
