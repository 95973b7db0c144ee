// segstub is a stand-in segmentation server for development. It speaks the
// binary frame protocol and the JSON/HTTP protocol and answers with
// deterministic geometric masks instead of running a model.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"maskcreator/internal/config"
	"maskcreator/internal/ipc"
	"maskcreator/internal/logging"
	"maskcreator/internal/rest"
	"maskcreator/internal/stub"
)

type options struct {
	configPath string
	host       string
	binaryPort int
	httpPort   int
	procDir    string
	prompt     string
	noBinary   bool
	noHTTP     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "segstub",
		Short:         "Run a stub segmentation server on the binary and HTTP ports",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to config file (shares the client's server section)")
	f.StringVar(&opts.host, "host", "", "listen host (default: server.host)")
	f.IntVar(&opts.binaryPort, "binary-port", 0, "binary protocol port (default: server.binary_port)")
	f.IntVar(&opts.httpPort, "http-port", 0, "HTTP port (default: server.http_port)")
	f.StringVar(&opts.procDir, "proc-dir", "", "process directory handed to clients")
	f.StringVar(&opts.prompt, "prompt", "", "detection prompt handed to clients")
	f.BoolVar(&opts.noBinary, "no-binary", false, "do not serve the binary protocol")
	f.BoolVar(&opts.noHTTP, "no-http", false, "do not serve the HTTP protocol")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.binaryPort != 0 {
		cfg.Server.BinaryPort = opts.binaryPort
	}
	if opts.httpPort != 0 {
		cfg.Server.HTTPPort = opts.httpPort
	}
	if opts.procDir == "" {
		opts.procDir = cfg.Workspace.Directory
	}
	if opts.prompt == "" {
		opts.prompt = cfg.Detection.Prompt
	}
	if opts.noBinary && opts.noHTTP {
		return errors.New("nothing to serve: both protocols disabled")
	}

	logCfg, err := cfg.Logging.LoggingConfig()
	if err != nil {
		return err
	}
	logCfg.Component = "segstub"
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	seg := stub.New(stub.Config{ProcDir: opts.procDir, DetectionPrompt: opts.prompt, Logger: log})

	if !opts.noBinary {
		scfg := ipc.DefaultServerConfig()
		scfg.Addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.BinaryPort))
		scfg.Logger = log
		srv := ipc.NewServer(scfg, seg)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		log.Info("binary protocol listening", "addr", srv.Addr().String())
	}

	httpErr := make(chan error, 1)
	if !opts.noHTTP {
		gin.SetMode(gin.ReleaseMode)
		hs := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
			Handler:           rest.NewRouter(seg, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("HTTP protocol listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	}
}
