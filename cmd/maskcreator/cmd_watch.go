package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"maskcreator/internal/config"
	"maskcreator/internal/health"
	"maskcreator/internal/logging"
	"maskcreator/internal/metrics"
	"maskcreator/internal/session"
	"maskcreator/internal/store"
	"maskcreator/internal/watcher"
	"maskcreator/internal/workspace"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	var (
		prompt    string
		listen    string
		overwrite bool
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Detect and save a mask for every new base image in a directory",
		Long: `Watch a process directory and, for every new base image without a saved
mask, run box detection with the detection prompt, composite the detected
layers and save the mask next to the image.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("overwrite") {
				a.cfg.Watch.Overwrite = overwrite
			}
			if listen != "" {
				a.cfg.Metrics.Listen = listen
			}

			svc := a.service()
			defer svc.Close()

			hist, err := a.history()
			if err != nil {
				return err
			}
			if hist != nil {
				defer hist.Close()
			}

			sess, err := a.session(svc, hist)
			if err != nil {
				return err
			}

			dir := a.cfg.Workspace.Directory
			if len(args) == 1 {
				dir = args[0]
			}
			if prompt != "" {
				sess.SetDetectionPrompt(prompt)
			}
			if dir == "" || sess.DetectionPrompt() == "" {
				sa, err := svc.StartupArgs(ctx)
				if err != nil {
					return err
				}
				if dir == "" {
					dir = sa.ProcDir
				}
				if sess.DetectionPrompt() == "" {
					sess.SetDetectionPrompt(sa.DetectionPrompt)
				}
			}
			if dir == "" {
				return errors.New("no process directory: pass one or set workspace.directory")
			}
			if sess.DetectionPrompt() == "" {
				return errors.New("no detection prompt: pass --prompt or set detection.prompt")
			}

			ws, err := workspace.Open(dir, a.workspaceOptions())
			if err != nil {
				return err
			}

			b := &batch{
				sess:      sess,
				hist:      hist,
				ws:        ws,
				metrics:   a.metrics,
				log:       a.log.WithComponent("watch"),
				overwrite: a.cfg.Watch.Overwrite,
				out:       cmd.OutOrStdout(),
			}

			if once {
				return b.processAll(ctx)
			}

			checker := newChecker(a, ws.Dir(), hist)
			if a.cfg.Metrics.Listen != "" {
				stop := serveStatus(a.cfg.Metrics.Listen, a.metrics, checker, a.log)
				defer stop()
			}

			var reloadErrs <-chan error
			if path := configFile(flags); path != "" && prompt == "" {
				loader := config.NewLoader(path)
				defer loader.Close()
				loader.OnChange(func(c *config.Config) {
					if c.Detection.Prompt != "" {
						sess.SetDetectionPrompt(c.Detection.Prompt)
						b.log.Info("detection prompt reloaded", "prompt", c.Detection.Prompt)
					}
				})
				if err := loader.Watch(); err != nil {
					a.log.Warn("config hot reload disabled", "error", err)
				} else {
					reloadErrs = loader.Errors()
				}
			}

			w, err := watcher.New(watcher.Config{
				Dir:             ws.Dir(),
				Debounce:        a.cfg.Watch.Debounce(),
				Filter:          ws.IsBaseImage,
				IncludeExisting: true,
			})
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()
			checker.SetReady(true)

			b.log.Info("watching", "dir", ws.Dir(), "prompt", sess.DetectionPrompt(), "overwrite", b.overwrite)
			watchErrs := w.Errors()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-w.Events():
					if !ok {
						return nil
					}
					b.process(ctx, ev)
				case err, ok := <-watchErrs:
					if !ok {
						watchErrs = nil
						continue
					}
					b.log.Warn("watcher error", "error", err)
				case err := <-reloadErrs:
					b.log.Warn("config reload failed", "error", err)
				}
			}
		},
	}

	f := cmd.Flags()
	f.StringVarP(&prompt, "prompt", "p", "", "detection prompt, captions separated by periods")
	f.StringVar(&listen, "metrics", "", "serve /metrics and health endpoints on host:port")
	f.BoolVar(&overwrite, "overwrite", false, "regenerate masks for images that already have one")
	f.BoolVar(&once, "once", false, "process the images present now and exit")
	return cmd
}

func configFile(flags *globalFlags) string {
	if flags.configPath != "" {
		return flags.configPath
	}
	return config.FindConfigFile()
}

// serveStatus serves /metrics and the health endpoints until the returned
// stop function is called.
func serveStatus(addr string, m *metrics.Metrics, checker *health.Checker, log *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.HTTPHandler())
	checker.Mount(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics and health", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// newChecker registers the components watch mode depends on.
func newChecker(a *app, dir string, hist *store.Store) *health.Checker {
	checker := health.NewChecker()
	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port()))
	checker.RegisterFunc("segmentation", true, health.DialCheck(addr))
	checker.RegisterFunc("process_dir", true, health.DirectoryCheck(dir))
	if hist != nil {
		checker.RegisterFunc("history", false, health.DatabaseCheck(hist.Ping))
	}
	return checker
}

// batch turns announced base images into saved masks.
type batch struct {
	sess      *session.Session
	hist      *store.Store
	ws        *workspace.Workspace
	metrics   *metrics.Metrics
	log       *logging.Logger
	overwrite bool
	out       io.Writer
}

// processAll handles every base image currently in the directory.
func (b *batch) processAll(ctx context.Context) error {
	if err := b.ws.Refresh(); err != nil {
		return err
	}
	for _, path := range b.ws.Images() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hash, size, err := watcher.HashFile(path)
		if err != nil {
			b.log.Warn("skipping unreadable image", "image", path, "error", err)
			continue
		}
		b.process(ctx, watcher.Event{Path: path, Hash: hash, Size: size, Timestamp: time.Now()})
	}
	return nil
}

// process handles one image and records the run in the history.
func (b *batch) process(ctx context.Context, ev watcher.Event) store.RunOutcome {
	b.metrics.RecordWatchedImage()

	run := &store.WatchRun{
		ImagePath: ev.Path,
		ImageHash: ev.Hash,
		Prompt:    b.sess.DetectionPrompt(),
	}
	var err error
	run.Outcome, run.Boxes, err = b.detect(ctx, ev)
	if err != nil {
		run.Error = err.Error()
		b.log.Error("processing image failed", "image", ev.Path, "error", err)
	} else {
		b.log.Info("image processed", "image", ev.Path, "outcome", run.Outcome, "boxes", run.Boxes)
	}

	if b.hist != nil {
		if _, err := b.hist.InsertWatchRun(ctx, run); err != nil {
			b.log.Warn("recording watch run failed", "image", ev.Path, "error", err)
		}
	}
	return run.Outcome
}

func (b *batch) detect(ctx context.Context, ev watcher.Event) (store.RunOutcome, int, error) {
	if !b.overwrite && b.ws.HasMask(ev.Path) {
		return store.RunSkipped, 0, nil
	}
	// With overwrite on, content already processed is not redone.
	if b.overwrite && b.hist != nil {
		seen, err := b.hist.SeenImage(ctx, ev.Hash)
		if err != nil {
			return store.RunFailed, 0, err
		}
		if seen {
			return store.RunSkipped, 0, nil
		}
	}

	if err := b.sess.LoadBaseImage(ev.Path); err != nil {
		return store.RunFailed, 0, err
	}
	dropSavedMask(b.sess)

	task, err := b.sess.Detect(ctx)
	if err != nil {
		return store.RunFailed, 0, err
	}
	if err := task.Wait(ctx); err != nil {
		return store.RunFailed, 0, err
	}
	if err := task.Err(); err != nil {
		return store.RunFailed, 0, err
	}
	if task.Count() == 0 {
		return store.RunEmpty, 0, nil
	}

	path, err := b.sess.Save(ctx)
	if errors.Is(err, session.ErrEmptyMask) {
		return store.RunEmpty, task.Count(), nil
	}
	if err != nil {
		return store.RunFailed, task.Count(), err
	}
	fmt.Fprintln(b.out, path)
	return store.RunSaved, task.Count(), nil
}
