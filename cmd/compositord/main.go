// Package main provides the compositord entry point: a daemon that
// wires a Compositor around a config-file-driven initial mount set and
// keeps it running until a shutdown signal arrives.
//
// Start the daemon:
//
//	compositord serve --config compositor.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/compositor/internal/compositor"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "compositord",
		Short: "Runs the compositor daemon",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("compositord %s (%s)\n", version, commit)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compositor daemon until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "compositor.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	// Plain text output on an interactive terminal, structured JSON
	// otherwise, detected by checking whether stderr is a terminal before
	// choosing a log format.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	logger := newLogger(debug)
	slog.SetDefault(logger)

	logger.Info("starting compositord", "version", version, "commit", commit, "config", configPath)

	fileCfg, err := compositor.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	comp, err := compositor.NewCompositor(ctx, fileCfg.ToCompositorConfig(), noopEvaluator{}, nil, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("construct compositor: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		comp.Shutdown(shutdownCtx)
	}()

	if err := mountConfigured(ctx, comp, fileCfg); err != nil {
		return fmt.Errorf("mount configured servers: %w", err)
	}

	stopWatch := watchConfig(ctx, logger, configPath, comp, fileCfg)
	defer stopWatch()

	stopSweep := startHealthSweep(ctx, logger, comp)
	defer stopSweep()

	logger.Info("compositord running", "mounts", len(fileCfg.Mounts))
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")
	return nil
}

// mountConfigured attaches every non-pinned mount listed in the config
// file before the daemon starts serving client sessions: pinned servers
// first (done inside NewCompositor), configured external mounts next.
func mountConfigured(ctx context.Context, comp *compositor.Compositor, cfg compositor.FileConfig) error {
	for _, m := range cfg.Mounts {
		spec := m.ToMountSpec()
		var err error
		switch spec.Kind {
		case compositor.MountSpecHTTP:
			_, err = comp.Mounts().MountHTTP(ctx, m.Prefix, compositor.HTTPSpec{
				Endpoint: spec.Endpoint,
				Headers:  spec.Headers,
			}, false)
		default:
			_, err = comp.Mounts().MountSubprocess(ctx, m.Prefix, compositor.StdioSpec{
				Command: spec.Command,
				Args:    spec.Args,
				Env:     spec.Env,
			}, false)
		}
		if err != nil {
			return fmt.Errorf("mount %q: %w", m.Prefix, err)
		}
	}
	return nil
}

// watchConfig optionally hot-reloads the mount-set config file: servers
// added to it after startup are mounted; servers removed from it, or any
// pinned mount, are left untouched. This is an operational convenience
// layered on top of the core's static initial mount set, never touching
// pinned mounts.
func watchConfig(ctx context.Context, logger *slog.Logger, path string, comp *compositor.Compositor, lastKnown compositor.FileConfig) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config hot-reload disabled: failed to start watcher", "error", err)
		return func() {}
	}
	if err := watcher.Add(path); err != nil {
		logger.Warn("config hot-reload disabled: failed to watch file", "path", path, "error", err)
		watcher.Close()
		return func() {}
	}

	known := make(map[string]bool, len(lastKnown.Mounts))
	for _, m := range lastKnown.Mounts {
		known[m.Prefix] = true
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := compositor.LoadConfig(path)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				for _, m := range cfg.Mounts {
					if known[m.Prefix] {
						continue
					}
					if err := mountConfigured(ctx, comp, compositor.FileConfig{Mounts: []compositor.FileMountSpec{m}}); err != nil {
						logger.Error("failed to mount newly configured server", "prefix", m.Prefix, "error", err)
						continue
					}
					known[m.Prefix] = true
					logger.Info("mounted server from config reload", "prefix", m.Prefix)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {}
}

// startHealthSweep runs a scheduled scan of the meta surface, logging
// any mount found in the Failed state — a thin operational convenience,
// not part of the core's public API.
func startHealthSweep(ctx context.Context, logger *slog.Logger, comp *compositor.Compositor) func() {
	c := cron.New()
	_, err := c.AddFunc("@every 1m", func() {
		resources, err := comp.ListResources(ctx)
		if err != nil {
			logger.Warn("health sweep: list_resources failed", "error", err)
			return
		}
		for _, r := range resources {
			parts, err := comp.ReadResource(ctx, r.URI)
			if err != nil {
				continue
			}
			for _, p := range parts {
				var entry compositor.ServerEntry
				if len(p.Data) == 0 {
					continue
				}
				if err := json.Unmarshal(p.Data, &entry); err == nil && entry.State == "failed" {
					logger.Error("health sweep: mount is failed", "prefix", entry.Prefix, "reason", entry.Reason)
				}
			}
		}
	})
	if err != nil {
		logger.Warn("health sweep disabled", "error", err)
		return func() {}
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

// noopEvaluator is the reference PolicyEvaluator used when no external
// policy sandbox is configured: every call is allowed. Production
// deployments inject a real evaluator that talks to the (out-of-scope)
// policy sandbox.
type noopEvaluator struct{}

func (noopEvaluator) Decide(ctx context.Context, req compositor.PolicyRequest) (compositor.PolicyResponse, error) {
	return compositor.PolicyResponse{Decision: compositor.DecisionAllow}, nil
}
