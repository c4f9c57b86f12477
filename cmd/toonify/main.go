package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/toonify/toonify-agent/internal/api"
	"github.com/toonify/toonify-agent/internal/cloud"
	"github.com/toonify/toonify-agent/internal/config"
	"github.com/toonify/toonify-agent/internal/logging"
	"github.com/toonify/toonify-agent/internal/stages"
	"github.com/toonify/toonify-agent/internal/telemetry"
	"github.com/toonify/toonify-agent/internal/transfer"
)

const usage = `usage: toonify [command]

commands:
  serve              start the local viewer API (default)
  run [flags] IMAGE  stylize IMAGE and print each stage result as it arrives
  version            print version information
`

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "run":
		err = runOnce(args)
	case "version", "--version", "-version":
		fmt.Printf("toonify %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildTime)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

// app holds the wiring shared by serve and run.
type app struct {
	cfg        *config.EnvConfig
	logger     *slog.Logger
	client     *cloud.HTTPClient
	controller *transfer.Controller
	defaults   transfer.RunConfig
	shutdown   func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())

	shutdown, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    "toonify-agent",
		ServiceVersion: config.Version,
		Endpoint:       cfg.OTLPEndpoint(),
		Insecure:       true,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdown = func(context.Context) error { return nil }
	}

	client, err := cloud.NewHTTPClient(cfg.ServiceURL(), cfg.UploadTimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create service client: %w", err)
	}

	defaults, err := transfer.NewRunConfig(cfg.StyleID(),
		transfer.WithSegment(cfg.Segment()),
		transfer.WithStructureOnly(cfg.StructureOnly()),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid run defaults: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		controller: transfer.NewController(client, stages.Default(), logger),
		defaults:   defaults,
		shutdown:   shutdown,
	}, nil
}

func (a *app) close() {
	a.controller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush traces", "error", err)
	}
}

func serve() error {
	startTime := time.Now()

	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting toonify agent",
		"version", config.Version,
		"service_url", a.client.BaseURL(),
	)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       a.cfg.Port(),
		Controller: a.controller,
		Registry:   a.controller.Session().Registry(),
		Artifacts:  a.client,
		Defaults:   a.defaults,
		Logger:     a.logger,
		StartTime:  startTime,
		Version:    config.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	fmt.Printf("\n  Toonify viewer API: http://%s\n\n", apiServer.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown HTTP server", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// runOnce drives a single run from the terminal and returns once the run
// stops running. SIGINT cancels it.
func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	style := fs.String("style", "", "style id (default from config)")
	segment := fs.String("segment", "", "enable segmentation: true|false (default from config)")
	structure := fs.String("structure-only", "", "keep only structure: true|false (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("run needs exactly one image path")
	}
	path := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	runCfg, err := transfer.ParseRunConfig(
		orDefault(*style, fmt.Sprint(a.defaults.StyleID())),
		orDefault(*segment, fmt.Sprint(a.defaults.Segment())),
		orDefault(*structure, fmt.Sprint(a.defaults.StructureOnly())),
	)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	registry := a.controller.Session().Registry()
	seen := 0
	done := make(chan transfer.RunState, 1)
	unsubscribe := a.controller.Projection().OnUpdate(func(st transfer.RunState) {
		for ; seen < len(st.Results); seen++ {
			res := st.Results[seen]
			label := string(res.Stage)
			if d, ok := registry.Lookup(res.Stage); ok {
				label = d.Label
			}
			fmt.Printf("%-12s %s\n", label, a.client.ArtifactURL(res.ArtifactRef))
		}
		if !st.Running && st.Phase.Terminated() {
			select {
			case done <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := a.controller.StartRun(ctx, filepath.Base(path), f, runCfg); err != nil {
		return err
	}

	select {
	case st := <-done:
		if st.Phase == transfer.PhaseAborted {
			return errors.New("run aborted")
		}
		fmt.Printf("done: %d results\n", len(st.Results))
	case <-ctx.Done():
		a.controller.Cancel()
		fmt.Println("cancelled")
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
