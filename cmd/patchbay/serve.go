package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/patchbay-dev/patchbay/pkg/api"
	"github.com/patchbay-dev/patchbay/pkg/auth"
	"github.com/patchbay-dev/patchbay/pkg/balancer"
	"github.com/patchbay-dev/patchbay/pkg/breaker"
	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/health"
	"github.com/patchbay-dev/patchbay/pkg/instance"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
	"github.com/patchbay-dev/patchbay/pkg/middleware"
	"github.com/patchbay-dev/patchbay/pkg/registry"
	"github.com/patchbay-dev/patchbay/pkg/router"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/version"
)

// shutdownGrace bounds the teardown of the API server and pooled adapters.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the Patchbay gateway.

The gateway loads its configuration and templates from the config
directory, serves the HTTP API, and hot-reloads template files as they
change on disk. Flags override both the file configuration and the
PATCHBAY_* environment variables.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "config", "Configuration directory (gateway.json + templates/)")
	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
	serveCmd.Flags().String("auth-mode", "", "Authentication mode: none or token (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if env := os.Getenv("PATCHBAY_CONFIG_DIR"); env != "" {
			dir = env
		}
	}

	store, err := config.NewStore(dir)
	if err != nil {
		return fmt.Errorf("failed to open config directory: %v", err)
	}

	cfg, err := store.LoadGateway()
	if err != nil {
		return fmt.Errorf("failed to load gateway config: %v", err)
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("auth-mode") {
		cfg.AuthMode, _ = cmd.Flags().GetString("auth-mode")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Redact:     sandbox.RedactString,
	})
	logger := log.WithComponent("serve")

	policy := sandbox.NewPolicy(cfg.Sandbox)

	bus := events.NewBus(
		events.WithPublishCounter(func(eventType string) {
			metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()
		}),
		events.WithDropCounter(func(eventType string) {
			metrics.EventsDroppedTotal.WithLabelValues(eventType).Inc()
		}),
	)

	templates := registry.NewTemplates(store, policy)
	if err := templates.Load(); err != nil {
		// Parseable templates are loaded anyway; report the bad ones and
		// keep going so one broken file cannot hold the gateway down.
		logger.Warn().Err(err).Msg("Some templates failed to load")
	}

	manager := instance.NewManager()
	monitor := health.NewMonitor()
	breakers := breaker.New(breaker.Settings{})
	bal := balancer.New(balancer.Config{})

	reg := registry.New(registry.Options{
		Templates: templates,
		Manager:   manager,
		Monitor:   monitor,
		Breakers:  breakers,
		Balancer:  bal,
		Bus:       bus,
		Policy:    policy,
	})

	rtr := router.New(router.Options{
		Registry:        reg,
		Balancer:        bal,
		Breakers:        breakers,
		DefaultStrategy: balancer.Strategy(cfg.RoutingStrategy),
	})

	authStore := auth.NewStore(cfg.Auth.APIKeys, cfg.Auth.BearerTokens)
	handshakes := auth.NewHandshakes(authStore)

	rl := middleware.NewRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	rl.StartCleanupJob()

	chain := middleware.NewChain()
	chain.Use(
		middleware.NewAuthentication(authStore, cfg.AuthMode == config.AuthModeToken),
		rl,
		middleware.NewSecurityGuard(cfg.Sandbox.VolumeRoots),
		middleware.NewLoadBalancer(routeSelector(rtr), func(instanceID string, success bool, latency time.Duration) {
			// The proxy path reports its own outcomes; this only fires for
			// calls that selected an instance and then never dispatched.
			if !success {
				bal.ReportOutcome(instanceID, latency, true)
				breakers.RecordFailure(instanceID)
			}
		}),
	)

	srv, err := api.NewServer(api.Options{
		Config:     cfg,
		Store:      store,
		Registry:   reg,
		Router:     rtr,
		Chain:      chain,
		Bus:        bus,
		Auth:       authStore,
		Handshakes: handshakes,
		Version:    version.Version,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(reg)
	collector.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		handshakes.Run(gctx)
		return nil
	})
	g.Go(func() error {
		watcher := config.NewWatcher(store, 0)
		err := watcher.Watch(gctx, func(change config.Change) {
			reloadTemplate(reg, store, change)
		})
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("template watcher stopped: %v", err)
		}
		return nil
	})

	if err := srv.Start(); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	fmt.Printf("✓ Loaded %d template(s) from %s\n", reg.TemplateCount(), store.Dir())
	fmt.Printf("✓ Gateway listening on %s\n", srv.Addr())
	fmt.Println()
	fmt.Println("Gateway is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown failed")
	}
	collector.Stop()
	reg.Close(shutdownCtx)
	bus.Close()
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("Background worker exited with error")
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// routeSelector adapts the router into the balancer middleware's selection
// hook.
func routeSelector(rtr *router.Router) middleware.SelectFunc {
	return func(ctx context.Context, s *middleware.State) (string, any, error) {
		decision, err := rtr.Route(ctx, router.Request{
			Method:       s.Method,
			Params:       s.Params,
			ServiceGroup: s.ServiceGroup,
			Strategy:     balancer.Strategy(s.GetString(middleware.ValueStrategy)),
			Source:       s.Source,
		})
		if err != nil {
			return "", nil, err
		}
		return decision.Instance.ID, decision, nil
	}
}

// reloadTemplate applies one debounced template file change to the
// registry. Registration of an unchanged template is a no-op, which keeps
// the API-save-then-watch cycle from looping.
func reloadTemplate(reg *registry.Registry, store *config.Store, change config.Change) {
	logger := log.WithTemplate(change.Name)

	if change.Removed {
		removed, err := reg.RemoveTemplate(change.Name)
		switch {
		case errdefs.IsCode(err, errdefs.CodeConflict):
			logger.Warn().Err(err).Msg("Template file deleted but instances still reference it")
		case err != nil:
			logger.Error().Err(err).Msg("Template removal failed")
		case removed:
			logger.Info().Msg("Template removed from disk")
		}
		return
	}

	tpl, err := store.LoadTemplate(change.Name)
	if err != nil {
		logger.Warn().Err(err).Msg("Changed template file is not loadable")
		return
	}
	if _, changed, err := reg.RegisterTemplate(tpl); err != nil {
		logger.Warn().Err(err).Msg("Changed template was rejected")
	} else if changed {
		logger.Info().Msg("Template reloaded from disk")
	}
}
