package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codex-hub/codex-hub/internal/activity"
	"github.com/codex-hub/codex-hub/internal/analytics"
	"github.com/codex-hub/codex-hub/internal/api"
	"github.com/codex-hub/codex-hub/internal/appserver"
	"github.com/codex-hub/codex-hub/internal/config"
	"github.com/codex-hub/codex-hub/internal/hub"
	"github.com/codex-hub/codex-hub/internal/logging"
	"github.com/codex-hub/codex-hub/internal/metrics"
	"github.com/codex-hub/codex-hub/internal/observers"
	"github.com/codex-hub/codex-hub/internal/profiles"
	"github.com/codex-hub/codex-hub/internal/reviews"
	"github.com/codex-hub/codex-hub/internal/supervisor"
	"github.com/codex-hub/codex-hub/internal/threadindex"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "codex-hub",
	Short:   "codex-hub - multi-profile supervisor and broker for codex app-servers",
	Long:    `codex-hub manages one codex app-server per profile, brokers their JSON-RPC traffic over WebSocket, and maintains a searchable thread index, analytics, and review sessions.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("codex-hub %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "codex-hub",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "codex-hub",
	})

	log.Info().Str("version", Version).Msg("Starting codex-hub")

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directories")
	}

	profileStore, err := profiles.NewStore(cfg.ProfilesPath(), cfg.DefaultCodexHome)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open profile registry")
	}
	profileWatcher, err := profiles.NewWatcher(profileStore)
	if err != nil {
		log.Warn().Err(err).Msg("Profile watcher unavailable, external edits need a restart")
	}

	threadStore, err := threadindex.NewStore(cfg.ThreadsDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open thread index")
	}
	analyticsStore, err := analytics.NewStore(cfg.AnalyticsDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open analytics store")
	}
	reviewStore, err := reviews.NewStore(cfg.ReviewsDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open review store")
	}

	tracker := activity.NewTracker()
	m := metrics.New()

	dispatcher := observers.NewDispatcher(1024,
		observers.NewActivityObserver(tracker),
		observers.NewThreadIndexObserver(threadStore),
		observers.NewAnalyticsObserver(analyticsStore),
		observers.NewReviewObserver(reviewStore),
		metrics.NewObserver(m),
	)

	sup := supervisor.New(supervisor.Config{
		Binary:        cfg.CodexBin,
		BaseArgs:      cfg.CodexFlags,
		AppServerArgs: cfg.AppServerFlags,
		DefaultCwd:    cfg.DefaultCwd,
		ClientInfo: appserver.ClientInfo{
			Name:    "codex-hub",
			Version: Version,
		},
	})

	wsHub := hub.NewHub(cfg.Token, sup, profileStore, dispatcher)
	go wsHub.Run()
	go wsHub.Pump(sup.Subscribe(1024))
	go observers.Bridge(sup.Subscribe(1024), dispatcher)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			m.SetWSClients(wsHub.ClientCount())
		}
	}()

	router := api.NewRouter(api.Deps{
		Token:      cfg.Token,
		Version:    Version,
		Supervisor: sup,
		Profiles:   profileStore,
		Threads:    threadStore,
		Tracker:    tracker,
		Analytics:  analyticsStore,
		Reviews:    reviewStore,
		Metrics:    m,
		Dispatcher: dispatcher,
		WebSocket:  wsHub.HandleWebSocket,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: router,
		// ReadHeaderTimeout instead of ReadTimeout: a full-connection
		// deadline would survive the WebSocket upgrade and kill idle
		// clients.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}

		sup.StopAll()
		wsHub.Stop()
		dispatcher.Stop()
		if profileWatcher != nil {
			profileWatcher.Stop()
		}
		threadStore.Close()
		analyticsStore.Close()
		reviewStore.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("codex-hub stopped")
}
