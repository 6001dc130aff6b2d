package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sonet-app/timeline/internal/cache"
	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/config"
	"github.com/sonet-app/timeline/internal/fanout"
	"github.com/sonet-app/timeline/internal/hub"
	httpiface "github.com/sonet-app/timeline/internal/interfaces/http"
	"github.com/sonet-app/timeline/internal/overdrive"
	"github.com/sonet-app/timeline/internal/prefs"
	"github.com/sonet-app/timeline/internal/ratelimit"
	"github.com/sonet-app/timeline/internal/sources"
	"github.com/sonet-app/timeline/internal/timeline"
)

const (
	appName = "timeline"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Personalized timeline service",
		Version: version,
		Long: `The timeline service assembles personalized content slates from the
note service and follow graph, ranks them, and serves them over HTTP
with live websocket updates.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the timeline HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	streamHub := hub.New(hub.Config{
		QueueSize:     cfg.Stream.QueueSize,
		MsgsPerSecond: cfg.Stream.MsgsPerSecond,
	}, clk)

	metrics := httpiface.NewMetricsRegistry(func() float64 {
		return float64(streamHub.SessionCount())
	})
	cacheHooks := cache.Hooks{
		Hit:  metrics.RecordCacheHit,
		Miss: metrics.RecordCacheMiss,
	}

	var store *cache.Store
	if cfg.Redis.Addr != "" {
		store, err = cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, clk, cfg.Cache.LocalMaxEntries, cacheHooks)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, running on local cache only")
			store = cache.New(nil, clk, cfg.Cache.LocalMaxEntries, cacheHooks)
		}
	} else {
		log.Info().Msg("no redis configured, running on local cache only")
		store = cache.New(nil, clk, cfg.Cache.LocalMaxEntries, cacheHooks)
	}

	var prefsStore timeline.PreferencesStore
	probes := httpiface.HealthProbes{Cache: store.Ping}
	if cfg.Postgres.DSN != "" {
		pg, err := prefs.NewPostgresStore(cfg.Postgres.DSN, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		prefsStore = pg
		probes.Prefs = pg.Ping
	} else {
		log.Info().Msg("no postgres configured, preferences are in-memory")
		prefsStore = prefs.NewMemoryStore()
	}

	upstream := sources.NewHTTPClient(cfg.Upstream.NoteServiceURL, cfg.Upstream.GraphServiceURL, cfg.Upstream.Timeout)
	graph := sources.NewCachedFollowGraph(upstream, clk)

	adapters := map[timeline.Source]timeline.SourceAdapter{
		timeline.SourceFollowing:   sources.NewFollowingAdapter(upstream, graph),
		timeline.SourceRecommended: sources.NewRecommendedAdapter(upstream, store),
		timeline.SourceTrending:    sources.NewTrendingAdapter(upstream, clk),
		timeline.SourceLists:       sources.NewListsAdapter(upstream, upstream),
	}

	engine := timeline.NewEngine()
	assembler := timeline.NewAssembler(adapters, timeline.NewContentFilter(), engine, graph, clk, cfg.Upstream.Timeout)

	worker := fanout.NewWorker(
		fanout.Config{
			QueueSize:   cfg.Fanout.QueueSize,
			MaxAttempts: cfg.Fanout.MaxAttempts,
			BaseBackoff: cfg.Fanout.BaseBackoff,
		},
		graph,
		store,
		streamHub,
		clk,
		fanout.Hooks{
			Dropped:   metrics.RecordFanoutDrop,
			Processed: metrics.RecordFanoutProcessed,
		},
	)
	worker.Start(ctx)
	defer worker.Stop()

	var od timeline.Overdrive
	if cfg.Upstream.OverdriveURL != "" {
		od = overdrive.New(cfg.Upstream.OverdriveURL, cfg.Upstream.Timeout)
	}

	svc := timeline.NewService(
		timeline.ServiceConfig{
			Defaults:     timeline.DefaultConfig(),
			SlateTTL:     cfg.Cache.SlateTTL,
			ProfileTTL:   cfg.Cache.ProfileTTL,
			AuthToken:    cfg.AuthToken,
			OnSlateBuild: metrics.RecordSlateBuild,
		},
		timeline.ServiceDeps{
			Cache:     store,
			Prefs:     prefsStore,
			Assembler: assembler,
			Ranker:    engine,
			Events:    worker,
			Publisher: streamHub,
			Limiter:   ratelimit.New(cfg.RateRPM, clk),
			Overdrive: od,
			Notes:     upstream,
			Follows:   graph,
			Clock:     clk,
		},
	)

	handlers := httpiface.NewHandlers(svc, streamHub, worker, metrics, probes, version)
	server, err := httpiface.NewServer(httpiface.ServerConfig{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, handlers)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info().
		Str("addr", server.Address()).
		Str("version", version).
		Msg("timeline service ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
