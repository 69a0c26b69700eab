package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	apihttp "piecestream/internal/api/http"
	"piecestream/internal/app"
	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
	"piecestream/internal/metrics"
	mongorepo "piecestream/internal/repository/mongo"
	"piecestream/internal/services/streaming/streammanager"
	"piecestream/internal/services/torrent/engine/anacrolix"
	"piecestream/internal/telemetry"
	"piecestream/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const serviceName = "piecestream"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("piecestream exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), cfg.TelemetryConfig(serviceName, version))
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	streamCfg := cfg.StreamConfig()
	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.Bool("tracing", cfg.OTELEndpoint != ""),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Int("maxSessions", cfg.MaxSessions),
		slog.Bool("persistence", cfg.MongoURI != ""),
		slog.String("streamListen", streamCfg.ListenHost),
		slog.Int("streamPort", streamCfg.Port),
		slog.String("streamPublicHost", streamCfg.PublicHost),
		slog.Duration("minDeadline", streamCfg.File.MinDeadline),
		slog.Duration("maxDeadline", streamCfg.File.MaxDeadline),
		slog.String("readahead", humanize.IBytes(uint64(streamCfg.File.ReadaheadBytes))),
		slog.Bool("fullGET", streamCfg.FullGET),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		mongoClient *mongo.Client
		repo        ports.TorrentRepository
	)
	if cfg.MongoURI != "" {
		mongoClient, err = connectMongo(rootCtx, cfg.MongoURI)
		if err != nil {
			return err
		}
		mongoRepo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
		if err := mongoRepo.EnsureIndexes(rootCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		repo = mongoRepo
	} else {
		logger.Info("MONGO_URI not set, torrents will not survive a restart")
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:     cfg.TorrentDataDir,
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	registry := streammanager.NewRegistry(engine, streamCfg, logger)
	// Resources of a torrent are destroyed before the torrent goes away.
	engine.OnRemove(registry.TorrentRemoved)
	if err := registry.Listen(); err != nil {
		_ = engine.Close()
		return err
	}
	logger.Info("stream server listening", slog.Int("port", registry.Port()))

	createUC := usecase.CreateTorrent{Engine: engine, Repo: repo, Now: time.Now}
	deleteUC := usecase.DeleteTorrent{Engine: engine, Repo: repo, DataDir: cfg.TorrentDataDir}
	streamUC := usecase.StreamURL{Engine: engine, Repo: repo, Streams: registry}
	stateUC := usecase.GetTorrentState{Engine: engine}
	listStateUC := usecase.ListTorrentStates{Engine: engine}
	restoreUC := usecase.RestoreTorrents{Engine: engine, Repo: repo, Logger: logger}
	syncUC := usecase.SyncState{Engine: engine, Repo: repo, Logger: logger}

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithDeleteTorrent(deleteUC),
		apihttp.WithStreamURL(streamUC),
		apihttp.WithGetTorrentState(stateUC),
		apihttp.WithListTorrentStates(listStateUC),
		apihttp.WithStreams(registry),
		apihttp.WithUploadDir(filepath.Join(cfg.TorrentDataDir, ".torrents")),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	}
	if repo != nil {
		serverOpts = append(serverOpts, apihttp.WithRepository(repo))
	}
	handler := apihttp.NewServer(createUC, serverOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return registry.Run(gctx)
	})

	// Restore in the background so the API is up immediately.
	g.Go(func() error {
		n, err := restoreUC.Execute(gctx)
		if err != nil {
			logger.Warn("restore torrents failed", slog.String("error", err.Error()))
			return nil
		}
		if n > 0 {
			logger.Info("torrents restored", slog.Int("count", n))
		}
		return nil
	})

	g.Go(func() error {
		syncUC.Run(gctx)
		return nil
	})

	g.Go(func() error {
		updateEngineMetrics(gctx, listStateUC, handler)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	runErr := g.Wait()

	// The registry is closed by Run; the engine goes last so no read outlives
	// its torrent.
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
	return runErr
}

func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(ctx, uri, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// updateEngineMetrics refreshes the engine gauges and pushes state to
// WebSocket clients.
func updateEngineMetrics(ctx context.Context, states usecase.ListTorrentStates, handler *apihttp.Server) {
	stateTicker := time.NewTicker(5 * time.Second)
	streamTicker := time.NewTicker(2 * time.Second)
	torrentTicker := time.NewTicker(15 * time.Second)
	defer stateTicker.Stop()
	defer streamTicker.Stop()
	defer torrentTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stateTicker.C:
			list, err := states.Execute(ctx)
			if err != nil {
				continue
			}
			observeStates(list)
			handler.BroadcastStates(list)
		case <-streamTicker.C:
			handler.BroadcastStreams()
		case <-torrentTicker.C:
			handler.BroadcastTorrents()
		}
	}
}

func observeStates(states []domain.SessionState) {
	var dlTotal, ulTotal, peersTotal int64
	for _, state := range states {
		dlTotal += state.DownloadSpeed
		ulTotal += state.UploadSpeed
		peersTotal += int64(state.Peers)
	}
	metrics.ActiveSessions.Set(float64(len(states)))
	metrics.DownloadSpeedBytes.Set(float64(dlTotal))
	metrics.UploadSpeedBytes.Set(float64(ulTotal))
	metrics.PeersConnected.Set(float64(peersTotal))
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
