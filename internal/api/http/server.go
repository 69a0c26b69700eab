package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"piecestream/internal/domain"
	domainports "piecestream/internal/domain/ports"
	"piecestream/internal/services/streaming/streammanager"
	"piecestream/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type CreateTorrentUseCase interface {
	Execute(ctx context.Context, input usecase.CreateTorrentInput) (domain.TorrentRecord, error)
}

type DeleteTorrentUseCase interface {
	Execute(ctx context.Context, id domain.TorrentID, deleteFiles bool) error
}

type StreamURLUseCase interface {
	Execute(ctx context.Context, id domain.TorrentID, fileIndex int) (string, error)
}

type GetTorrentStateUseCase interface {
	Execute(ctx context.Context, id domain.TorrentID) (domain.SessionState, error)
}

type ListTorrentStatesUseCase interface {
	Execute(ctx context.Context) ([]domain.SessionState, error)
}

// StreamSnapshotter reports what the streaming listener is serving.
type StreamSnapshotter interface {
	Snapshot() streammanager.Snapshot
}

type Server struct {
	createTorrent  CreateTorrentUseCase
	deleteTorrent  DeleteTorrentUseCase
	streamURL      StreamURLUseCase
	getState       GetTorrentStateUseCase
	listStates     ListTorrentStatesUseCase
	streams        StreamSnapshotter
	repo           domainports.TorrentRepository
	uploadDir      string
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithRepository(repo domainports.TorrentRepository) ServerOption {
	return func(s *Server) {
		s.repo = repo
	}
}

func WithDeleteTorrent(uc DeleteTorrentUseCase) ServerOption {
	return func(s *Server) {
		s.deleteTorrent = uc
	}
}

func WithStreamURL(uc StreamURLUseCase) ServerOption {
	return func(s *Server) {
		s.streamURL = uc
	}
}

func WithGetTorrentState(uc GetTorrentStateUseCase) ServerOption {
	return func(s *Server) {
		s.getState = uc
	}
}

func WithListTorrentStates(uc ListTorrentStatesUseCase) ServerOption {
	return func(s *Server) {
		s.listStates = uc
	}
}

func WithStreams(streams StreamSnapshotter) ServerOption {
	return func(s *Server) {
		s.streams = streams
	}
}

// WithUploadDir sets where uploaded .torrent files are kept. They must
// outlive the request so the torrent can be re-opened after a restart.
func WithUploadDir(dir string) ServerOption {
	return func(s *Server) {
		s.uploadDir = dir
	}
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(create CreateTorrentUseCase, opts ...ServerOption) *Server {
	s := &Server{createTorrent: create}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/torrents", s.handleTorrents)
	mux.HandleFunc("/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/streams", s.handleStreams)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "piecestream-admin",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BroadcastStates sends states to all WebSocket clients.
func (s *Server) BroadcastStates(states []domain.SessionState) {
	if s.wsHub != nil {
		s.wsHub.BroadcastStates(states)
	}
}

// BroadcastStreams pushes the current streaming snapshot to all WebSocket
// clients.
func (s *Server) BroadcastStreams() {
	if s.wsHub == nil || s.streams == nil {
		return
	}
	s.wsHub.Broadcast("streams", s.streams.Snapshot())
}

// BroadcastTorrents lists all persisted torrents and broadcasts their
// summaries.
func (s *Server) BroadcastTorrents() {
	if s.wsHub == nil || s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := s.repo.List(ctx)
	if err != nil {
		s.logger.Debug("ws broadcast torrents failed", slog.String("error", err.Error()))
		return
	}
	s.wsHub.Broadcast("torrents", summarize(records))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
