// Package streammanager serves torrent files over the stream server: the
// Registry owns the resources and the listening socket, the Router turns
// requests into responses.
package streammanager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
	"piecestream/internal/metrics"
	"piecestream/internal/services/streaming/streamfile"
	"piecestream/internal/services/streaming/streamserver"
)

type Config struct {
	ListenHost string
	Port       int
	// PublicHost is the host written into stream URLs.
	PublicHost string
	File       streamfile.Config
	Server     streamserver.Config
	// WriteBufferPieces bounds the bytes queued on a socket, in pieces,
	// before the next block is requested.
	WriteBufferPieces int
	// FullGET serves a Range-less GET with the whole file instead of headers
	// only.
	FullGET bool
}

func DefaultConfig() Config {
	return Config{
		ListenHost:        "0.0.0.0",
		PublicHost:        "localhost",
		File:              streamfile.DefaultConfig(),
		Server:            streamserver.DefaultConfig(),
		WriteBufferPieces: 2,
	}
}

type resourceKey struct {
	torrent domain.TorrentID
	file    int
}

// Registry is the directory of served resources. There is at most one
// streamfile.File per (torrent, file) pair.
type Registry struct {
	catalog ports.StreamCatalog
	cfg     Config
	logger  *slog.Logger
	server  *streamserver.Server

	mu        sync.Mutex
	resources map[resourceKey]*streamfile.File
	// removals counts TorrentRemoved calls per torrent. A resource whose
	// target was resolved under an older count is never inserted.
	removals map[domain.TorrentID]uint64
	closed   bool
}

func NewRegistry(catalog ports.StreamCatalog, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	r := &Registry{
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger,
		resources: make(map[resourceKey]*streamfile.File),
		removals:  make(map[domain.TorrentID]uint64),
	}
	router := NewRouter(r, cfg.WriteBufferPieces, cfg.FullGET, logger)
	r.server = streamserver.New(router, cfg.Server, streamserver.WithLogger(logger))
	return r
}

// Listen binds the stream socket. Calling it again keeps the bound socket.
func (r *Registry) Listen() error {
	return r.server.Listen(r.cfg.ListenHost, r.cfg.Port)
}

// Run listens and serves until ctx is done, then closes the registry.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}

func (r *Registry) Port() int { return r.server.Port() }

func (r *Registry) Addr() net.Addr { return r.server.Addr() }

// Resource returns the resource for a (torrent, file) pair, creating it on
// first use.
func (r *Registry) Resource(ctx context.Context, id domain.TorrentID, fileIndex int) (*streamfile.File, error) {
	key := resourceKey{torrent: id, file: fileIndex}
	r.mu.Lock()
	if f, ok := r.resources[key]; ok {
		r.mu.Unlock()
		return f, nil
	}
	closed := r.closed
	generation := r.removals[id]
	r.mu.Unlock()
	if closed {
		return nil, streamfile.ErrResourceDestroyed
	}

	target, store, err := r.catalog.StreamTarget(ctx, id, fileIndex)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, streamfile.ErrResourceDestroyed
	}
	if r.removals[id] != generation {
		return nil, fmt.Errorf("%w: torrent %s removed", domain.ErrNotFound, id)
	}
	if f, ok := r.resources[key]; ok {
		return f, nil
	}
	f := streamfile.New(target, store, r.cfg.File, streamfile.WithLogger(r.logger))
	r.resources[key] = f
	metrics.StreamResources.Inc()
	r.logger.Info("stream resource created",
		slog.String("torrentId", string(id)),
		slog.Int("fileIndex", fileIndex),
		slog.String("name", f.Name()),
		slog.String("size", humanize.IBytes(uint64(f.Size()))),
		slog.String("mime", f.MimeType()),
	)
	return f, nil
}

// URL is the address a player can stream the file from.
func (r *Registry) URL(ctx context.Context, id domain.TorrentID, fileIndex int) (string, error) {
	target, _, err := r.catalog.StreamTarget(ctx, id, fileIndex)
	if err != nil {
		return "", err
	}
	port := r.Port()
	if port == 0 {
		return "", fmt.Errorf("stream server not listening")
	}
	host := net.JoinHostPort(r.cfg.PublicHost, strconv.Itoa(port))
	return "http://" + host + resourcePath(id, fileIndex, target.DisplayName()), nil
}

// TorrentRemoved destroys every resource of the torrent. Reads in progress
// are aborted and their connections closed. It is meant to run before the
// engine drops the torrent.
func (r *Registry) TorrentRemoved(id domain.TorrentID) {
	r.mu.Lock()
	r.removals[id]++
	var doomed []*streamfile.File
	for key, f := range r.resources {
		if key.torrent == id {
			doomed = append(doomed, f)
			delete(r.resources, key)
		}
	}
	r.mu.Unlock()

	for _, f := range doomed {
		f.Destroy()
		metrics.StreamResources.Dec()
	}
	if len(doomed) > 0 {
		r.logger.Info("stream resources destroyed",
			slog.String("torrentId", string(id)),
			slog.Int("count", len(doomed)),
		)
	}
}

// Close destroys every resource and closes the listening socket and all
// connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*streamfile.File, 0, len(r.resources))
	for _, f := range r.resources {
		all = append(all, f)
	}
	r.resources = make(map[resourceKey]*streamfile.File)
	r.mu.Unlock()

	for _, f := range all {
		f.Destroy()
		metrics.StreamResources.Dec()
	}
	return r.server.Close()
}

type ResourceInfo struct {
	TorrentID   domain.TorrentID `json:"torrentId"`
	FileIndex   int              `json:"fileIndex"`
	Name        string           `json:"name"`
	MimeType    string           `json:"mimeType"`
	Size        int64            `json:"size"`
	ActiveReads int              `json:"activeReads"`
}

type Snapshot struct {
	Port        int            `json:"port"`
	Connections int            `json:"connections"`
	Resources   []ResourceInfo `json:"resources"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	files := make([]*streamfile.File, 0, len(r.resources))
	for _, f := range r.resources {
		files = append(files, f)
	}
	r.mu.Unlock()

	infos := make([]ResourceInfo, 0, len(files))
	for _, f := range files {
		t := f.Target()
		infos = append(infos, ResourceInfo{
			TorrentID:   t.TorrentID,
			FileIndex:   t.File.Index,
			Name:        f.Name(),
			MimeType:    f.MimeType(),
			Size:        f.Size(),
			ActiveReads: f.ActiveReads(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].TorrentID != infos[j].TorrentID {
			return infos[i].TorrentID < infos[j].TorrentID
		}
		return infos[i].FileIndex < infos[j].FileIndex
	})
	return Snapshot{
		Port:        r.Port(),
		Connections: r.server.ConnCount(),
		Resources:   infos,
	}
}
