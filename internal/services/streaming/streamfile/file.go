// Package streamfile turns byte ranges of a torrent file into ordered,
// piece-sized blocks fetched from a ports.PieceStore, keeping the engine's
// piece deadlines ahead of the reader.
package streamfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
	"piecestream/internal/metrics"
)

var (
	ErrBlockPending      = errors.New("streamfile: previous block not acknowledged")
	ErrNoPendingBlock    = errors.New("streamfile: no block awaiting acknowledgement")
	ErrClosed            = errors.New("streamfile: read request closed")
	ErrResourceDestroyed = errors.New("streamfile: resource destroyed")
	ErrPieceFetch        = errors.New("streamfile: piece fetch failed")
	ErrInvalidRange      = errors.New("streamfile: invalid range")
)

type Config struct {
	// MinDeadline and MaxDeadline bound the deadline given to the piece a
	// reader is blocked on.
	MinDeadline time.Duration
	MaxDeadline time.Duration
	// ReadaheadBytes sizes the window of pieces prioritized past the cursor.
	ReadaheadBytes int64
	// TailDeadline is set on the last piece of a request ending near the end
	// of the file. Zero disables it.
	TailDeadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinDeadline:    32 * time.Millisecond,
		MaxDeadline:    320 * time.Millisecond,
		ReadaheadBytes: 32 << 20,
		TailDeadline:   2 * time.Second,
	}
}

// Handle identifies a ReadRequest inside the File that issued it.
type Handle uint64

// File is a streamable torrent file. It owns the table of its live read
// requests; destroying the File ends all of them.
type File struct {
	target   domain.StreamTarget
	store    ports.PieceStore
	cfg      Config
	mimeType string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	nextID    Handle
	requests  map[Handle]*ReadRequest
	destroyed bool
	done      chan struct{}
}

type Option func(*File)

func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock replaces time.Now, used to measure how long readers wait.
func WithClock(now func() time.Time) Option {
	return func(f *File) {
		if now != nil {
			f.now = now
		}
	}
}

func New(target domain.StreamTarget, store ports.PieceStore, cfg Config, opts ...Option) *File {
	if cfg.MinDeadline <= 0 {
		cfg.MinDeadline = DefaultConfig().MinDeadline
	}
	if cfg.MaxDeadline < cfg.MinDeadline {
		cfg.MaxDeadline = cfg.MinDeadline
	}
	if cfg.ReadaheadBytes < 0 {
		cfg.ReadaheadBytes = 0
	}
	f := &File{
		target:   target,
		store:    store,
		cfg:      cfg,
		mimeType: contentType(target.File.Path),
		logger:   slog.Default(),
		now:      time.Now,
		requests: make(map[Handle]*ReadRequest),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(
		slog.String("torrentId", string(target.TorrentID)),
		slog.Int("fileIndex", target.File.Index),
	)
	return f
}

func (f *File) Target() domain.StreamTarget { return f.target }
func (f *File) Name() string                { return f.target.DisplayName() }
func (f *File) MimeType() string            { return f.mimeType }
func (f *File) Size() int64                 { return f.target.File.Length }
func (f *File) PieceLength() int64          { return f.target.PieceLength }

// LastPiece is the index of the last piece holding bytes of the file.
func (f *File) LastPiece() int {
	size := f.Size()
	if size <= 0 {
		return domain.PieceAt(f.target.File.Offset, f.target.PieceLength, 0)
	}
	return domain.PieceAt(f.target.File.Offset, f.target.PieceLength, size-1)
}

// Done is closed once the file has been destroyed.
func (f *File) Done() <-chan struct{} { return f.done }

func (f *File) ActiveReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type readOptions struct {
	onAbort func(error)
}

type ReadOption func(*readOptions)

// WithAbortHandler registers fn to be called when the File is destroyed
// while the request is still live.
func WithAbortHandler(fn func(error)) ReadOption {
	return func(o *readOptions) {
		o.onAbort = fn
	}
}

// Read opens a sequential read of length bytes starting at pos and issues its
// first piece fetch. ctx bounds the whole request: cancelling it has the same
// effect as Close.
func (f *File) Read(ctx context.Context, pos, length int64, opts ...ReadOption) (*ReadRequest, error) {
	if pos < 0 || length <= 0 || pos+length > f.Size() {
		return nil, fmt.Errorf("%w: %d+%d of %d", ErrInvalidRange, pos, length, f.Size())
	}
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil, ErrResourceDestroyed
	}
	f.nextID++
	r := newReadRequest(ctx, f, f.nextID, pos, length, o.onAbort)
	f.requests[r.handle] = r
	f.mu.Unlock()

	metrics.StreamReadRequests.Inc()
	f.logger.Debug("read request opened",
		slog.Uint64("handle", uint64(r.handle)),
		slog.Int64("position", pos),
		slog.String("length", humanize.IBytes(uint64(length))),
	)
	r.start()
	return r, nil
}

// Destroy ends every live read request with ErrResourceDestroyed, invoking
// their abort handlers, and rejects further reads.
func (f *File) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	live := make([]*ReadRequest, 0, len(f.requests))
	for _, r := range f.requests {
		live = append(live, r)
	}
	f.requests = make(map[Handle]*ReadRequest)
	close(f.done)
	f.mu.Unlock()

	for _, r := range live {
		r.terminate(ErrResourceDestroyed, true)
	}
	f.logger.Debug("stream resource destroyed", slog.Int("abortedReads", len(live)))
}

func (f *File) forget(h Handle) {
	f.mu.Lock()
	delete(f.requests, h)
	f.mu.Unlock()
}

// deadlineFor shrinks the deadline as the consumer waits longer since its
// last block. A reader that has never been fed gets MinDeadline.
func (f *File) deadlineFor(lastFeed time.Time) time.Duration {
	if lastFeed.IsZero() {
		return f.cfg.MinDeadline
	}
	d := f.cfg.MaxDeadline - f.now().Sub(lastFeed)
	if d < f.cfg.MinDeadline {
		return f.cfg.MinDeadline
	}
	if d > f.cfg.MaxDeadline {
		return f.cfg.MaxDeadline
	}
	return d
}

// readaheadPieces is the number of pieces covered by the read-ahead budget.
func (f *File) readaheadPieces() int {
	pl := f.PieceLength()
	if pl <= 0 || f.cfg.ReadaheadBytes <= 0 {
		return 0
	}
	return int((f.cfg.ReadaheadBytes + pl - 1) / pl)
}

func contentType(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := fallbackContentType(ext); ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// fallbackContentType covers media types that system mime tables often lack.
func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".ts":
		return "video/mp2t"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".srt":
		return "application/x-subrip"
	default:
		return ""
	}
}
