package anacrolix

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

var ErrSessionNotFound = domain.ErrNotFound

// ErrSessionLimitReached is returned when the maximum number of sessions is
// reached and no session can be evicted.
var ErrSessionLimitReached = errors.New("session limit reached")

// ErrMetadataPending is returned for files of a torrent whose metadata has
// not arrived yet.
var ErrMetadataPending = fmt.Errorf("%w: torrent metadata not available yet", domain.ErrNotFound)

type Config struct {
	DataDir     string
	MaxSessions int // 0 = unlimited
	Logger      *slog.Logger
}

type Engine struct {
	client        *torrent.Client
	logger        *slog.Logger
	sessions      map[domain.TorrentID]*torrent.Torrent
	stores        map[domain.TorrentID]*pieceStore
	peakCompleted map[domain.TorrentID]int64       // high-water mark for BytesCompleted per torrent
	peakBitfield  map[domain.TorrentID][]byte      // high-water mark for piece completion bitfield
	lastAccess    map[domain.TorrentID]time.Time // LRU tracking for session eviction
	removing      map[domain.TorrentID]struct{}  // removal started, hooks may be running
	mu            sync.RWMutex
	speedMu       sync.Mutex
	speeds        map[domain.TorrentID]speedSample
	hookMu        sync.RWMutex
	removeHooks   []ports.RemoveHook
	maxSessions   int
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	e := NewWithClient(client, cfg.Logger)
	e.maxSessions = cfg.MaxSessions
	return e, nil
}

func NewWithClient(client *torrent.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:        client,
		logger:        logger,
		sessions:      make(map[domain.TorrentID]*torrent.Torrent),
		stores:        make(map[domain.TorrentID]*pieceStore),
		peakCompleted: make(map[domain.TorrentID]int64),
		peakBitfield:  make(map[domain.TorrentID][]byte),
		lastAccess:    make(map[domain.TorrentID]time.Time),
		removing:      make(map[domain.TorrentID]struct{}),
		speeds:        make(map[domain.TorrentID]speedSample),
	}
}

// OnRemove registers a hook run before a torrent is dropped, whether it is
// removed explicitly, evicted or abandoned for lack of metadata.
func (e *Engine) OnRemove(hook ports.RemoveHook) {
	if hook == nil {
		return
	}
	e.hookMu.Lock()
	e.removeHooks = append(e.removeHooks, hook)
	e.hookMu.Unlock()
}

func (e *Engine) notifyRemove(id domain.TorrentID) {
	e.hookMu.RLock()
	hooks := append([]ports.RemoveHook(nil), e.removeHooks...)
	e.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(id)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// addMagnetTimeout caps the time we wait for the anacrolix client to accept
// a magnet link. AddMagnet can block on an internal client mutex when the
// client is busy (e.g. resolving metadata for another torrent).
const (
	addMagnetTimeout    = 10 * time.Second
	infoWaitTimeout     = 5 * time.Second
	metadataWaitTimeout = 10 * time.Minute
)

func (e *Engine) Open(ctx context.Context, src domain.TorrentSource) (ports.Session, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}
	if src.Magnet == "" && src.Torrent == "" {
		return nil, errors.New("empty torrent source")
	}

	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		if src.Magnet != "" {
			t, err = e.client.AddMagnet(src.Magnet)
		} else {
			t, err = e.client.AddTorrentFromFile(src.Torrent)
		}
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		t = res.t
	case <-time.After(addMagnetTimeout):
		// AddMagnet may still complete after we return.
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}

	id := domain.TorrentID(t.InfoHash().HexString())

	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.lastAccess[id] = time.Now().UTC()
		e.mu.Unlock()
		return newSession(t, id), nil
	}

	var evictedTorrent *torrent.Torrent
	var evictedID domain.TorrentID
	if e.maxSessions > 0 && len(e.sessions) >= e.maxSessions {
		et, eid, err := e.evictLRUSessionLocked()
		if err != nil {
			e.mu.Unlock()
			t.Drop()
			return nil, ErrSessionLimitReached
		}
		evictedTorrent = et
		evictedID = eid
	}

	e.sessions[id] = t
	e.lastAccess[id] = time.Now().UTC()
	e.mu.Unlock()

	if evictedTorrent != nil {
		e.logger.Info("evicting least recently used session",
			slog.String("torrentId", string(evictedID)),
			slog.Int("maxSessions", e.maxSessions),
		)
		e.notifyRemove(evictedID)
		e.forgetSpeed(evictedID)
		evictedTorrent.Drop()
	}

	shortCtx, cancel := context.WithTimeout(ctx, infoWaitTimeout)
	defer cancel()

	select {
	case <-t.GotInfo():
		t.DownloadAll()
	case <-shortCtx.Done():
		go e.waitForInfo(t, id)
	}
	return newSession(t, id), nil
}

// waitForInfo blocks until torrent metadata is available. Torrents without
// metadata after metadataWaitTimeout are dropped.
func (e *Engine) waitForInfo(t *torrent.Torrent, id domain.TorrentID) {
	select {
	case <-t.GotInfo():
	case <-time.After(metadataWaitTimeout):
		e.logger.Warn("dropping torrent without metadata",
			slog.String("torrentId", string(id)),
			slog.Duration("waited", metadataWaitTimeout),
		)
		_ = e.dropTorrent(id, t)
		return
	}

	e.mu.RLock()
	_, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return
	}
	t.DownloadAll()
	e.logger.Info("torrent metadata received",
		slog.String("torrentId", string(id)),
		slog.String("name", t.Name()),
		slog.Int("files", len(t.Files())),
	)
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func (e *Engine) GetSessionState(ctx context.Context, id domain.TorrentID) (domain.SessionState, error) {
	t := e.getTorrent(id)
	if t == nil {
		return domain.SessionState{}, ErrSessionNotFound
	}

	if !torrentInfoReady(t) {
		stats := t.Stats()
		return domain.SessionState{
			ID:        id,
			Status:    domain.TorrentPending,
			Peers:     stats.ActivePeers,
			UpdatedAt: time.Now().UTC(),
		}, nil
	}

	length := t.Length()
	completed := t.BytesCompleted()

	// After a restart anacrolix re-verifies pieces from disk and
	// BytesCompleted can temporarily drop below the peak.
	e.mu.Lock()
	if completed > e.peakCompleted[id] {
		e.peakCompleted[id] = completed
	} else {
		completed = e.peakCompleted[id]
	}
	e.mu.Unlock()

	progress := float64(0)
	if length > 0 {
		progress = float64(completed) / float64(length)
	}

	status := domain.TorrentActive
	if length > 0 && completed >= length {
		status = domain.TorrentCompleted
	}

	stats := t.Stats()
	downloadSpeed, uploadSpeed := e.sampleSpeed(id, stats, time.Now().UTC())

	numPieces, bitfield := pieceBitfield(t)
	if numPieces > 0 && bitfield != "" {
		if raw, err := base64.StdEncoding.DecodeString(bitfield); err == nil {
			e.mu.Lock()
			peak := e.peakBitfield[id]
			if len(peak) < len(raw) {
				extended := make([]byte, len(raw))
				copy(extended, peak)
				peak = extended
			}
			for i, b := range raw {
				peak[i] |= b
			}
			e.peakBitfield[id] = peak
			bitfield = base64.StdEncoding.EncodeToString(peak)
			e.mu.Unlock()
		}
	}

	return domain.SessionState{
		ID:            id,
		Name:          t.Name(),
		Status:        status,
		Progress:      progress,
		Peers:         stats.ActivePeers,
		DownloadSpeed: downloadSpeed,
		UploadSpeed:   uploadSpeed,
		Files:         mapFiles(t),
		PieceLength:   t.Info().PieceLength,
		NumPieces:     numPieces,
		PieceBitfield: bitfield,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (e *Engine) GetSession(ctx context.Context, id domain.TorrentID) (ports.Session, error) {
	t := e.getTorrent(id)
	if t == nil {
		return nil, ErrSessionNotFound
	}
	e.touchLastAccess(id)
	return newSession(t, id), nil
}

func (e *Engine) ListSessions(ctx context.Context) ([]domain.TorrentID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]domain.TorrentID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) RemoveSession(ctx context.Context, id domain.TorrentID) error {
	e.mu.RLock()
	t, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return e.dropTorrent(id, t)
}

// StreamTarget resolves a file of a torrent with metadata into its stream
// metadata and the piece store serving it. One store is kept per torrent.
func (e *Engine) StreamTarget(ctx context.Context, id domain.TorrentID, fileIndex int) (domain.StreamTarget, ports.PieceStore, error) {
	t := e.getTorrent(id)
	if t == nil {
		return domain.StreamTarget{}, nil, ErrSessionNotFound
	}
	if !torrentInfoReady(t) {
		return domain.StreamTarget{}, nil, ErrMetadataPending
	}
	e.touchLastAccess(id)

	files := mapFiles(t)
	if fileIndex < 0 || fileIndex >= len(files) {
		return domain.StreamTarget{}, nil, fmt.Errorf("%w: file index %d", domain.ErrNotFound, fileIndex)
	}

	e.mu.Lock()
	store, ok := e.stores[id]
	if !ok {
		store = newPieceStore(newTorrentPieces(t), files, t.Info().PieceLength, t.NumPieces())
		e.stores[id] = store
	}
	e.mu.Unlock()

	return domain.StreamTarget{
		TorrentID:   id,
		TorrentName: t.Name(),
		File:        files[fileIndex],
		PieceLength: store.PieceLength(),
		NumPieces:   store.NumPieces(),
	}, store, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (e *Engine) getTorrent(id domain.TorrentID) *torrent.Torrent {
	e.mu.RLock()
	t := e.sessions[id]
	_, removing := e.removing[id]
	e.mu.RUnlock()
	if t == nil || removing {
		return nil
	}
	select {
	case <-t.Closed():
		_ = e.dropTorrent(id, t)
		return nil
	default:
		return t
	}
}

// dropTorrent runs the remove hooks, forgets the session and drops the
// torrent. Hooks see the session still registered, but lookups through
// getTorrent already fail so no new stream can bind to it.
func (e *Engine) dropTorrent(id domain.TorrentID, t *torrent.Torrent) error {
	e.mu.Lock()
	if _, ok := e.removing[id]; ok {
		e.mu.Unlock()
		return nil
	}
	e.removing[id] = struct{}{}
	e.mu.Unlock()

	e.notifyRemove(id)

	e.mu.Lock()
	delete(e.removing, id)
	delete(e.sessions, id)
	delete(e.stores, id)
	delete(e.peakCompleted, id)
	delete(e.peakBitfield, id)
	delete(e.lastAccess, id)
	e.mu.Unlock()
	e.forgetSpeed(id)
	if t != nil {
		t.Drop()
	}
	e.logger.Info("torrent session removed", slog.String("torrentId", string(id)))
	// Return memory to the OS promptly after dropping a torrent session.
	freeOSMemory()
	return nil
}

func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

// pieceBitfield returns the total piece count and a base64-encoded bitfield
// where each bit represents whether the corresponding piece is complete.
func pieceBitfield(t *torrent.Torrent) (numPieces int, encoded string) {
	if !torrentInfoReady(t) {
		return 0, ""
	}
	n := t.NumPieces()
	if n <= 0 {
		return 0, ""
	}
	return n, encodeBitfield(n, func(i int) bool { return t.PieceState(i).Complete })
}

func encodeBitfield(n int, complete func(int) bool) string {
	buf := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if complete(i) {
			buf[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Offset:         f.Offset(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (e *Engine) sampleSpeed(id domain.TorrentID, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	e.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if !ok || prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := currentRead - prev.bytesRead
	deltaWritten := currentWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}

	download := int64(float64(deltaRead) / dt)
	upload := int64(float64(deltaWritten) / dt)
	return download, upload
}

func (e *Engine) forgetSpeed(id domain.TorrentID) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}

func (e *Engine) touchLastAccess(id domain.TorrentID) {
	e.mu.Lock()
	if _, ok := e.sessions[id]; ok {
		e.lastAccess[id] = time.Now().UTC()
	}
	e.mu.Unlock()
}

// evictLRUSessionLocked forgets the least recently used session and returns
// its torrent so the caller can drop it outside the lock. Caller must hold
// e.mu.
func (e *Engine) evictLRUSessionLocked() (*torrent.Torrent, domain.TorrentID, error) {
	var evictID domain.TorrentID
	var evictTime time.Time
	found := false

	for id := range e.sessions {
		accessed := e.lastAccess[id]
		if !found || accessed.Before(evictTime) {
			evictID = id
			evictTime = accessed
			found = true
		}
	}
	if !found {
		return nil, "", ErrSessionLimitReached
	}

	t := e.sessions[evictID]
	delete(e.sessions, evictID)
	delete(e.stores, evictID)
	delete(e.peakCompleted, evictID)
	delete(e.peakBitfield, evictID)
	delete(e.lastAccess, evictID)
	return t, evictID, nil
}
