package anacrolix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anacrolix/torrent"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

func newTestEngine() *Engine {
	return NewWithClient(nil, nil)
}

// ---------------------------------------------------------------------------
// Remove hooks
// ---------------------------------------------------------------------------

func TestDropTorrentRunsHooksBeforeForgetting(t *testing.T) {
	e := newTestEngine()
	e.sessions["t1"] = nil
	e.stores["t1"] = newPieceStore(&fakeSource{}, nil, 16, 1)
	e.lastAccess["t1"] = time.Now().UTC()

	var calls []domain.TorrentID
	stillKnown := false
	e.OnRemove(func(id domain.TorrentID) {
		calls = append(calls, id)
		e.mu.RLock()
		_, stillKnown = e.sessions[id]
		e.mu.RUnlock()
	})
	e.OnRemove(nil)

	if err := e.dropTorrent("t1", nil); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "t1" {
		t.Fatalf("hook calls = %v, want [t1]", calls)
	}
	if !stillKnown {
		t.Fatal("hook should run while the session is still registered")
	}
	if _, ok := e.sessions["t1"]; ok {
		t.Fatal("session should be forgotten")
	}
	if _, ok := e.stores["t1"]; ok {
		t.Fatal("piece store should be forgotten")
	}
	if _, ok := e.lastAccess["t1"]; ok {
		t.Fatal("lastAccess should be forgotten")
	}
}

func TestDropTorrentHidesSessionFromHooks(t *testing.T) {
	e := newTestEngine()
	e.sessions["t1"] = new(torrent.Torrent)

	hookCalls := 0
	var targetErr error
	e.OnRemove(func(id domain.TorrentID) {
		hookCalls++
		_, _, targetErr = e.StreamTarget(context.Background(), id, 0)
		// A second removal while the first is running is a no-op.
		_ = e.dropTorrent(id, nil)
	})

	if err := e.dropTorrent("t1", nil); err != nil {
		t.Fatal(err)
	}
	if hookCalls != 1 {
		t.Fatalf("hook calls = %d, want 1", hookCalls)
	}
	if !errors.Is(targetErr, ErrSessionNotFound) {
		t.Fatalf("StreamTarget during removal err = %v, want ErrSessionNotFound", targetErr)
	}
	if len(e.removing) != 0 {
		t.Fatalf("removing = %v, want empty", e.removing)
	}
}

func TestRemoveSessionUnknown(t *testing.T) {
	e := newTestEngine()
	hooked := false
	e.OnRemove(func(domain.TorrentID) { hooked = true })

	err := e.RemoveSession(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
	if hooked {
		t.Fatal("hook should not run for an unknown session")
	}
}

// ---------------------------------------------------------------------------
// Eviction
// ---------------------------------------------------------------------------

func TestEvictLRUSessionLocked_EmptySessions(t *testing.T) {
	e := newTestEngine()

	_, _, err := e.evictLRUSessionLocked()
	if err != ErrSessionLimitReached {
		t.Fatalf("expected ErrSessionLimitReached, got: %v", err)
	}
}

func TestEvictLRUSessionLocked_EvictsOldest(t *testing.T) {
	e := newTestEngine()
	now := time.Now().UTC()

	e.sessions["id1"] = nil
	e.lastAccess["id1"] = now.Add(-5 * time.Minute)
	e.sessions["id2"] = nil
	e.lastAccess["id2"] = now.Add(-15 * time.Minute)
	e.stores["id2"] = newPieceStore(&fakeSource{}, nil, 16, 1)
	e.sessions["id3"] = nil
	e.lastAccess["id3"] = now

	_, evictedID, err := e.evictLRUSessionLocked()
	if err != nil {
		t.Fatal(err)
	}
	if evictedID != "id2" {
		t.Fatalf("evictedID = %q, want id2", evictedID)
	}
	if _, ok := e.sessions["id2"]; ok {
		t.Fatal("evicted session should be removed from sessions map")
	}
	if _, ok := e.stores["id2"]; ok {
		t.Fatal("evicted session should be removed from stores map")
	}
	if len(e.sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(e.sessions))
	}
}

// ---------------------------------------------------------------------------
// Lookups without a client
// ---------------------------------------------------------------------------

func TestOpenWithoutClient(t *testing.T) {
	e := newTestEngine()
	_, err := e.Open(context.Background(), domain.TorrentSource{Magnet: "magnet:?xt=urn:btih:abc"})
	if err == nil {
		t.Fatal("expected error without a torrent client")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e := newTestEngine()
	if _, err := e.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
	if _, err := e.GetSessionState(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got: %v", err)
	}
}

func TestStreamTargetNotFound(t *testing.T) {
	e := newTestEngine()
	_, _, err := e.StreamTarget(context.Background(), "missing", 0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected domain.ErrNotFound, got: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	e := newTestEngine()
	ids, err := e.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty list, got %v", ids)
	}

	e.sessions["a"] = nil
	e.sessions["b"] = nil
	ids, _ = e.ListSessions(context.Background())
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
}

func TestCloseNilClient(t *testing.T) {
	e := &Engine{}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() with nil client should succeed, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// touchLastAccess
// ---------------------------------------------------------------------------

func TestTouchLastAccess(t *testing.T) {
	e := newTestEngine()
	e.sessions["t1"] = nil
	before := time.Now().UTC()

	e.touchLastAccess("t1")

	after := time.Now().UTC()
	accessed := e.lastAccess["t1"]
	if accessed.Before(before) || accessed.After(after) {
		t.Fatalf("touchLastAccess time %v not between %v and %v", accessed, before, after)
	}
}

func TestTouchLastAccessMissing(t *testing.T) {
	e := newTestEngine()
	e.touchLastAccess("missing")
	if _, ok := e.lastAccess["missing"]; ok {
		t.Fatal("touchLastAccess should not create entry for missing session")
	}
}

// ---------------------------------------------------------------------------
// Bitfield
// ---------------------------------------------------------------------------

func TestEncodeBitfield(t *testing.T) {
	// pieces 0, 2 and 9 complete -> 1010 0000 | 0100 0000
	done := map[int]bool{0: true, 2: true, 9: true}
	got := encodeBitfield(10, func(i int) bool { return done[i] })
	if got != "oEA=" {
		t.Fatalf("encodeBitfield = %q, want oEA=", got)
	}
}

// ---------------------------------------------------------------------------
// Session struct
// ---------------------------------------------------------------------------

func TestSessionID(t *testing.T) {
	s := &Session{id: domain.TorrentID("abc123")}
	if s.ID() != "abc123" {
		t.Fatalf("ID() = %q, want abc123", s.ID())
	}
}

func TestSessionFilesReturnsDefensiveCopy(t *testing.T) {
	s := &Session{
		ready: true,
		files: []domain.FileRef{{Index: 0, Path: "test.mkv", Length: 1024}},
	}
	files := s.Files()
	if len(files) != 1 || files[0].Path != "test.mkv" {
		t.Fatalf("unexpected files: %v", files)
	}
	files[0].Path = "modified"
	if s.files[0].Path != "test.mkv" {
		t.Fatal("Files() should return a defensive copy")
	}
}

func TestSessionNilTorrent(t *testing.T) {
	s := newSession(nil, "t1")
	if s.Ready() {
		t.Fatal("Ready() should be false for nil torrent")
	}
	if s.Name() != "" {
		t.Fatalf("Name() = %q, want empty", s.Name())
	}
	if len(s.Files()) != 0 {
		t.Fatal("Files() should be empty before metadata")
	}
}

// ---------------------------------------------------------------------------
// Interface conformance
// ---------------------------------------------------------------------------

func TestEngineImplementsPorts(t *testing.T) {
	var _ ports.Engine = (*Engine)(nil)
	var _ ports.StreamCatalog = (*Engine)(nil)
	var _ ports.PieceStore = (*pieceStore)(nil)
}

func TestSessionImplementsPortsSession(t *testing.T) {
	var _ ports.Session = (*Session)(nil)
}

// ---------------------------------------------------------------------------
// Speed sampling edge cases
// ---------------------------------------------------------------------------

func TestSampleSpeedNegativeDeltaClamped(t *testing.T) {
	e := &Engine{speeds: make(map[domain.TorrentID]speedSample)}
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = e.sampleSpeed("t1", statsWithCounts(1000, 500), start)

	next := start.Add(1 * time.Second)
	download, upload := e.sampleSpeed("t1", statsWithCounts(50, 20), next)
	if download != 0 || upload != 0 {
		t.Fatalf("speeds = %d/%d, want 0/0 after counter reset", download, upload)
	}
}

func TestForgetSpeed(t *testing.T) {
	e := &Engine{speeds: make(map[domain.TorrentID]speedSample)}
	_, _ = e.sampleSpeed("t1", torrent.TorrentStats{}, time.Now())
	e.forgetSpeed("t1")
	if _, ok := e.speeds["t1"]; ok {
		t.Fatal("forgetSpeed should remove the sample")
	}
}
