package anacrolix

import (
	"sync"

	"github.com/anacrolix/torrent"

	"piecestream/internal/domain"
)

type Session struct {
	torrent *torrent.Torrent
	id      domain.TorrentID

	mu    sync.Mutex
	files []domain.FileRef
	ready bool
}

func newSession(t *torrent.Torrent, id domain.TorrentID) *Session {
	return &Session{torrent: t, id: id, files: mapFiles(t), ready: torrentInfoReady(t)}
}

func (s *Session) ID() domain.TorrentID {
	return s.id
}

// Name is the torrent's display name, empty until metadata arrives.
func (s *Session) Name() string {
	if !s.Ready() {
		return ""
	}
	return s.torrent.Name()
}

func (s *Session) Files() []domain.FileRef {
	// Metadata may have arrived since the session was created.
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FileRef(nil), s.files...)
}

func (s *Session) Ready() bool {
	s.refresh()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready || !torrentInfoReady(s.torrent) {
		return
	}
	s.files = mapFiles(s.torrent)
	s.ready = true
}
