package ports

import (
	"context"

	"piecestream/internal/domain"
)

// RemoveHook is called with the identity of a torrent that is about to be
// removed from the engine. Hooks run before the torrent's data goes away.
type RemoveHook func(id domain.TorrentID)

type Engine interface {
	Open(ctx context.Context, src domain.TorrentSource) (Session, error)
	Close() error
	GetSession(ctx context.Context, id domain.TorrentID) (Session, error)
	GetSessionState(ctx context.Context, id domain.TorrentID) (domain.SessionState, error)
	ListSessions(ctx context.Context) ([]domain.TorrentID, error)
	RemoveSession(ctx context.Context, id domain.TorrentID) error
	OnRemove(hook RemoveHook)
}

// StreamCatalog resolves a (torrent, file) pair into its stream metadata and
// the piece store serving it.
type StreamCatalog interface {
	StreamTarget(ctx context.Context, id domain.TorrentID, fileIndex int) (domain.StreamTarget, PieceStore, error)
}
