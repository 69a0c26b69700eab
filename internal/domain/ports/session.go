package ports

import "piecestream/internal/domain"

type Session interface {
	ID() domain.TorrentID
	Name() string
	Files() []domain.FileRef
	Ready() bool
}
