package ports

import (
	"context"

	"piecestream/internal/domain"
)

type TorrentRepository interface {
	Create(ctx context.Context, t domain.TorrentRecord) error
	Update(ctx context.Context, t domain.TorrentRecord) error
	Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error)
	List(ctx context.Context) ([]domain.TorrentRecord, error)
	Delete(ctx context.Context, id domain.TorrentID) error
}
