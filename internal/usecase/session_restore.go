package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/semaphore"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

var errMissingSource = errors.New("torrent source not available")

func openSessionFromRecord(ctx context.Context, engine ports.Engine, record domain.TorrentRecord) (ports.Session, error) {
	if !hasSource(record.Source) {
		return nil, errMissingSource
	}
	return engine.Open(ctx, record.Source)
}

func hasSource(src domain.TorrentSource) bool {
	return strings.TrimSpace(src.Magnet) != "" || strings.TrimSpace(src.Torrent) != ""
}

const defaultRestoreConcurrency = 4

// RestoreTorrents re-opens every stored torrent. At most Concurrency opens
// run at once since each may wait on metadata.
type RestoreTorrents struct {
	Engine      ports.Engine
	Repo        ports.TorrentRepository
	Logger      *slog.Logger
	Concurrency int64
}

// Execute returns the number of torrents re-opened.
func (uc RestoreTorrents) Execute(ctx context.Context) (int, error) {
	if uc.Repo == nil {
		return 0, nil
	}
	logger := uc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	records, err := uc.Repo.List(ctx)
	if err != nil {
		return 0, wrapRepo(err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	logger.Info("restoring torrents", slog.Int("count", len(records)))

	limit := uc.Concurrency
	if limit <= 0 {
		limit = defaultRestoreConcurrency
	}
	sem := semaphore.NewWeighted(limit)
	results := make(chan bool, len(records))
	started := 0

	for _, rec := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		started++
		go func(rec domain.TorrentRecord) {
			defer sem.Release(1)
			if _, err := openSessionFromRecord(ctx, uc.Engine, rec); err != nil {
				logger.Warn("restore: open failed",
					slog.String("id", string(rec.ID)),
					slog.String("error", err.Error()),
				)
				results <- false
				return
			}
			logger.Info("restored torrent", slog.String("id", string(rec.ID)), slog.String("name", rec.Name))
			results <- true
		}(rec)
	}

	restored := 0
	for i := 0; i < started; i++ {
		if <-results {
			restored++
		}
	}
	return restored, ctx.Err()
}
