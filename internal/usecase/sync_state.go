package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

// SyncState copies engine state into stored records: the status, and the
// name and file list once metadata has arrived.
type SyncState struct {
	Engine   ports.Engine
	Repo     ports.TorrentRepository
	Logger   *slog.Logger
	Interval time.Duration
}

func (s SyncState) Run(ctx context.Context) {
	if s.Repo == nil {
		return
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

func (s SyncState) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s SyncState) sync(ctx context.Context) {
	ids, err := s.Engine.ListSessions(ctx)
	if err != nil {
		s.logger().Warn("sync: list sessions failed", slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}

	records, err := s.Repo.List(ctx)
	if err != nil {
		s.logger().Warn("sync: fetch records failed", slog.String("error", err.Error()))
		return
	}

	recordMap := make(map[domain.TorrentID]domain.TorrentRecord, len(records))
	for _, r := range records {
		recordMap[r.ID] = r
	}

	now := time.Now().UTC()

	for _, id := range ids {
		record, ok := recordMap[id]
		if !ok {
			continue
		}

		state, err := s.Engine.GetSessionState(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.logger().Warn("sync: get session state failed",
				slog.String("id", string(id)),
				slog.String("error", err.Error()))
			continue
		}

		changed := false

		if state.Status != record.Status {
			record.Status = state.Status
			changed = true
		}

		if len(state.Files) > 0 && len(state.Files) != len(record.Files) {
			record.Files = state.Files
			record.TotalBytes = sumFileLengths(state.Files)
			changed = true
		} else if len(state.Files) > 0 {
			for i, sf := range state.Files {
				if record.Files[i].BytesCompleted != sf.BytesCompleted {
					record.Files[i].BytesCompleted = sf.BytesCompleted
					changed = true
				}
			}
		}

		// Pending torrents are stored without a name.
		if record.Name == "" {
			name := state.Name
			if name == "" {
				name = deriveName(state.Files)
			}
			if name != "" {
				record.Name = name
				changed = true
			}
		}

		if !changed {
			continue
		}

		record.UpdatedAt = now
		if err := s.Repo.Update(ctx, record); err != nil {
			s.logger().Warn("sync: update record failed",
				slog.String("id", string(id)),
				slog.String("error", err.Error()))
		}
	}
}
