package usecase

import (
	"context"
	"strings"
	"time"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

// CreateTorrent adds a torrent to the engine and persists its source so it
// can be re-opened after a restart. Repo may be nil.
type CreateTorrent struct {
	Engine ports.Engine
	Repo   ports.TorrentRepository
	Now    func() time.Time
}

type CreateTorrentInput struct {
	Source domain.TorrentSource
	Name   string
}

func (uc CreateTorrent) Execute(ctx context.Context, input CreateTorrentInput) (domain.TorrentRecord, error) {
	if err := validateSource(input.Source); err != nil {
		return domain.TorrentRecord{}, err
	}

	now := time.Now
	if uc.Now != nil {
		now = uc.Now
	}

	session, err := uc.Engine.Open(ctx, input.Source)
	if err != nil {
		return domain.TorrentRecord{}, wrapEngine(err)
	}

	// Adding a torrent twice returns the stored record.
	if uc.Repo != nil {
		if existing, getErr := uc.Repo.Get(ctx, session.ID()); getErr == nil {
			return existing, nil
		}
	}

	files := session.Files()
	status := domain.TorrentActive
	if len(files) == 0 {
		status = domain.TorrentPending
	}

	name := input.Name
	if name == "" {
		name = session.Name()
	}
	if name == "" {
		name = deriveName(files)
	}

	infoHash := parseInfoHash(input.Source.Magnet)
	if infoHash == "" {
		infoHash = domain.InfoHash(session.ID())
	}

	record := domain.TorrentRecord{
		ID:         session.ID(),
		Name:       name,
		Status:     status,
		InfoHash:   infoHash,
		Source:     input.Source,
		Files:      files,
		TotalBytes: sumFileLengths(files),
		CreatedAt:  now(),
		UpdatedAt:  now(),
	}

	if uc.Repo == nil {
		return record, nil
	}
	if err := uc.Repo.Create(ctx, record); err != nil {
		_ = uc.Engine.RemoveSession(ctx, record.ID)
		return domain.TorrentRecord{}, wrapRepo(err)
	}
	return record, nil
}

func validateSource(src domain.TorrentSource) error {
	hasMagnet := strings.TrimSpace(src.Magnet) != ""
	hasTorrent := strings.TrimSpace(src.Torrent) != ""
	if hasMagnet == hasTorrent {
		return ErrInvalidSource
	}
	return nil
}

func sumFileLengths(files []domain.FileRef) int64 {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	return total
}

func deriveName(files []domain.FileRef) string {
	if len(files) == 0 {
		return ""
	}
	parts := splitPathParts(files[0].Path)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func splitPathParts(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}

func parseInfoHash(magnet string) domain.InfoHash {
	magnet = strings.TrimSpace(magnet)
	if magnet == "" {
		return ""
	}

	lower := strings.ToLower(magnet)
	idx := strings.Index(lower, "xt=urn:btih:")
	if idx == -1 {
		return ""
	}

	start := idx + len("xt=urn:btih:")
	rest := magnet[start:]
	if rest == "" {
		return ""
	}

	end := strings.Index(rest, "&")
	if end == -1 {
		return domain.InfoHash(rest)
	}
	return domain.InfoHash(rest[:end])
}
