package usecase

import (
	"context"
	"errors"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

type streamURLResolver interface {
	URL(ctx context.Context, id domain.TorrentID, fileIndex int) (string, error)
}

// StreamURL resolves the stream server address of one file. A torrent known
// only to the repository is re-opened first.
type StreamURL struct {
	Engine  ports.Engine
	Repo    ports.TorrentRepository
	Streams streamURLResolver
}

func (uc StreamURL) Execute(ctx context.Context, id domain.TorrentID, fileIndex int) (string, error) {
	if uc.Engine == nil || uc.Streams == nil {
		return "", errors.New("stream url not configured")
	}

	session, err := uc.session(ctx, id)
	if err != nil {
		return "", err
	}
	if !session.Ready() {
		return "", ErrNotReady
	}
	if fileIndex < 0 || fileIndex >= len(session.Files()) {
		return "", ErrInvalidFileIndex
	}

	url, err := uc.Streams.URL(ctx, id, fileIndex)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", wrapEngine(err)
	}
	return url, nil
}

func (uc StreamURL) session(ctx context.Context, id domain.TorrentID) (ports.Session, error) {
	session, err := uc.Engine.GetSession(ctx, id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, wrapEngine(err)
	}
	if uc.Repo == nil {
		return nil, err
	}

	record, repoErr := uc.Repo.Get(ctx, id)
	if repoErr != nil {
		if errors.Is(repoErr, domain.ErrNotFound) {
			return nil, repoErr
		}
		return nil, wrapRepo(repoErr)
	}
	session, err = openSessionFromRecord(ctx, uc.Engine, record)
	if err != nil {
		if errors.Is(err, errMissingSource) {
			return nil, domain.ErrNotFound
		}
		return nil, wrapEngine(err)
	}
	return session, nil
}
