package usecase

import (
	"context"
	"errors"
	"sort"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

type GetTorrentState struct {
	Engine ports.Engine
}

func (uc GetTorrentState) Execute(ctx context.Context, id domain.TorrentID) (domain.SessionState, error) {
	if uc.Engine == nil {
		return domain.SessionState{}, errors.New("engine not configured")
	}
	state, err := uc.Engine.GetSessionState(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SessionState{}, err
		}
		return domain.SessionState{}, wrapEngine(err)
	}
	return state, nil
}

// ListTorrentStates returns the state of every session, ordered by id.
// Sessions removed while listing are skipped.
type ListTorrentStates struct {
	Engine ports.Engine
}

func (uc ListTorrentStates) Execute(ctx context.Context) ([]domain.SessionState, error) {
	if uc.Engine == nil {
		return nil, errors.New("engine not configured")
	}
	ids, err := uc.Engine.ListSessions(ctx)
	if err != nil {
		return nil, wrapEngine(err)
	}
	states := make([]domain.SessionState, 0, len(ids))
	for _, id := range ids {
		state, err := uc.Engine.GetSessionState(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, wrapEngine(err)
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}
