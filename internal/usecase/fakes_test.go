package usecase

import (
	"context"
	"errors"
	"sync"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

type fakeEngine struct {
	mu          sync.Mutex
	openCalled  int
	openSources []domain.TorrentSource
	openErr     error
	session     *fakeSession
	sessions    map[domain.TorrentID]*fakeSession
	states      map[domain.TorrentID]domain.SessionState
	listErr     error
	stateErr    error
	removed     []domain.TorrentID
	removeErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[domain.TorrentID]*fakeSession),
		states:   make(map[domain.TorrentID]domain.SessionState),
	}
}

func (f *fakeEngine) Open(ctx context.Context, src domain.TorrentSource) (ports.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalled++
	f.openSources = append(f.openSources, src)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.session != nil {
		f.sessions[f.session.id] = f.session
		return f.session, nil
	}
	s := &fakeSession{id: domain.TorrentID(src.Magnet + src.Torrent), ready: true}
	f.sessions[s.id] = s
	return s, nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) GetSession(ctx context.Context, id domain.TorrentID) (ports.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeEngine) GetSessionState(ctx context.Context, id domain.TorrentID) (domain.SessionState, error) {
	if f.stateErr != nil {
		return domain.SessionState{}, f.stateErr
	}
	state, ok := f.states[id]
	if !ok {
		return domain.SessionState{}, domain.ErrNotFound
	}
	return state, nil
}

func (f *fakeEngine) ListSessions(ctx context.Context) ([]domain.TorrentID, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]domain.TorrentID, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeEngine) RemoveSession(ctx context.Context, id domain.TorrentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.sessions, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) OnRemove(hook ports.RemoveHook) {}

type fakeSession struct {
	id    domain.TorrentID
	name  string
	files []domain.FileRef
	ready bool
}

func (s *fakeSession) ID() domain.TorrentID    { return s.id }
func (s *fakeSession) Name() string            { return s.name }
func (s *fakeSession) Files() []domain.FileRef { return s.files }
func (s *fakeSession) Ready() bool             { return s.ready }

type fakeRepo struct {
	mu        sync.Mutex
	records   map[domain.TorrentID]domain.TorrentRecord
	created   []domain.TorrentRecord
	updated   []domain.TorrentRecord
	deleted   []domain.TorrentID
	createErr error
	getErr    error
	listErr   error
}

func newFakeRepo(records ...domain.TorrentRecord) *fakeRepo {
	r := &fakeRepo{records: make(map[domain.TorrentID]domain.TorrentRecord)}
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
	return r
}

func (r *fakeRepo) Create(ctx context.Context, t domain.TorrentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.created = append(r.created, t)
	r.records[t.ID] = t
	return nil
}

func (r *fakeRepo) Update(ctx context.Context, t domain.TorrentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, t)
	r.records[t.ID] = t
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.TorrentRecord{}, r.getErr
	}
	rec, ok := r.records[id]
	if !ok {
		return domain.TorrentRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) List(ctx context.Context) ([]domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]domain.TorrentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id domain.TorrentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, id)
	r.deleted = append(r.deleted, id)
	return nil
}

type fakeStreams struct {
	url string
	err error
}

func (f fakeStreams) URL(ctx context.Context, id domain.TorrentID, fileIndex int) (string, error) {
	return f.url, f.err
}

var errBoom = errors.New("boom")
