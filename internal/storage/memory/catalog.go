package memory

import (
	"context"
	"sync"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

// Catalog is a ports.StreamCatalog over in-memory torrents.
type Catalog struct {
	mu       sync.RWMutex
	torrents map[domain.TorrentID]catalogEntry
}

type catalogEntry struct {
	name  string
	store *PieceStore
}

func NewCatalog() *Catalog {
	return &Catalog{torrents: make(map[domain.TorrentID]catalogEntry)}
}

func (c *Catalog) Add(id domain.TorrentID, name string, store *PieceStore) {
	c.mu.Lock()
	c.torrents[id] = catalogEntry{name: name, store: store}
	c.mu.Unlock()
}

func (c *Catalog) Remove(id domain.TorrentID) {
	c.mu.Lock()
	delete(c.torrents, id)
	c.mu.Unlock()
}

func (c *Catalog) StreamTarget(ctx context.Context, id domain.TorrentID, fileIndex int) (domain.StreamTarget, ports.PieceStore, error) {
	c.mu.RLock()
	entry, ok := c.torrents[id]
	c.mu.RUnlock()
	if !ok {
		return domain.StreamTarget{}, nil, domain.ErrNotFound
	}
	files := entry.store.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return domain.StreamTarget{}, nil, domain.ErrNotFound
	}
	return domain.StreamTarget{
		TorrentID:   id,
		TorrentName: entry.name,
		File:        files[fileIndex],
		PieceLength: entry.store.PieceLength(),
		NumPieces:   entry.store.NumPieces(),
	}, entry.store, nil
}
