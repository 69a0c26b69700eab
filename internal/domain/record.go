package domain

import (
	"errors"
	"time"
)

// TorrentRecord is the persisted form of a torrent added through the API. It
// is enough to re-open the torrent after a restart.
type TorrentRecord struct {
	ID         TorrentID     `json:"id"`
	Name       string        `json:"name"`
	Status     TorrentStatus `json:"status"`
	InfoHash   InfoHash      `json:"infoHash"`
	Source     TorrentSource `json:"-"`
	Files      []FileRef     `json:"files"`
	TotalBytes int64         `json:"totalBytes"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

func (r TorrentRecord) Validate() error {
	if r.ID == "" {
		return errors.New("torrent id is required")
	}
	if r.TotalBytes < 0 {
		return errors.New("totalBytes must not be negative")
	}
	if r.Source.Magnet == "" && r.Source.Torrent == "" {
		return errors.New("torrent source is required")
	}
	switch r.Status {
	case TorrentPending, TorrentActive, TorrentCompleted:
	case "":
		return errors.New("status is required")
	default:
		return errors.New("invalid status: " + string(r.Status))
	}
	return nil
}
