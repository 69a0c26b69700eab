package domain

import "time"

type SessionState struct {
	ID            TorrentID     `json:"id"`
	Name          string        `json:"name,omitempty"`
	Status        TorrentStatus `json:"status"`
	Progress      float64       `json:"progress"`
	Peers         int           `json:"peers"`
	DownloadSpeed int64         `json:"downloadSpeed"`
	UploadSpeed   int64         `json:"uploadSpeed"`
	Files         []FileRef     `json:"files,omitempty"`
	PieceLength   int64         `json:"pieceLength,omitempty"`
	NumPieces     int           `json:"numPieces,omitempty"`
	PieceBitfield string        `json:"pieceBitfield,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}
