package domain

// TorrentID is the hex encoded info hash of a torrent known to the engine.
type TorrentID string

type InfoHash string

// TorrentSource describes where a torrent comes from. Exactly one of the
// fields is set.
type TorrentSource struct {
	Magnet  string `json:"magnet,omitempty"`
	Torrent string `json:"torrent,omitempty"`
}

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Offset         int64  `json:"offset"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}
