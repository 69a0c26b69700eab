package domain

import "strings"

// PieceFileInfo locates a slice of file content inside a single piece.
type PieceFileInfo struct {
	Index  int
	Start  int64
	Length int64
}

// StreamTarget is everything the streaming layer needs to know about one file
// of a torrent.
type StreamTarget struct {
	TorrentID   TorrentID
	TorrentName string
	File        FileRef
	PieceLength int64
	NumPieces   int
}

// DisplayName is "<torrent name>/<file path>", or just the path when it is
// already rooted at the torrent name.
func (t StreamTarget) DisplayName() string {
	name := t.TorrentName
	if name == "" || t.File.Path == name || strings.HasPrefix(t.File.Path, name+"/") {
		return t.File.Path
	}
	return name + "/" + t.File.Path
}

// MapFileRange maps length bytes at offset (relative to the start of a file
// beginning at fileOffset in the torrent) onto the piece holding the first of
// those bytes. The returned length is clipped to the end of that piece.
func MapFileRange(fileOffset, pieceLength, offset, length int64) PieceFileInfo {
	if pieceLength <= 0 || length <= 0 {
		return PieceFileInfo{Index: -1}
	}
	abs := fileOffset + offset
	start := abs % pieceLength
	n := pieceLength - start
	if length < n {
		n = length
	}
	return PieceFileInfo{
		Index:  int(abs / pieceLength),
		Start:  start,
		Length: n,
	}
}

// PieceAt returns the index of the piece holding byte offset of a file.
func PieceAt(fileOffset, pieceLength, offset int64) int {
	if pieceLength <= 0 {
		return -1
	}
	return int((fileOffset + offset) / pieceLength)
}
