package ports

import (
	"context"
	"time"

	"piecestream/internal/domain"
)

// PieceResult is the single completion of an asynchronous piece call.
type PieceResult struct {
	Index int
	Data  []byte
	Err   error
}

// PieceStore is the streaming view of one torrent's pieces.
//
// Every call returning a channel delivers exactly one PieceResult on it, even
// when ctx is cancelled. Deadline calls must be idempotent and are undone with
// ResetPieceDeadline.
type PieceStore interface {
	MapFile(fileIndex int, offset, length int64) (domain.PieceFileInfo, error)
	HavePiece(index int) bool
	ReadPiece(ctx context.Context, index int) <-chan PieceResult
	// SetPieceDeadline asks for piece index within roughly deadline. When
	// alert is set the piece data is delivered on the returned channel once
	// available; otherwise the returned channel is nil.
	SetPieceDeadline(ctx context.Context, index int, deadline time.Duration, alert bool) <-chan PieceResult
	ResetPieceDeadline(index int)
	FileSize(fileIndex int) int64
	PieceLength() int64
	NumPieces() int
}
