package anacrolix

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

// pieceSource is the part of a torrent the piece store drives.
type pieceSource interface {
	PieceComplete(index int) bool
	SetPiecePriority(index int, prio torrent.PiecePriority)
	ReadPiece(ctx context.Context, index int) ([]byte, error)
}

// pieceReader is the subset of torrent.Reader used to fetch one piece.
type pieceReader interface {
	io.ReadSeekCloser
	SetContext(ctx context.Context)
	SetReadahead(n int64)
}

type torrentPieces struct {
	t           *torrent.Torrent
	pieceLength int64
	length      int64
	newReader   func() pieceReader
}

func newTorrentPieces(t *torrent.Torrent) torrentPieces {
	return torrentPieces{
		t:           t,
		pieceLength: t.Info().PieceLength,
		length:      t.Length(),
		newReader:   func() pieceReader { return t.NewReader() },
	}
}

func (p torrentPieces) PieceComplete(index int) bool {
	return p.t.PieceState(index).Complete
}

func (p torrentPieces) SetPiecePriority(index int, prio torrent.PiecePriority) {
	p.t.Piece(index).SetPriority(prio)
}

// ReadPiece blocks until the whole piece is verified and returns its bytes.
// The reader is left non-responsive: a responsive reader hands back short
// reads for pieces still downloading.
func (p torrentPieces) ReadPiece(ctx context.Context, index int) ([]byte, error) {
	off := int64(index) * p.pieceLength
	n := p.length - off
	if n > p.pieceLength {
		n = p.pieceLength
	}
	if index < 0 || n <= 0 {
		return nil, fmt.Errorf("piece %d outside torrent", index)
	}

	r := p.newReader()
	defer r.Close()
	r.SetContext(ctx)
	r.SetReadahead(0)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read piece %d: %w", index, err)
	}
	return buf, nil
}

// pieceStore implements ports.PieceStore on top of piece priorities. A
// deadline raises the piece priority in bands; the closer the deadline the
// higher the band. Resetting a boosted piece brings it back to Normal.
type pieceStore struct {
	src         pieceSource
	files       []domain.FileRef
	pieceLength int64
	numPieces   int

	mu      sync.Mutex
	boosted map[int]torrent.PiecePriority
}

func newPieceStore(src pieceSource, files []domain.FileRef, pieceLength int64, numPieces int) *pieceStore {
	return &pieceStore{
		src:         src,
		files:       files,
		pieceLength: pieceLength,
		numPieces:   numPieces,
		boosted:     make(map[int]torrent.PiecePriority),
	}
}

// deadlinePriority maps a fetch deadline onto an anacrolix priority band.
func deadlinePriority(d time.Duration) torrent.PiecePriority {
	switch {
	case d <= time.Second:
		return torrent.PiecePriorityNow
	case d <= 3*time.Second:
		return torrent.PiecePriorityNext
	case d <= 10*time.Second:
		return torrent.PiecePriorityReadahead
	default:
		return torrent.PiecePriorityHigh
	}
}

func (s *pieceStore) MapFile(fileIndex int, offset, length int64) (domain.PieceFileInfo, error) {
	if fileIndex < 0 || fileIndex >= len(s.files) {
		return domain.PieceFileInfo{}, fmt.Errorf("%w: file index %d", domain.ErrNotFound, fileIndex)
	}
	f := s.files[fileIndex]
	if offset < 0 || length <= 0 || offset+length > f.Length {
		return domain.PieceFileInfo{}, fmt.Errorf("range %d+%d outside file of %d bytes", offset, length, f.Length)
	}
	return domain.MapFileRange(f.Offset, s.pieceLength, offset, length), nil
}

func (s *pieceStore) HavePiece(index int) bool {
	if !s.valid(index) {
		return false
	}
	return s.src.PieceComplete(index)
}

func (s *pieceStore) ReadPiece(ctx context.Context, index int) <-chan ports.PieceResult {
	ch := make(chan ports.PieceResult, 1)
	if !s.valid(index) {
		ch <- ports.PieceResult{Index: index, Err: fmt.Errorf("%w: piece %d", domain.ErrNotFound, index)}
		return ch
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("piece read panic recovered",
					slog.Int("piece", index),
					slog.Any("error", r),
					slog.String("stack", string(debug.Stack())),
				)
				ch <- ports.PieceResult{Index: index, Err: fmt.Errorf("piece %d read panicked: %v", index, r)}
			}
		}()
		data, err := s.src.ReadPiece(ctx, index)
		ch <- ports.PieceResult{Index: index, Data: data, Err: err}
	}()
	return ch
}

// SetPieceDeadline only ever raises a piece's priority.
func (s *pieceStore) SetPieceDeadline(ctx context.Context, index int, deadline time.Duration, alert bool) <-chan ports.PieceResult {
	if s.valid(index) {
		prio := deadlinePriority(deadline)
		s.mu.Lock()
		cur, ok := s.boosted[index]
		raise := !ok || prio > cur
		if raise {
			s.boosted[index] = prio
		}
		s.mu.Unlock()
		if raise {
			s.src.SetPiecePriority(index, prio)
		}
	}
	if !alert {
		return nil
	}
	return s.ReadPiece(ctx, index)
}

func (s *pieceStore) ResetPieceDeadline(index int) {
	s.mu.Lock()
	_, ok := s.boosted[index]
	delete(s.boosted, index)
	s.mu.Unlock()
	if ok {
		s.src.SetPiecePriority(index, torrent.PiecePriorityNormal)
	}
}

func (s *pieceStore) FileSize(fileIndex int) int64 {
	if fileIndex < 0 || fileIndex >= len(s.files) {
		return -1
	}
	return s.files[fileIndex].Length
}

func (s *pieceStore) PieceLength() int64 { return s.pieceLength }

func (s *pieceStore) NumPieces() int { return s.numPieces }

func (s *pieceStore) valid(index int) bool {
	return index >= 0 && index < s.numPieces
}
