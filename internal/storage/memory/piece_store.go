package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
)

var ErrPieceMissing = errors.New("piece not available")

// File is one file of an in-memory torrent.
type File struct {
	Path string
	Data []byte
}

// DeadlineCall records one SetPieceDeadline call.
type DeadlineCall struct {
	Index    int
	Deadline time.Duration
	Alert    bool
}

type waiter struct {
	ch   chan ports.PieceResult
	stop func() bool
}

// PieceStore is a ports.PieceStore over content held in memory. Pieces start
// missing unless WithAllPieces is used and become available through Complete.
// Every deadline, reset and read call is recorded for inspection.
type PieceStore struct {
	mu          sync.Mutex
	data        []byte
	files       []domain.FileRef
	pieceLength int64
	have        []bool
	failed      map[int]error
	waiters     map[int][]*waiter
	autoFetch   bool

	deadlines []DeadlineCall
	resets    []int
	reads     []int
}

type PieceStoreOption func(*PieceStore)

// WithAllPieces marks every piece as available.
func WithAllPieces() PieceStoreOption {
	return func(s *PieceStore) {
		for i := range s.have {
			s.have[i] = true
		}
	}
}

// WithAutoFetch makes alerting deadline calls complete their piece at once.
func WithAutoFetch() PieceStoreOption {
	return func(s *PieceStore) {
		s.autoFetch = true
	}
}

func NewPieceStore(pieceLength int64, files []File, opts ...PieceStoreOption) *PieceStore {
	s := &PieceStore{
		pieceLength: pieceLength,
		failed:      make(map[int]error),
		waiters:     make(map[int][]*waiter),
	}
	var offset int64
	for i, f := range files {
		s.files = append(s.files, domain.FileRef{
			Index:  i,
			Path:   f.Path,
			Offset: offset,
			Length: int64(len(f.Data)),
		})
		s.data = append(s.data, f.Data...)
		offset += int64(len(f.Data))
	}
	n := 0
	if pieceLength > 0 {
		n = int((int64(len(s.data)) + pieceLength - 1) / pieceLength)
	}
	s.have = make([]bool, n)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PieceStore) Files() []domain.FileRef {
	return append([]domain.FileRef(nil), s.files...)
}

func (s *PieceStore) MapFile(fileIndex int, offset, length int64) (domain.PieceFileInfo, error) {
	if fileIndex < 0 || fileIndex >= len(s.files) {
		return domain.PieceFileInfo{}, domain.ErrNotFound
	}
	f := s.files[fileIndex]
	if offset < 0 || length <= 0 || offset+length > f.Length {
		return domain.PieceFileInfo{}, fmt.Errorf("range %d+%d outside file of %d bytes", offset, length, f.Length)
	}
	return domain.MapFileRange(f.Offset, s.pieceLength, offset, length), nil
}

func (s *PieceStore) HavePiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < len(s.have) && s.have[index]
}

func (s *PieceStore) ReadPiece(ctx context.Context, index int) <-chan ports.PieceResult {
	ch := make(chan ports.PieceResult, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, index)
	ch <- s.resultLocked(index)
	return ch
}

func (s *PieceStore) SetPieceDeadline(ctx context.Context, index int, deadline time.Duration, alert bool) <-chan ports.PieceResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines = append(s.deadlines, DeadlineCall{Index: index, Deadline: deadline, Alert: alert})
	if !alert {
		return nil
	}

	ch := make(chan ports.PieceResult, 1)
	if s.autoFetch && index >= 0 && index < len(s.have) {
		s.have[index] = true
	}
	if s.availableLocked(index) {
		ch <- s.resultLocked(index)
		return ch
	}

	w := &waiter{ch: ch}
	w.stop = context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.removeWaiterLocked(index, w) {
			w.ch <- ports.PieceResult{Index: index, Err: ctx.Err()}
		}
	})
	s.waiters[index] = append(s.waiters[index], w)
	return ch
}

func (s *PieceStore) ResetPieceDeadline(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, index)
}

func (s *PieceStore) FileSize(fileIndex int) int64 {
	if fileIndex < 0 || fileIndex >= len(s.files) {
		return 0
	}
	return s.files[fileIndex].Length
}

func (s *PieceStore) PieceLength() int64 {
	return s.pieceLength
}

func (s *PieceStore) NumPieces() int {
	return len(s.have)
}

// Complete makes a piece available and wakes callers waiting on it.
func (s *PieceStore) Complete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.have) {
		return
	}
	s.have[index] = true
	s.wakeLocked(index)
}

// Fail makes every pending and future fetch of index report err.
func (s *PieceStore) Fail(index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[index] = err
	s.wakeLocked(index)
}

// Waiting reports whether someone waits for index to arrive.
func (s *PieceStore) Waiting(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[index]) > 0
}

func (s *PieceStore) Deadlines() []DeadlineCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadlineCall(nil), s.deadlines...)
}

func (s *PieceStore) Resets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.resets...)
}

func (s *PieceStore) Reads() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.reads...)
}

func (s *PieceStore) availableLocked(index int) bool {
	if _, ok := s.failed[index]; ok {
		return true
	}
	return index >= 0 && index < len(s.have) && s.have[index]
}

func (s *PieceStore) resultLocked(index int) ports.PieceResult {
	if err, ok := s.failed[index]; ok {
		return ports.PieceResult{Index: index, Err: err}
	}
	if index < 0 || index >= len(s.have) || !s.have[index] {
		return ports.PieceResult{Index: index, Err: ErrPieceMissing}
	}
	start := int64(index) * s.pieceLength
	end := start + s.pieceLength
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	data := make([]byte, end-start)
	copy(data, s.data[start:end])
	return ports.PieceResult{Index: index, Data: data}
}

func (s *PieceStore) wakeLocked(index int) {
	waiters := s.waiters[index]
	delete(s.waiters, index)
	for _, w := range waiters {
		w.stop()
		w.ch <- s.resultLocked(index)
	}
}

func (s *PieceStore) removeWaiterLocked(index int, target *waiter) bool {
	waiters := s.waiters[index]
	for i, w := range waiters {
		if w == target {
			s.waiters[index] = append(waiters[:i], waiters[i+1:]...)
			if len(s.waiters[index]) == 0 {
				delete(s.waiters, index)
			}
			return true
		}
	}
	return false
}
