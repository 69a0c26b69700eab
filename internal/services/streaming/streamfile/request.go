package streamfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"piecestream/internal/domain"
	"piecestream/internal/domain/ports"
	"piecestream/internal/metrics"
)

// Block is one contiguous slice of the requested range, never spanning more
// than one piece.
type Block struct {
	Offset int64
	Data   []byte
	// Last is set on the block that completes the request.
	Last bool
}

// ReadRequest is one consumer's sequential pull over a File.
//
// At most one block is outstanding: Next delivers a block, and the following
// piece fetch is only issued once the consumer calls Ack. Pieces whose
// deadlines were raised on behalf of the request are tracked and released
// exactly once, when the cursor passes them or the request ends for any
// reason.
type ReadRequest struct {
	file    *File
	store   ports.PieceStore
	handle  Handle
	ctx     context.Context
	cancel  context.CancelFunc
	onAbort func(error)

	mu          sync.Mutex
	pos         int64
	end         int64
	lastPiece   int
	cur         domain.PieceFileInfo
	pending     <-chan ports.PieceResult
	requestedAt time.Time
	waiting     bool
	awaitingAck bool
	lastFeed    time.Time
	held        map[int]time.Duration
	err         error
}

func newReadRequest(ctx context.Context, f *File, h Handle, pos, length int64, onAbort func(error)) *ReadRequest {
	rctx, cancel := context.WithCancel(ctx)
	return &ReadRequest{
		file:      f,
		store:     f.store,
		handle:    h,
		ctx:       rctx,
		cancel:    cancel,
		onAbort:   onAbort,
		pos:       pos,
		end:       pos + length,
		lastPiece: domain.PieceAt(f.target.File.Offset, f.target.PieceLength, pos+length-1),
		held:      make(map[int]time.Duration),
	}
}

func (r *ReadRequest) Handle() Handle { return r.handle }

// Position is the file offset of the next byte to be delivered.
func (r *ReadRequest) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// Remaining is the number of bytes not yet delivered.
func (r *ReadRequest) Remaining() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end - r.pos
}

// HeldPieces lists the pieces whose deadlines the request currently holds.
func (r *ReadRequest) HeldPieces() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.held))
	for i := range r.held {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (r *ReadRequest) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.prioritizeTailLocked()
	r.subReadLocked()
}

// Next waits for the next block. It returns io.EOF once every byte has been
// delivered and ErrBlockPending if the previous block has not been
// acknowledged. Any other error is terminal and the request has already
// released its pieces.
func (r *ReadRequest) Next(ctx context.Context) (Block, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return Block{}, err
	}
	if r.awaitingAck || r.waiting {
		r.mu.Unlock()
		return Block{}, ErrBlockPending
	}
	r.waiting = true
	pending := r.pending
	r.mu.Unlock()

	select {
	case res := <-pending:
		return r.deliver(res)
	case <-r.ctx.Done():
		r.terminate(r.ctx.Err(), false)
		r.mu.Lock()
		r.waiting = false
		err := r.err
		r.mu.Unlock()
		return Block{}, err
	case <-ctx.Done():
		r.mu.Lock()
		r.waiting = false
		r.mu.Unlock()
		return Block{}, ctx.Err()
	}
}

func (r *ReadRequest) deliver(res ports.PieceResult) (Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = false
	if r.err != nil {
		return Block{}, r.err
	}
	r.pending = nil
	if err := r.ctx.Err(); err != nil {
		r.endLocked(err)
		return Block{}, err
	}
	metrics.PieceWaitDuration.Observe(r.file.now().Sub(r.requestedAt).Seconds())

	cur := r.cur
	if res.Err != nil {
		err := fmt.Errorf("%w: piece %d: %v", ErrPieceFetch, cur.Index, res.Err)
		r.file.logger.Warn("piece fetch failed",
			slog.Int("piece", cur.Index),
			slog.String("error", res.Err.Error()),
		)
		r.endLocked(err)
		return Block{}, err
	}
	if int64(len(res.Data)) < cur.Start+cur.Length {
		err := fmt.Errorf("%w: piece %d: got %d bytes, need %d", ErrPieceFetch, cur.Index, len(res.Data), cur.Start+cur.Length)
		r.endLocked(err)
		return Block{}, err
	}

	blk := Block{
		Offset: r.pos,
		Data:   res.Data[cur.Start : cur.Start+cur.Length],
	}
	r.pos += cur.Length
	r.lastFeed = r.file.now()
	if r.pos >= r.end {
		blk.Last = true
		r.endLocked(io.EOF)
		return blk, nil
	}
	r.awaitingAck = true
	return blk, nil
}

// Ack acknowledges the last delivered block and issues the next piece fetch.
func (r *ReadRequest) Ack() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errors.Is(r.err, io.EOF) {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	if !r.awaitingAck {
		return ErrNoPendingBlock
	}
	r.awaitingAck = false
	r.subReadLocked()
	return nil
}

// Close abandons the request. Calling it after completion is a no-op.
func (r *ReadRequest) Close() error {
	r.terminate(ErrClosed, false)
	return nil
}

// terminate ends a live request with err. Destroy passes abort=true to run
// the abort handler.
func (r *ReadRequest) terminate(err error, abort bool) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.endLocked(err)
	handler := r.onAbort
	r.mu.Unlock()

	if abort && handler != nil {
		handler(err)
	}
}

func (r *ReadRequest) endLocked(err error) {
	r.err = err
	r.awaitingAck = false
	r.pending = nil
	r.releaseAllLocked()
	r.cancel()
	r.file.forget(r.handle)
	metrics.StreamReadRequests.Dec()
	r.file.logger.Debug("read request ended",
		slog.Uint64("handle", uint64(r.handle)),
		slog.Int64("position", r.pos),
		slog.String("reason", err.Error()),
	)
}

// subReadLocked maps the next chunk at the cursor and fetches its piece:
// straight away when the piece is present, through an alerting deadline
// otherwise.
func (r *ReadRequest) subReadLocked() {
	pieceLength := r.file.PieceLength()
	length := r.end - r.pos
	if pieceLength > 0 && length > pieceLength {
		length = pieceLength
	}
	info, err := r.store.MapFile(r.file.target.File.Index, r.pos, length)
	if err != nil {
		r.endLocked(fmt.Errorf("%w: map %d+%d: %v", ErrPieceFetch, r.pos, length, err))
		return
	}
	r.cur = info
	r.requestedAt = r.file.now()
	r.releaseBehindLocked(info.Index)

	deadline := r.file.deadlineFor(r.lastFeed)
	if r.store.HavePiece(info.Index) {
		r.pending = r.store.ReadPiece(r.ctx, info.Index)
	} else {
		if prev, ok := r.held[info.Index]; ok && prev < deadline {
			deadline = prev
		}
		r.pending = r.store.SetPieceDeadline(r.ctx, info.Index, deadline, true)
		r.held[info.Index] = deadline
		metrics.PieceDeadlinesTotal.WithLabelValues("urgent").Inc()
	}
	r.prioritizeAdvanceLocked(info.Index, deadline)
}

// prioritizeAdvanceLocked gives the pieces after current graduated deadlines,
// the nearest one the tightest. Pieces already present are skipped and a
// piece is only re-issued when its deadline gets tighter.
func (r *ReadRequest) prioritizeAdvanceLocked(current int, base time.Duration) {
	last := current + r.file.readaheadPieces()
	if last > r.lastPiece {
		last = r.lastPiece
	}
	for i := current + 1; i <= last; i++ {
		if r.store.HavePiece(i) {
			continue
		}
		want := base * time.Duration(i-current+1)
		if prev, ok := r.held[i]; ok && prev <= want {
			continue
		}
		r.store.SetPieceDeadline(r.ctx, i, want, false)
		r.held[i] = want
		metrics.PieceDeadlinesTotal.WithLabelValues("advance").Inc()
	}
}

// prioritizeTailLocked requests the request's last piece early when it ends
// within a piece of the end of the file. Players read container indexes there.
func (r *ReadRequest) prioritizeTailLocked() {
	tail := r.file.cfg.TailDeadline
	if tail <= 0 {
		return
	}
	if r.end+r.file.PieceLength() <= r.file.Size() {
		return
	}
	first := domain.PieceAt(r.file.target.File.Offset, r.file.PieceLength(), r.pos)
	if r.lastPiece <= first || r.store.HavePiece(r.lastPiece) {
		return
	}
	r.store.SetPieceDeadline(r.ctx, r.lastPiece, tail, false)
	r.held[r.lastPiece] = tail
	metrics.PieceDeadlinesTotal.WithLabelValues("tail").Inc()
}

func (r *ReadRequest) releaseBehindLocked(current int) {
	for i := range r.held {
		if i < current {
			r.releaseLocked(i)
		}
	}
}

func (r *ReadRequest) releaseAllLocked() {
	for i := range r.held {
		r.releaseLocked(i)
	}
}

func (r *ReadRequest) releaseLocked(index int) {
	delete(r.held, index)
	r.store.ResetPieceDeadline(index)
	metrics.PieceDeadlineResetsTotal.Inc()
}
