package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent"

	"piecestream/internal/domain"
)

type priorityCall struct {
	index int
	prio  torrent.PiecePriority
}

type fakeSource struct {
	mu       sync.Mutex
	complete map[int]bool
	data     map[int][]byte
	calls    []priorityCall
	readErr  error
	block    bool
}

func (f *fakeSource) PieceComplete(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete[index]
}

func (f *fakeSource) SetPiecePriority(index int, prio torrent.PiecePriority) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, priorityCall{index, prio})
}

func (f *fakeSource) ReadPiece(ctx context.Context, index int) ([]byte, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[index], nil
}

func (f *fakeSource) priorityCalls() []priorityCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]priorityCall(nil), f.calls...)
}

func testFiles() []domain.FileRef {
	return []domain.FileRef{
		{Index: 0, Path: "a.mkv", Offset: 0, Length: 40},
		{Index: 1, Path: "b.srt", Offset: 40, Length: 10},
	}
}

// ---------------------------------------------------------------------------
// deadlinePriority
// ---------------------------------------------------------------------------

func TestDeadlinePriority(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want torrent.PiecePriority
	}{
		{"Zero", 0, torrent.PiecePriorityNow},
		{"OneSecond", time.Second, torrent.PiecePriorityNow},
		{"TwoSeconds", 2 * time.Second, torrent.PiecePriorityNext},
		{"FiveSeconds", 5 * time.Second, torrent.PiecePriorityReadahead},
		{"TenSeconds", 10 * time.Second, torrent.PiecePriorityReadahead},
		{"Minute", time.Minute, torrent.PiecePriorityHigh},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := deadlinePriority(tc.in); got != tc.want {
				t.Fatalf("deadlinePriority(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Deadlines
// ---------------------------------------------------------------------------

func TestSetPieceDeadlineOnlyRaisesPriority(t *testing.T) {
	src := &fakeSource{}
	s := newPieceStore(src, testFiles(), 16, 4)
	ctx := context.Background()

	if ch := s.SetPieceDeadline(ctx, 1, 5*time.Second, false); ch != nil {
		t.Fatal("non-alerting deadline should return a nil channel")
	}
	s.SetPieceDeadline(ctx, 1, time.Minute, false)
	s.SetPieceDeadline(ctx, 1, 500*time.Millisecond, false)
	s.SetPieceDeadline(ctx, 1, 2*time.Second, false)

	want := []priorityCall{
		{1, torrent.PiecePriorityReadahead},
		{1, torrent.PiecePriorityNow},
	}
	got := src.priorityCalls()
	if len(got) != len(want) {
		t.Fatalf("priority calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority call %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResetRestoresNormalOnce(t *testing.T) {
	src := &fakeSource{}
	s := newPieceStore(src, testFiles(), 16, 4)

	s.SetPieceDeadline(context.Background(), 2, time.Second, false)
	s.ResetPieceDeadline(2)
	s.ResetPieceDeadline(2)
	s.ResetPieceDeadline(3)

	got := src.priorityCalls()
	if len(got) != 2 {
		t.Fatalf("priority calls = %v, want boost then one reset", got)
	}
	if got[1] != (priorityCall{2, torrent.PiecePriorityNormal}) {
		t.Fatalf("reset call = %v", got[1])
	}
}

func TestSetPieceDeadlineOutOfRangeIgnored(t *testing.T) {
	src := &fakeSource{}
	s := newPieceStore(src, testFiles(), 16, 4)

	s.SetPieceDeadline(context.Background(), 4, time.Second, false)
	s.SetPieceDeadline(context.Background(), -1, time.Second, false)
	if got := src.priorityCalls(); len(got) != 0 {
		t.Fatalf("priority calls = %v, want none", got)
	}
}

func TestAlertingDeadlineDeliversData(t *testing.T) {
	src := &fakeSource{data: map[int][]byte{0: []byte("0123456789abcdef")}}
	s := newPieceStore(src, testFiles(), 16, 4)

	ch := s.SetPieceDeadline(context.Background(), 0, time.Second, true)
	if ch == nil {
		t.Fatal("alerting deadline should return a channel")
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		if res.Index != 0 || !bytes.Equal(res.Data, []byte("0123456789abcdef")) {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for piece")
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestReadPieceCancelledDeliversError(t *testing.T) {
	src := &fakeSource{block: true}
	s := newPieceStore(src, testFiles(), 16, 4)
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.ReadPiece(ctx, 1)
	cancel()
	select {
	case res := <-ch:
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled read")
	}
}

// slowReader serves content only once its piece is verified, the way a
// non-responsive torrent reader does.
type slowReader struct {
	content  []byte
	verified <-chan struct{}
	ctx      context.Context
	pos      int64
}

func (r *slowReader) SetContext(ctx context.Context) { r.ctx = ctx }
func (r *slowReader) SetReadahead(int64)             {}
func (r *slowReader) Close() error                   { return nil }

func (r *slowReader) Seek(off int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, errors.New("unsupported whence")
	}
	r.pos = off
	return off, nil
}

func (r *slowReader) Read(p []byte) (int, error) {
	select {
	case <-r.verified:
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
	if r.pos >= int64(len(r.content)) {
		return 0, io.EOF
	}
	n := copy(p, r.content[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func newSlowPieces(content []byte, pieceLength int64, verified <-chan struct{}) torrentPieces {
	return torrentPieces{
		pieceLength: pieceLength,
		length:      int64(len(content)),
		newReader: func() pieceReader {
			return &slowReader{content: content, verified: verified, ctx: context.Background()}
		},
	}
}

func TestTorrentPiecesReadWaitsForVerifiedPiece(t *testing.T) {
	content := []byte("0123456789abcdefXYZ")
	verified := make(chan struct{})
	p := newSlowPieces(content, 8, verified)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := p.ReadPiece(context.Background(), 1)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		t.Fatalf("read returned before the piece was verified: %q, %v", res.data, res.err)
	case <-time.After(30 * time.Millisecond):
	}
	close(verified)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("ReadPiece: %v", res.err)
		}
		if string(res.data) != "89abcdef" {
			t.Fatalf("data = %q, want 89abcdef", res.data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for verified piece")
	}
}

func TestTorrentPiecesReadBounds(t *testing.T) {
	verified := make(chan struct{})
	close(verified)
	p := newSlowPieces([]byte("0123456789abcdefXYZ"), 8, verified)

	data, err := p.ReadPiece(context.Background(), 2)
	if err != nil || string(data) != "XYZ" {
		t.Fatalf("last piece = %q, %v, want XYZ", data, err)
	}
	for _, index := range []int{-1, 3} {
		if _, err := p.ReadPiece(context.Background(), index); err == nil {
			t.Fatalf("piece %d: expected an error", index)
		}
	}
}

func TestTorrentPiecesReadCancelled(t *testing.T) {
	p := newSlowPieces([]byte("0123456789abcdef"), 8, make(chan struct{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ReadPiece(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReadPieceOutOfRange(t *testing.T) {
	s := newPieceStore(&fakeSource{}, testFiles(), 16, 4)
	res := <-s.ReadPiece(context.Background(), 9)
	if !errors.Is(res.Err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want domain.ErrNotFound", res.Err)
	}
}

func TestReadPieceError(t *testing.T) {
	boom := errors.New("boom")
	s := newPieceStore(&fakeSource{readErr: boom}, testFiles(), 16, 4)
	res := <-s.ReadPiece(context.Background(), 0)
	if !errors.Is(res.Err, boom) {
		t.Fatalf("err = %v, want boom", res.Err)
	}
}

func TestHavePiece(t *testing.T) {
	src := &fakeSource{complete: map[int]bool{1: true}}
	s := newPieceStore(src, testFiles(), 16, 4)
	if !s.HavePiece(1) || s.HavePiece(0) || s.HavePiece(7) {
		t.Fatal("HavePiece should follow piece completion within range")
	}
}

// ---------------------------------------------------------------------------
// File mapping
// ---------------------------------------------------------------------------

func TestMapFile(t *testing.T) {
	s := newPieceStore(&fakeSource{}, testFiles(), 16, 4)
	tests := []struct {
		name   string
		file   int
		offset int64
		length int64
		want   domain.PieceFileInfo
	}{
		{"FirstByte", 0, 0, 40, domain.PieceFileInfo{Index: 0, Start: 0, Length: 16}},
		{"MidPiece", 0, 20, 5, domain.PieceFileInfo{Index: 1, Start: 4, Length: 5}},
		{"SecondFile", 1, 0, 10, domain.PieceFileInfo{Index: 2, Start: 8, Length: 8}},
		{"SecondFileTail", 1, 8, 2, domain.PieceFileInfo{Index: 3, Start: 0, Length: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.MapFile(tc.file, tc.offset, tc.length)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("MapFile = %+v, want %+v", got, tc.want)
			}
		})
	}

	if _, err := s.MapFile(2, 0, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown file err = %v", err)
	}
	if _, err := s.MapFile(1, 5, 6); err == nil {
		t.Fatal("expected error for range past end of file")
	}
	if s.FileSize(1) != 10 || s.FileSize(5) != -1 {
		t.Fatal("FileSize mismatch")
	}
}
