package streammanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"piecestream/internal/domain"
	"piecestream/internal/metrics"
	"piecestream/internal/services/streaming/streamfile"
	"piecestream/internal/services/streaming/streamserver"
)

type resourceResolver interface {
	Resource(ctx context.Context, id domain.TorrentID, fileIndex int) (*streamfile.File, error)
}

// Router binds parsed stream requests to resources and answers them with
// HEAD metadata, full bodies or 206 partial content.
type Router struct {
	resources         resourceResolver
	writeBufferPieces int
	fullGET           bool
	logger            *slog.Logger
	tracer            trace.Tracer
}

func NewRouter(resources resourceResolver, writeBufferPieces int, fullGET bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if writeBufferPieces < 1 {
		writeBufferPieces = 1
	}
	return &Router{
		resources:         resources,
		writeBufferPieces: writeBufferPieces,
		fullGET:           fullGET,
		logger:            logger,
		tracer:            otel.Tracer("piecestream/streammanager"),
	}
}

// statusClientClosed labels requests whose client went away before any
// response was sent.
const statusClientClosed = 499

// clientGone reports whether err only means the connection or request was
// torn down.
func clientGone(err error) bool {
	return errors.Is(err, streamserver.ErrConnClosed) || errors.Is(err, context.Canceled)
}

// outcome is what ended up on the wire for one request.
type outcome struct {
	status      int
	headersSent bool
}

func (rt *Router) ServeStream(req *streamserver.Request) {
	ctx, span := rt.tracer.Start(req.Context(), "stream.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method()),
			attribute.String("url.path", req.URL().Path),
			attribute.String("http.range", req.Header().Get("Range")),
		),
	)
	defer span.End()

	out, err := rt.serve(ctx, req)
	switch {
	case err == nil:
	case clientGone(err):
		// Nobody is left to read an error response.
		rt.logger.Debug("stream client gone",
			slog.String("path", req.URL().Path),
			slog.String("remote", req.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		req.Abort()
		if !out.headersSent {
			out.status = statusClientClosed
		}
	default:
		span.RecordError(err)
		if !out.headersSent {
			out.status = rt.writeError(req, err)
		} else {
			req.Abort()
		}
		if out.status >= http.StatusInternalServerError || out.headersSent {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", out.status))
	metrics.StreamResponsesTotal.WithLabelValues(req.Method(), strconv.Itoa(out.status)).Inc()
}

func (rt *Router) serve(ctx context.Context, req *streamserver.Request) (outcome, error) {
	method := req.Method()
	if method != http.MethodGet && method != http.MethodHead {
		return outcome{}, errMethodNotAllowed(method)
	}

	id, fileIndex, err := parseResourcePath(req.URL().Path)
	if err != nil {
		return outcome{}, errNotFound(err.Error())
	}
	file, err := rt.resources.Resource(ctx, id, fileIndex)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return outcome{}, errNotFound("no such torrent file")
		}
		return outcome{}, err
	}

	size := file.Size()
	h := http.Header{}
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", file.MimeType())

	rangeHeader := req.Header().Get("Range")
	if method == http.MethodHead || (rangeHeader == "" && !rt.fullGET) {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		if _, err := req.Send(http.StatusOK, h, 0); err != nil {
			return outcome{status: http.StatusOK}, err
		}
		return outcome{status: http.StatusOK, headersSent: true}, nil
	}

	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		return rt.stream(ctx, req, file, http.StatusOK, h, 0, size)
	}

	first, last, err := parseRange(rangeHeader, size)
	if err != nil {
		return outcome{}, errRangeNotSatisfiable(size, err)
	}
	length := last - first + 1
	h.Set("Content-Range", "bytes "+strconv.FormatInt(first, 10)+"-"+strconv.FormatInt(last, 10)+"/"+strconv.FormatInt(size, 10))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	return rt.stream(ctx, req, file, http.StatusPartialContent, h, first, length)
}

// stream sends the headers and forwards blocks of file into the response.
// The next block is only requested once the socket's queue has dropped under
// writeBufferPieces pieces.
func (rt *Router) stream(ctx context.Context, req *streamserver.Request, file *streamfile.File, status int, h http.Header, pos, length int64) (outcome, error) {
	out := outcome{status: status}
	resp, err := req.Send(status, h, length)
	if err != nil {
		return out, err
	}
	out.headersSent = true
	if length == 0 {
		return out, nil
	}

	rr, err := file.Read(ctx, pos, length, streamfile.WithAbortHandler(func(error) {
		req.Abort()
	}))
	if err != nil {
		return out, err
	}
	defer rr.Close()

	threshold := int64(rt.writeBufferPieces) * file.PieceLength()
	for {
		blk, err := rr.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			rt.logStreamEnd(req, file, rr, err)
			return out, err
		}
		if _, err := resp.Write(blk.Data); err != nil {
			return out, err
		}
		if blk.Last {
			return out, nil
		}
		if err := resp.WaitWritable(ctx, threshold); err != nil {
			return out, err
		}
		if err := rr.Ack(); err != nil {
			return out, err
		}
	}
}

func (rt *Router) logStreamEnd(req *streamserver.Request, file *streamfile.File, rr *streamfile.ReadRequest, err error) {
	attrs := []any{
		slog.String("torrentId", string(file.Target().TorrentID)),
		slog.Int("fileIndex", file.Target().File.Index),
		slog.Int64("position", rr.Position()),
		slog.String("remote", req.RemoteAddr().String()),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, streamfile.ErrPieceFetch):
		rt.logger.Warn("stream aborted by piece fetch failure", attrs...)
	case errors.Is(err, streamfile.ErrResourceDestroyed):
		rt.logger.Info("stream aborted, torrent removed", attrs...)
	default:
		rt.logger.Debug("stream ended early", attrs...)
	}
}

// writeError answers with a plain-text error and returns the status sent.
func (rt *Router) writeError(req *streamserver.Request, err error) int {
	var he *HTTPError
	if !errors.As(err, &he) {
		rt.logger.Error("stream request failed",
			slog.String("path", req.URL().Path),
			slog.String("error", err.Error()),
		)
		he = &HTTPError{Status: http.StatusInternalServerError, Message: "internal error"}
	}
	if !he.KeepAlive {
		req.CloseAfterResponse()
	}

	body := []byte(he.Message + "\n")
	h := he.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	resp, sendErr := req.Send(he.Status, h, int64(len(body)))
	if sendErr != nil {
		return he.Status
	}
	_, _ = resp.Write(body)
	return he.Status
}
