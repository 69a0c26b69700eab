package streamserver

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

type parseStatus int

const (
	parseIncomplete parseStatus = iota
	parseOK
	parseBadRequest
	parseTooLarge
)

func (s parseStatus) String() string {
	switch s {
	case parseIncomplete:
		return "incomplete"
	case parseOK:
		return "ok"
	case parseBadRequest:
		return "bad_request"
	case parseTooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("parseStatus(%d)", int(s))
	}
}

// parseRequest looks for one complete request head at the start of buf.
// consumed is the number of bytes the request occupies when the status is
// parseOK. Request bodies are not supported.
func parseRequest(buf []byte, maxSize int) (req *http.Request, consumed int, status parseStatus, err error) {
	consumed = headEnd(buf)
	if consumed < 0 {
		if maxSize > 0 && len(buf) > maxSize {
			return nil, 0, parseTooLarge, fmt.Errorf("request head exceeds %d bytes", maxSize)
		}
		return nil, 0, parseIncomplete, nil
	}
	if maxSize > 0 && consumed > maxSize {
		return nil, 0, parseTooLarge, fmt.Errorf("request head of %d bytes exceeds %d", consumed, maxSize)
	}

	req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:consumed])))
	if err != nil {
		return nil, 0, parseBadRequest, err
	}
	if req.ProtoMajor != 1 {
		return nil, 0, parseBadRequest, fmt.Errorf("unsupported protocol %s", req.Proto)
	}
	if req.ContentLength > 0 || len(req.TransferEncoding) > 0 {
		return nil, 0, parseBadRequest, fmt.Errorf("request bodies are not accepted")
	}
	return req, consumed, parseOK, nil
}

// headEnd returns the offset just past the blank line ending the request
// head, or -1. Lines may end in CRLF or a bare LF.
func headEnd(buf []byte) int {
	for i := 0; i < len(buf); {
		nl := bytes.IndexByte(buf[i:], '\n')
		if nl < 0 {
			return -1
		}
		next := i + nl + 1
		switch {
		case next < len(buf) && buf[next] == '\n':
			return next + 1
		case next+1 < len(buf) && buf[next] == '\r' && buf[next+1] == '\n':
			return next + 2
		}
		i = next
	}
	return -1
}

// wantsKeepAlive reports whether the client asked for the connection to stay
// open after the response.
func wantsKeepAlive(req *http.Request) bool {
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "keep-alive") {
				return true
			}
		}
	}
	return false
}
