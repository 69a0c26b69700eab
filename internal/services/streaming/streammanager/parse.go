package streammanager

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"piecestream/internal/domain"
)

var errInvalidRange = errors.New("invalid range")

// parseRange parses a single "bytes=<first>-[last]" range against a file of
// size bytes. A missing last position means the end of the file.
func parseRange(header string, size int64) (first, last int64, err error) {
	unit, spec, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || strings.TrimSpace(unit) != "bytes" {
		return 0, 0, fmt.Errorf("%w: unsupported unit in %q", errInvalidRange, header)
	}
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("%w: multiple ranges", errInvalidRange)
	}
	a, b, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed %q", errInvalidRange, spec)
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" {
		return 0, 0, fmt.Errorf("%w: first position required", errInvalidRange)
	}
	first, err = strconv.ParseInt(a, 10, 64)
	if err != nil || first < 0 {
		return 0, 0, fmt.Errorf("%w: bad first position %q", errInvalidRange, a)
	}
	last = size - 1
	if b != "" {
		last, err = strconv.ParseInt(b, 10, 64)
		if err != nil || last < 0 {
			return 0, 0, fmt.Errorf("%w: bad last position %q", errInvalidRange, b)
		}
	}
	if first > last {
		return 0, 0, fmt.Errorf("%w: %d > %d", errInvalidRange, first, last)
	}
	if last >= size {
		return 0, 0, fmt.Errorf("%w: %d-%d outside %d bytes", errInvalidRange, first, last, size)
	}
	return first, last, nil
}

// resourcePath builds "/<torrent>/<file index>/<escaped display name>". Only
// the first two segments identify the resource.
func resourcePath(id domain.TorrentID, fileIndex int, name string) string {
	p := "/" + url.PathEscape(string(id)) + "/" + strconv.Itoa(fileIndex)
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return p
}

func parseResourcePath(p string) (domain.TorrentID, int, error) {
	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		return "", 0, fmt.Errorf("no resource at %q", p)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("bad file index in %q", p)
	}
	return domain.TorrentID(parts[0]), idx, nil
}
