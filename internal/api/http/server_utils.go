package apihttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"piecestream/internal/domain"
	"piecestream/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeUseCaseError maps errors of the create and list paths.
func writeUseCaseError(w http.ResponseWriter, err error) {
	if errors.Is(err, usecase.ErrInvalidSource) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid torrent source")
		return
	}
	writeDomainError(w, err)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
	case errors.Is(err, usecase.ErrInvalidFileIndex):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIndex")
	case errors.Is(err, usecase.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", "torrent metadata not available yet")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "torrent already exists")
	case errors.Is(err, usecase.ErrRepository):
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
	case errors.Is(err, usecase.ErrEngine):
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// saveUploadedFile copies an uploaded .torrent into dir, or the system temp
// dir when dir is empty, and returns its path.
func saveUploadedFile(src io.Reader, filename, dir string) (string, error) {
	base := strings.TrimSpace(filepath.Base(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload.torrent"
	}
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	pattern := prefix + "-*" + ext

	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	out, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		_ = os.Remove(out.Name())
		return "", err
	}

	return out.Name(), nil
}

func parseStatus(value string) (*domain.TorrentStatus, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "all" {
		return nil, nil
	}
	switch value {
	case string(domain.TorrentPending), string(domain.TorrentActive), string(domain.TorrentCompleted):
		status := domain.TorrentStatus(value)
		return &status, nil
	default:
		return nil, errors.New("invalid status")
	}
}

func parsePositiveInt(value string, requirePositive bool) (int, error) {
	if strings.TrimSpace(value) == "" {
		return -1, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if requirePositive && parsed <= 0 {
		return 0, errors.New("must be > 0")
	}
	if !requirePositive && parsed < 0 {
		return 0, errors.New("must be >= 0")
	}
	return parsed, nil
}

// parseSortOrder reports whether the order is descending. Default is asc.
func parseSortOrder(value string) (bool, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "asc":
		return false, nil
	case "desc":
		return true, nil
	default:
		return false, errors.New("invalid sort order")
	}
}

func isAllowedSortBy(value string) bool {
	switch value {
	case "name", "createdAt", "updatedAt", "totalBytes", "progress":
		return true
	default:
		return false
	}
}

func applyLimitOffset(records []domain.TorrentRecord, limit, offset int) []domain.TorrentRecord {
	if offset > 0 {
		if offset >= len(records) {
			return []domain.TorrentRecord{}
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func doneBytes(files []domain.FileRef) int64 {
	var done int64
	for _, f := range files {
		done += f.BytesCompleted
	}
	return done
}

func progressRatio(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	progress := float64(done) / float64(total)
	if progress < 0 {
		return 0
	}
	if progress > 1 {
		return 1
	}
	return progress
}

func parseBoolQuery(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	switch strings.ToLower(value) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, errors.New("invalid bool")
	}
}
