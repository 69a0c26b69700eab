package apihttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"piecestream/internal/domain"
	"piecestream/internal/usecase"
)

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateTorrent(w http.ResponseWriter, r *http.Request) {
	if s.createTorrent == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "create torrent use case not configured")
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/json":
		s.handleCreateTorrentJSON(w, r)
	case "multipart/form-data":
		s.handleCreateTorrentMultipart(w, r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type")
	}
}

type createTorrentJSON struct {
	Magnet string `json:"magnet"`
	Name   string `json:"name,omitempty"`
}

func (s *Server) handleCreateTorrentJSON(w http.ResponseWriter, r *http.Request) {
	var body createTorrentJSON
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	s.createAndRespond(w, r, usecase.CreateTorrentInput{
		Source: domain.TorrentSource{Magnet: strings.TrimSpace(body.Magnet)},
		Name:   strings.TrimSpace(body.Name),
	})
}

func (s *Server) handleCreateTorrentMultipart(w http.ResponseWriter, r *http.Request) {
	const maxMemory = 5 << 20
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("torrent")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing torrent file")
		return
	}
	defer file.Close()

	path, err := saveUploadedFile(file, header.Filename, s.uploadDir)
	if err != nil {
		s.logger.Error("store uploaded torrent failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store torrent file")
		return
	}

	s.createAndRespond(w, r, usecase.CreateTorrentInput{
		Source: domain.TorrentSource{Torrent: path},
		Name:   strings.TrimSpace(r.FormValue("name")),
	})
}

func (s *Server) createAndRespond(w http.ResponseWriter, r *http.Request, input usecase.CreateTorrentInput) {
	// Adding waits for the engine; never hold the request forever.
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	record, err := s.createTorrent.Execute(ctx, input)
	if err != nil {
		writeUseCaseError(w, err)
		return
	}

	s.BroadcastTorrents()
	writeJSON(w, http.StatusCreated, record)
}

type torrentSummary struct {
	ID         domain.TorrentID     `json:"id"`
	Name       string               `json:"name"`
	Status     domain.TorrentStatus `json:"status"`
	Progress   float64              `json:"progress"`
	DoneBytes  int64                `json:"doneBytes"`
	TotalBytes int64                `json:"totalBytes"`
	Files      int                  `json:"files"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

type torrentListSummary struct {
	Items []torrentSummary `json:"items"`
	Count int              `json:"count"`
}

type torrentListFull struct {
	Items []domain.TorrentRecord `json:"items"`
	Count int                    `json:"count"`
}

func summarize(records []domain.TorrentRecord) []torrentSummary {
	out := make([]torrentSummary, 0, len(records))
	for _, record := range records {
		done := doneBytes(record.Files)
		out = append(out, torrentSummary{
			ID:         record.ID,
			Name:       record.Name,
			Status:     record.Status,
			Progress:   progressRatio(done, record.TotalBytes),
			DoneBytes:  done,
			TotalBytes: record.TotalBytes,
			Files:      len(record.Files),
			CreatedAt:  record.CreatedAt,
			UpdatedAt:  record.UpdatedAt,
		})
	}
	return out
}

// recordsFromStates stands in for the repository when persistence is
// disabled.
func recordsFromStates(states []domain.SessionState) []domain.TorrentRecord {
	out := make([]domain.TorrentRecord, 0, len(states))
	for _, st := range states {
		var total int64
		for _, f := range st.Files {
			total += f.Length
		}
		out = append(out, domain.TorrentRecord{
			ID:         st.ID,
			Name:       st.Name,
			Status:     st.Status,
			InfoHash:   domain.InfoHash(st.ID),
			Files:      st.Files,
			TotalBytes: total,
			UpdatedAt:  st.UpdatedAt,
		})
	}
	return out
}

func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status, err := parseStatus(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid status")
		return
	}

	view := strings.TrimSpace(q.Get("view"))
	if view == "" {
		view = "summary"
	}
	if view != "summary" && view != "full" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid view")
		return
	}

	sortBy := strings.TrimSpace(q.Get("sortBy"))
	if sortBy == "" {
		sortBy = "createdAt"
	}
	if !isAllowedSortBy(sortBy) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid sortBy")
		return
	}
	desc, err := parseSortOrder(q.Get("sortOrder"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid sortOrder")
		return
	}

	limit, err := parsePositiveInt(q.Get("limit"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return
	}
	if offset < 0 {
		offset = 0
	}
	const maxLimit = 1000
	if limit > maxLimit {
		limit = maxLimit
	}

	records, err := s.listRecords(r.Context())
	if err != nil {
		writeUseCaseError(w, err)
		return
	}

	if status != nil {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Status == *status {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	sortRecords(records, sortBy, desc)
	records = applyLimitOffset(records, limit, offset)

	if view == "full" {
		writeJSON(w, http.StatusOK, torrentListFull{Items: records, Count: len(records)})
		return
	}
	summaries := summarize(records)
	writeJSON(w, http.StatusOK, torrentListSummary{Items: summaries, Count: len(summaries)})
}

func (s *Server) listRecords(ctx context.Context) ([]domain.TorrentRecord, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", usecase.ErrRepository, err)
		}
		return records, nil
	}
	if s.listStates == nil {
		return []domain.TorrentRecord{}, nil
	}
	states, err := s.listStates.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return recordsFromStates(states), nil
}

func sortRecords(records []domain.TorrentRecord, sortBy string, desc bool) {
	less := func(a, b domain.TorrentRecord) bool {
		switch sortBy {
		case "name":
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case "updatedAt":
			return a.UpdatedAt.Before(b.UpdatedAt)
		case "totalBytes":
			return a.TotalBytes < b.TotalBytes
		case "progress":
			return progressRatio(doneBytes(a.Files), a.TotalBytes) < progressRatio(doneBytes(b.Files), b.TotalBytes)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if desc {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/torrents/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	if path == "state" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleListTorrentStates(w, r)
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) == 2 && parts[0] == "bulk" && parts[1] == "delete" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleBulkDelete(w, r)
		return
	}

	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetTorrentState(w, r, id)
		case http.MethodDelete:
			s.handleDeleteTorrent(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "state":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleGetTorrentState(w, r, id)
	case len(parts) == 4 && parts[1] == "files" && parts[3] == "stream":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleStreamURL(w, r, id, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDeleteTorrent(w http.ResponseWriter, r *http.Request, id string) {
	if s.deleteTorrent == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "delete torrent use case not configured")
		return
	}

	deleteFiles, err := parseBoolQuery(r.URL.Query().Get("deleteFiles"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid deleteFiles value")
		return
	}

	if err := s.deleteTorrent.Execute(r.Context(), domain.TorrentID(id), deleteFiles); err != nil {
		writeDomainError(w, err)
		return
	}

	s.BroadcastTorrents()
	w.WriteHeader(http.StatusNoContent)
}

type bulkRequest struct {
	IDs         []string `json:"ids"`
	DeleteFiles bool     `json:"deleteFiles"`
}

type bulkResultItem struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type bulkResponse struct {
	Items []bulkResultItem `json:"items"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	if s.deleteTorrent == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "delete torrent use case not configured")
		return
	}
	req, ok := decodeBulkRequest(w, r)
	if !ok {
		return
	}

	results := make([]bulkResultItem, 0, len(req.IDs))
	for _, rawID := range req.IDs {
		id := strings.TrimSpace(rawID)
		if id == "" {
			results = append(results, bulkResultItem{ID: rawID, OK: false, Error: "empty id"})
			continue
		}
		if err := s.deleteTorrent.Execute(r.Context(), domain.TorrentID(id), req.DeleteFiles); err != nil {
			results = append(results, bulkResultItem{ID: id, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, bulkResultItem{ID: id, OK: true})
	}
	s.BroadcastTorrents()
	writeJSON(w, http.StatusOK, bulkResponse{Items: results})
}

const maxBulkIDs = 100

func decodeBulkRequest(w http.ResponseWriter, r *http.Request) (bulkRequest, bool) {
	var req bulkRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return bulkRequest{}, false
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "ids is required")
		return bulkRequest{}, false
	}
	if len(req.IDs) > maxBulkIDs {
		writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("too many ids (max %d)", maxBulkIDs))
		return bulkRequest{}, false
	}
	return req, true
}

type torrentStateList struct {
	Items []domain.SessionState `json:"items"`
	Count int                   `json:"count"`
}

func (s *Server) handleGetTorrentState(w http.ResponseWriter, r *http.Request, id string) {
	if s.getState == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "torrent state use case not configured")
		return
	}

	state, err := s.getState.Execute(r.Context(), domain.TorrentID(id))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListTorrentStates(w http.ResponseWriter, r *http.Request) {
	if s.listStates == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "torrent state list use case not configured")
		return
	}

	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid status")
		return
	}

	states, err := s.listStates.Execute(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if status != nil {
		filtered := make([]domain.SessionState, 0, len(states))
		for _, st := range states {
			if st.Status == *status {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}

	writeJSON(w, http.StatusOK, torrentStateList{Items: states, Count: len(states)})
}

type streamURLResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleStreamURL(w http.ResponseWriter, r *http.Request, id, rawIndex string) {
	if s.streamURL == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "stream url use case not configured")
		return
	}

	fileIndex, err := strconv.Atoi(rawIndex)
	if err != nil || fileIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIndex")
		return
	}

	url, err := s.streamURL.Execute(r.Context(), domain.TorrentID(id), fileIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, streamURLResponse{URL: url})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "stream registry not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.streams.Snapshot())
}
