package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"chunkrelay/internal/files"
	"chunkrelay/internal/logging"
	"chunkrelay/internal/remote"
)

// Chunk upload request headers.
const (
	HeaderFileID      = "X-File-Id"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderTotalChunks = "X-Total-Chunks"
	HeaderFileName    = "X-File-Name"
	HeaderFileSize    = "X-File-Size"
	HeaderContentType = "X-Content-Type"
)

const playlistContentType = "application/vnd.apple.mpegurl"

var validExtPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// Options configures the HTTP surface.
type Options struct {
	// Limiter caps open uploads per IP. Nil disables the cap.
	Limiter *UploadLimiter
	// AdminToken guards destructive routes. Empty disables them.
	AdminToken string
	// HLSSegmentSeconds is the target duration written to playlists.
	HLSSegmentSeconds int
}

// Handler handles HTTP requests.
type Handler struct {
	files   *files.Service
	limiter *UploadLimiter
	opts    Options
	mux     *http.ServeMux
}

// NewHandler creates a new HTTP handler.
func NewHandler(svc *files.Service, opts Options) *Handler {
	if opts.HLSSegmentSeconds <= 0 {
		opts.HLSSegmentSeconds = 10
	}
	h := &Handler{
		files:   svc,
		limiter: opts.Limiter,
		opts:    opts,
		mux:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /api/upload/config", h.handleUploadConfig)
	h.mux.HandleFunc("POST /api/upload", h.handleUploadChunk)
	h.mux.HandleFunc("POST /api/upload/{id}/complete", h.handleUploadComplete)
	h.mux.HandleFunc("GET /api/file/{id}", h.handleFileInfo)
	h.mux.HandleFunc("DELETE /api/file/{id}", RequireAdmin(h.opts.AdminToken, h.handleDelete))
	h.mux.HandleFunc("GET /stream/{name}", h.handleStream)
	h.mux.HandleFunc("HEAD /stream/{name}", h.handleStream)
	h.mux.HandleFunc("GET /stream/{id}/chunk/{n}", h.handleSegment)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// UploadResponse is returned for every stored chunk. The URL fields are set
// once the final chunk completed the file.
type UploadResponse struct {
	FileID        string `json:"file_id"`
	ChunkIndex    int    `json:"chunk_index"`
	StoreLocation string `json:"store_location"`
	Complete      bool   `json:"complete"`
	Size          int64  `json:"size,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	StreamURL     string `json:"stream_url,omitempty"`
	DownloadURL   string `json:"download_url,omitempty"`
	PlaylistURL   string `json:"playlist_url,omitempty"`
}

// FileInfo is the public view of a manifest. Direct URLs are never exposed.
type FileInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	SizeHuman   string    `json:"size_human"`
	ContentType string    `json:"content_type"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
	StreamURL   string    `json:"stream_url"`
	DownloadURL string    `json:"download_url"`
	PlaylistURL string    `json:"playlist_url"`
}

// DeleteResponse reports what a delete removed.
type DeleteResponse struct {
	FileID   string `json:"file_id"`
	Manifest bool   `json:"manifest"`
	Locators int    `json:"locators"`
	Objects  int    `json:"objects"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleUploadConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.files.UploadConfig())
}

func (h *Handler) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	req, err := chunkUploadFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	chunkSize := h.files.UploadConfig().ChunkSize
	if r.ContentLength > chunkSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", chunkSize))
		return
	}

	ip := extractIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip, req.FileID) {
		msg := fmt.Sprintf("in-flight upload limit reached: you have %d unfinished file(s) (max %d)",
			h.limiter.InflightCount(ip), h.limiter.MaxInflight())
		writeJSONError(w, http.StatusTooManyRequests, msg)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, chunkSize+1)
	res, err := h.files.IngestChunk(r.Context(), req, r.Body)
	if err != nil {
		logging.Internal.Printf("chunk %d of %s rejected: %v", req.Index, req.FileID, err)
		writeError(w, err)
		return
	}

	resp := UploadResponse{
		FileID:        req.FileID,
		ChunkIndex:    req.Index,
		StoreLocation: res.Locator.StoreLocation,
		Complete:      res.Complete,
	}
	if res.Complete {
		if h.limiter != nil {
			h.limiter.Release(req.FileID)
		}
		h.fillFileURLs(r, &resp, res.Manifest)
		logging.Internal.Printf("upload complete: file_id=%s, size=%s, chunks=%d",
			res.Manifest.ID, humanize.IBytes(uint64(res.Manifest.Size)), res.Manifest.TotalChunks)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !files.ValidFileID(id) {
		writeJSONError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	m, err := h.files.Complete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.limiter != nil {
		h.limiter.Release(id)
	}

	resp := UploadResponse{
		FileID:        m.ID,
		ChunkIndex:    m.TotalChunks - 1,
		StoreLocation: m.Chunks[m.TotalChunks-1].StoreLocation,
		Complete:      true,
	}
	h.fillFileURLs(r, &resp, m)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) fillFileURLs(r *http.Request, resp *UploadResponse, m *files.FileManifest) {
	base := baseURL(r)
	resp.Size = m.Size
	resp.ContentType = m.ContentType
	resp.StreamURL = base + streamPath(m)
	resp.DownloadURL = resp.StreamURL + "?dl=1"
	resp.PlaylistURL = base + "/stream/" + m.ID + ".m3u8"
}

func (h *Handler) handleFileInfo(w http.ResponseWriter, r *http.Request) {
	m, err := h.files.Manifest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	base := baseURL(r)
	writeJSON(w, http.StatusOK, FileInfo{
		ID:          m.ID,
		Filename:    m.Filename,
		Size:        m.Size,
		SizeHuman:   humanize.IBytes(uint64(m.Size)),
		ContentType: m.ContentType,
		ChunkSize:   m.ChunkSize,
		TotalChunks: m.TotalChunks,
		CreatedAt:   m.CreatedAt,
		StreamURL:   base + streamPath(m),
		DownloadURL: base + streamPath(m) + "?dl=1",
		PlaylistURL: base + "/stream/" + m.ID + ".m3u8",
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.files.Delete(r.Context(), id)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// Manifest is gone, some locators remain as orphans.
		logging.Internal.Printf("delete %s left orphans: %v", id, err)
	}
	if h.limiter != nil {
		h.limiter.Release(id)
	}
	writeJSON(w, http.StatusOK, DeleteResponse{
		FileID:   id,
		Manifest: res.Manifest,
		Locators: res.Locators,
		Objects:  res.Objects,
	})
}

// handleStream serves /stream/{id}, /stream/{id}.{ext} and the HLS playlist
// at /stream/{id}.m3u8.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ext, _ := strings.Cut(r.PathValue("name"), ".")
	if ext == "m3u8" {
		h.servePlaylist(w, r, id)
		return
	}

	m, err := h.files.Manifest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	rg, err := files.ParseRange(r.Header.Get("Range"), m.Size)
	if err != nil {
		writeError(w, err)
		return
	}

	disposition := "inline"
	if r.URL.Query().Get("dl") == "1" {
		disposition = "attachment"
	}
	h.serveRange(w, r, m, rg, disposition)
}

func (h *Handler) serveRange(w http.ResponseWriter, r *http.Request, m *files.FileManifest, rg files.ByteRange, disposition string) {
	var stream *files.Stream
	if r.Method != http.MethodHead {
		var err error
		if stream, err = h.files.OpenRange(r.Context(), m, rg); err != nil {
			logging.HTTP.Printf("open %s bytes %d-%d: %v", m.ID, rg.Start, rg.End, err)
			writeError(w, err)
			return
		}
		defer stream.Close()
	}

	hdr := w.Header()
	hdr.Set("Content-Type", m.ContentType)
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Length", strconv.FormatInt(rg.Length(), 10))
	hdr.Set("Content-Disposition", contentDisposition(disposition, m.Filename))
	hdr.Set("ETag", etag(m))
	if !m.CreatedAt.IsZero() {
		hdr.Set("Last-Modified", m.CreatedAt.UTC().Format(http.TimeFormat))
	}
	status := http.StatusOK
	if rg.Partial {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rg.Start, rg.End, m.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if stream == nil {
		return
	}

	if _, err := stream.WriteTo(w); err != nil {
		logging.HTTP.Printf("aborting %s bytes %d-%d: %v", m.ID, rg.Start, rg.End, err)
		// Headers are committed; dropping the connection is the only way to
		// keep the client from taking a short body as complete.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.files.Manifest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	body := files.Playlist(m, h.opts.HLSSegmentSeconds, func(i int) string {
		return fmt.Sprintf("/stream/%s/chunk/%d", m.ID, i)
	})

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte(body))
	}
}

// handleSegment serves one whole chunk as an HLS segment.
func (h *Handler) handleSegment(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid segment index")
		return
	}
	m, err := h.files.Manifest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if n >= len(m.Chunks) {
		writeError(w, files.ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(m.Chunks[n].Size, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	stream, err := h.files.OpenChunk(r.Context(), m, n)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.WriteHeader(http.StatusOK)
	if _, err := stream.WriteTo(w); err != nil {
		logging.HTTP.Printf("aborting segment %d of %s: %v", n, m.ID, err)
		panic(http.ErrAbortHandler)
	}
}

func chunkUploadFromRequest(r *http.Request) (files.ChunkUpload, error) {
	var req files.ChunkUpload
	var err error

	req.FileID = r.Header.Get(HeaderFileID)
	if req.Index, err = strconv.Atoi(r.Header.Get(HeaderChunkIndex)); err != nil {
		return req, fmt.Errorf("invalid %s header", HeaderChunkIndex)
	}
	if req.TotalChunks, err = strconv.Atoi(r.Header.Get(HeaderTotalChunks)); err != nil {
		return req, fmt.Errorf("invalid %s header", HeaderTotalChunks)
	}
	if req.FileSize, err = strconv.ParseInt(r.Header.Get(HeaderFileSize), 10, 64); err != nil {
		return req, fmt.Errorf("invalid %s header", HeaderFileSize)
	}
	req.Filename = r.Header.Get(HeaderFileName)
	if name, err := url.PathUnescape(req.Filename); err == nil {
		req.Filename = name
	}
	req.Filename = path.Base(strings.ReplaceAll(req.Filename, `\`, "/"))
	if req.Filename == "." || req.Filename == "/" {
		req.Filename = ""
	}
	req.ContentType = r.Header.Get(HeaderContentType)
	return req, nil
}

func streamPath(m *files.FileManifest) string {
	p := "/stream/" + m.ID
	if ext := strings.ToLower(path.Ext(m.Filename)); validExtPattern.MatchString(ext) && ext != ".m3u8" {
		p += ext
	}
	return p
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func contentDisposition(kind, filename string) string {
	if filename == "" {
		return kind
	}
	if v := mime.FormatMediaType(kind, map[string]string{"filename": filename}); v != "" {
		return v
	}
	return kind
}

func etag(m *files.FileManifest) string {
	return fmt.Sprintf(`"%s-%d"`, m.ID, m.Size)
}

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var rangeErr *files.RangeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &rangeErr):
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
		writeJSONError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
	case errors.Is(err, files.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "file not found")
	case errors.As(err, &maxBytesErr):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "chunk too large")
	case errors.Is(err, files.ErrInvalidChunk):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, files.ErrIncompleteManifest):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, remote.ErrQuotaOrAuth), errors.Is(err, remote.ErrTransient):
		logging.HTTP.Printf("document host unavailable: %v", err)
		w.Header().Set("Retry-After", "5")
		writeJSONError(w, http.StatusServiceUnavailable, "document host unavailable, retry later")
	default:
		logging.HTTP.Printf("internal error: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}
