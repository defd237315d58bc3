package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request headers identifying a chunk.
const (
	HeaderFileID      = "X-File-Id"
	HeaderChunkIndex  = "X-Chunk-Index"
	HeaderTotalChunks = "X-Total-Chunks"
	HeaderFileName    = "X-File-Name"
	HeaderFileSize    = "X-File-Size"
	HeaderContentType = "X-Content-Type"
)

// ServerConfig holds the split parameters announced by the server.
type ServerConfig struct {
	ChunkSize int64 `json:"chunk_size"`
	MaxChunks int   `json:"max_chunks"`
}

// ChunkRequest identifies one chunk upload.
type ChunkRequest struct {
	FileID      string
	Index       int
	TotalChunks int
	Filename    string
	FileSize    int64
	ContentType string
}

// ChunkResponse is the server's answer to a chunk upload.
type ChunkResponse struct {
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

func (r *ChunkResponse) check(req ChunkRequest) error {
	switch {
	case r.FileID != req.FileID:
		return fmt.Errorf("%w: response names file %q", ErrMalformedResponse, r.FileID)
	case r.ChunkIndex != req.Index:
		return fmt.Errorf("%w: response names chunk %d", ErrMalformedResponse, r.ChunkIndex)
	case r.StoreLocation == "":
		return fmt.Errorf("%w: no store location", ErrMalformedResponse)
	case r.Complete && r.StreamURL == "":
		return fmt.Errorf("%w: completed upload has no stream url", ErrMalformedResponse)
	}
	return nil
}

// ErrMalformedResponse is returned when a 2xx response cannot be understood.
var ErrMalformedResponse = errors.New("malformed server response")

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Transport carries chunks to the relay server.
type Transport interface {
	UploadChunk(ctx context.Context, req ChunkRequest, body io.Reader, size int64) (*ChunkResponse, error)
}

// Completer is an optional interface for transports that can ask the server
// to assemble a file from chunks it already holds.
type Completer interface {
	Complete(ctx context.Context, fileID string) (*ChunkResponse, error)
}

// HTTPTransport talks to the relay server over HTTP.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL. The token,
// when set, is sent as a bearer token on admin calls.
func NewHTTPTransport(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// DefaultHTTPClient creates an HTTP client for chunk uploads. Per-request
// deadlines come from the context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Minute,
		},
	}
}

// Config fetches the server's split parameters.
func (t *HTTPTransport) Config(ctx context.Context) (*ServerConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/upload/config", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var cfg ServerConfig
	if err := t.do(req, &cfg); err != nil {
		return nil, fmt.Errorf("get upload config: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrMalformedResponse, cfg.ChunkSize)
	}
	return &cfg, nil
}

// UploadChunk posts one chunk's bytes.
func (t *HTTPTransport) UploadChunk(ctx context.Context, cr ChunkRequest, body io.Reader, size int64) (*ChunkResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderFileID, cr.FileID)
	req.Header.Set(HeaderChunkIndex, strconv.Itoa(cr.Index))
	req.Header.Set(HeaderTotalChunks, strconv.Itoa(cr.TotalChunks))
	req.Header.Set(HeaderFileName, url.PathEscape(cr.Filename))
	req.Header.Set(HeaderFileSize, strconv.FormatInt(cr.FileSize, 10))
	if cr.ContentType != "" {
		req.Header.Set(HeaderContentType, cr.ContentType)
	}

	var resp ChunkResponse
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}
	if err := resp.check(cr); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete asks the server to assemble a file whose chunks are all stored.
func (t *HTTPTransport) Complete(ctx context.Context, fileID string) (*ChunkResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload/"+url.PathEscape(fileID)+"/complete", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var resp ChunkResponse
	if err := t.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes a file. It needs the admin token.
func (t *HTTPTransport) Delete(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.baseURL+"/api/file/"+url.PathEscape(fileID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return t.do(req, nil)
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeHTTPError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func decodeHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}
