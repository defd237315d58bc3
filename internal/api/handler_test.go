package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkrelay/internal/files"
	"chunkrelay/internal/remote"
	"chunkrelay/internal/store"
)

type testServer struct {
	h   *Handler
	svc *files.Service
	mem *remote.Memory
}

func setupTestHandler(t *testing.T, opts Options) *testServer {
	t.Helper()

	mem := remote.NewMemory("test", time.Hour)
	objects := httptest.NewServer(mem)
	t.Cleanup(objects.Close)
	mem.BaseURL = objects.URL

	pool, err := store.NewPool(store.NewMemoryStore("kv0"), store.NewMemoryStore("kv1"))
	require.NoError(t, err)
	bg := files.NewBackground(16, time.Second)
	t.Cleanup(bg.Close)

	svc, err := files.NewService(pool, []remote.Host{mem}, files.NopCache{}, bg, files.Options{
		ChunkSize:      10,
		MaxChunks:      100,
		AssembleWait:   50 * time.Millisecond,
		PrefetchWindow: 2,
	})
	require.NoError(t, err)

	return &testServer{h: NewHandler(svc, opts), svc: svc, mem: mem}
}

type chunkReq struct {
	id          string
	index       int
	total       int
	name        string
	size        int64
	contentType string
	ip          string
	body        []byte
}

func (ts *testServer) postChunk(t *testing.T, c chunkReq) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/upload", bytes.NewReader(c.body))
	req.Header.Set(HeaderFileID, c.id)
	req.Header.Set(HeaderChunkIndex, strconv.Itoa(c.index))
	req.Header.Set(HeaderTotalChunks, strconv.Itoa(c.total))
	req.Header.Set(HeaderFileName, c.name)
	req.Header.Set(HeaderFileSize, strconv.FormatInt(c.size, 10))
	if c.contentType != "" {
		req.Header.Set(HeaderContentType, c.contentType)
	}
	if c.ip != "" {
		req.Header.Set("X-Forwarded-For", c.ip)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

// uploadFile sends data in 10 byte chunks and returns the final response.
func (ts *testServer) uploadFile(t *testing.T, id, name, contentType string, data []byte) UploadResponse {
	t.Helper()
	size := int64(len(data))
	n := files.TotalChunks(size, 10)

	var resp UploadResponse
	for i := 0; i < n; i++ {
		start := int64(i) * 10
		end := min(start+10, size)
		rec := ts.postChunk(t, chunkReq{
			id: id, index: i, total: n, name: name, size: size,
			contentType: contentType, body: data[start:end],
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, i == n-1, resp.Complete)
	}
	return resp
}

func (ts *testServer) get(t *testing.T, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

var sample = []byte("0123456789abcdefghijKLMNO")

func TestHandler_UploadConfig(t *testing.T) {
	ts := setupTestHandler(t, Options{})

	rec := ts.get(t, "GET", "/api/upload/config")
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg files.UploadConfig
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	assert.Equal(t, int64(10), cfg.ChunkSize)
	assert.Equal(t, 100, cfg.MaxChunks)
}

func TestHandler_UploadAndStream(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	resp := ts.uploadFile(t, "clip-1", "clip.mp4", "video/mp4", sample)

	assert.Equal(t, "http://example.com/stream/clip-1.mp4", resp.StreamURL)
	assert.Equal(t, resp.StreamURL+"?dl=1", resp.DownloadURL)
	assert.Equal(t, "http://example.com/stream/clip-1.m3u8", resp.PlaylistURL)
	assert.Equal(t, int64(len(sample)), resp.Size)

	t.Run("whole file", func(t *testing.T) {
		rec := ts.get(t, "GET", "/stream/clip-1.mp4")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, sample, rec.Body.Bytes())
		assert.Equal(t, "25", rec.Header().Get("Content-Length"))
		assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
		assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
		assert.Equal(t, `inline; filename=clip.mp4`, rec.Header().Get("Content-Disposition"))
		assert.Empty(t, rec.Header().Get("Content-Range"))
	})

	t.Run("range across chunks", func(t *testing.T) {
		rec := ts.get(t, "GET", "/stream/clip-1", "Range", "bytes=8-12")
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "89abc", rec.Body.String())
		assert.Equal(t, "bytes 8-12/25", rec.Header().Get("Content-Range"))
		assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	})

	t.Run("suffix range", func(t *testing.T) {
		rec := ts.get(t, "GET", "/stream/clip-1", "Range", "bytes=-3")
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "MNO", rec.Body.String())
		assert.Equal(t, "bytes 22-24/25", rec.Header().Get("Content-Range"))
	})

	t.Run("download", func(t *testing.T) {
		rec := ts.get(t, "GET", "/stream/clip-1.mp4?dl=1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `attachment; filename=clip.mp4`, rec.Header().Get("Content-Disposition"))
	})

	t.Run("head", func(t *testing.T) {
		rec := ts.get(t, "HEAD", "/stream/clip-1.mp4", "Range", "bytes=0-3")
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "4", rec.Header().Get("Content-Length"))
		assert.Equal(t, "bytes 0-3/25", rec.Header().Get("Content-Range"))
		assert.Zero(t, rec.Body.Len())
	})

	t.Run("unsatisfiable", func(t *testing.T) {
		for _, rg := range []string{"bytes=25-", "bytes=25-25", "bytes=12-8", "bytes=-0"} {
			rec := ts.get(t, "GET", "/stream/clip-1", "Range", rg)
			require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code, rg)
			assert.Equal(t, "bytes */25", rec.Header().Get("Content-Range"), rg)
			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, decodeError(t, rec).Code, rg)
		}
	})

	t.Run("malformed range serves whole file", func(t *testing.T) {
		rec := ts.get(t, "GET", "/stream/clip-1", "Range", "bytes=0-1,4-5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, sample, rec.Body.Bytes())
	})

	t.Run("file info", func(t *testing.T) {
		rec := ts.get(t, "GET", "/api/file/clip-1")
		require.Equal(t, http.StatusOK, rec.Code)
		var info FileInfo
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
		assert.Equal(t, "clip.mp4", info.Filename)
		assert.Equal(t, 3, info.TotalChunks)
		assert.Equal(t, "25 B", info.SizeHuman)
		assert.NotContains(t, rec.Body.String(), "/obj/")
	})
}

func TestHandler_EmptyFile(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	rec := ts.postChunk(t, chunkReq{id: "empty", index: 0, total: 1, name: "empty.txt", size: 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.get(t, "GET", "/stream/empty")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())

	rec = ts.get(t, "GET", "/stream/empty", "Range", "bytes=0-")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestHandler_NotFound(t *testing.T) {
	ts := setupTestHandler(t, Options{})

	for _, target := range []string{"/stream/missing", "/stream/missing.m3u8", "/api/file/missing", "/stream/missing/chunk/0", "/stream/bad:id"} {
		rec := ts.get(t, "GET", target)
		require.Equal(t, http.StatusNotFound, rec.Code, target)
		e := decodeError(t, rec)
		assert.Equal(t, http.StatusNotFound, e.Code, target)
		assert.NotEmpty(t, e.Error, target)
	}
}

func TestHandler_InvalidChunkRequests(t *testing.T) {
	ts := setupTestHandler(t, Options{})

	tests := []struct {
		name string
		c    chunkReq
		want int
	}{
		{"bad file id", chunkReq{id: "a/b", total: 1, name: "x", size: 1, body: []byte("x")}, http.StatusBadRequest},
		{"index past total", chunkReq{id: "f", index: 3, total: 3, name: "x", size: 25, body: []byte("x")}, http.StatusBadRequest},
		{"wrong chunk count", chunkReq{id: "f", index: 0, total: 2, name: "x", size: 25, body: sample[:10]}, http.StatusBadRequest},
		{"missing filename", chunkReq{id: "f", index: 0, total: 1, size: 1, body: []byte("x")}, http.StatusBadRequest},
		{"short body", chunkReq{id: "f", index: 0, total: 3, name: "x", size: 25, body: sample[:9]}, http.StatusBadRequest},
		{"oversized body", chunkReq{id: "f", index: 0, total: 3, name: "x", size: 25, body: sample[:11]}, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.postChunk(t, tc.c)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Equal(t, tc.want, decodeError(t, rec).Code)
		})
	}

	t.Run("non numeric headers", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/upload", strings.NewReader("x"))
		req.Header.Set(HeaderFileID, "f")
		req.Header.Set(HeaderChunkIndex, "zero")
		rec := httptest.NewRecorder()
		ts.h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_FinalChunkWithoutOthers(t *testing.T) {
	ts := setupTestHandler(t, Options{})

	rec := ts.postChunk(t, chunkReq{id: "partial", index: 2, total: 3, name: "x.bin", size: 25, body: sample[20:]})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = ts.get(t, "GET", "/api/file/partial")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The missing chunks arrive and the completion call assembles the file.
	for i := 0; i < 2; i++ {
		rec := ts.postChunk(t, chunkReq{id: "partial", index: i, total: 3, name: "x.bin", size: 25, body: sample[i*10 : i*10+10]})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec = ts.get(t, "POST", "/api/upload/partial/complete")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Complete)
	assert.Equal(t, "http://example.com/stream/partial.bin", resp.StreamURL)

	rec = ts.get(t, "GET", "/stream/partial")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sample, rec.Body.Bytes())
}

func TestHandler_CompleteIsIdempotent(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	ts.uploadFile(t, "done", "a.txt", "text/plain", sample)

	for i := 0; i < 2; i++ {
		rec := ts.get(t, "POST", "/api/upload/done/complete")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.get(t, "POST", "/api/upload/nothing/complete")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Playlist(t *testing.T) {
	ts := setupTestHandler(t, Options{HLSSegmentSeconds: 4})
	ts.uploadFile(t, "vod", "vod.ts", "video/mp2t", sample)

	rec := ts.get(t, "GET", "/stream/vod.m3u8")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, playlistContentType, rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:4")
	assert.Contains(t, body, "/stream/vod/chunk/0\n")
	assert.Contains(t, body, "/stream/vod/chunk/2\n")
	assert.NotContains(t, body, "/stream/vod/chunk/3")

	rec = ts.get(t, "GET", "/stream/vod/chunk/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcdefghij", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))

	rec = ts.get(t, "HEAD", "/stream/vod/chunk/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))

	rec = ts.get(t, "GET", "/stream/vod/chunk/3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.get(t, "GET", "/stream/vod/chunk/x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Delete(t *testing.T) {
	ts := setupTestHandler(t, Options{AdminToken: "s3cret"})
	ts.uploadFile(t, "gone", "a.txt", "text/plain", sample)
	require.Equal(t, 3, ts.mem.Objects())

	rec := ts.get(t, "DELETE", "/api/file/gone")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.get(t, "DELETE", "/api/file/gone", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.get(t, "DELETE", "/api/file/gone", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp DeleteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Manifest)
	assert.Equal(t, 3, resp.Locators)
	assert.Equal(t, 3, resp.Objects)
	assert.Zero(t, ts.mem.Objects())

	rec = ts.get(t, "GET", "/stream/gone")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.get(t, "DELETE", "/api/file/gone", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_DeleteDisabledWithoutToken(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	rec := ts.get(t, "DELETE", "/api/file/any", "Authorization", "Bearer ")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_InflightLimit(t *testing.T) {
	limiter := NewUploadLimiter(1)
	ts := setupTestHandler(t, Options{Limiter: limiter})
	ip := "203.0.113.7"

	rec := ts.postChunk(t, chunkReq{id: "first", index: 0, total: 3, name: "a", size: 25, ip: ip, body: sample[:10]})
	require.Equal(t, http.StatusOK, rec.Code)

	// A second file is refused while the first is unfinished.
	rec = ts.postChunk(t, chunkReq{id: "second", index: 0, total: 1, name: "b", size: 1, ip: ip, body: []byte("x")})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "max 1")

	// Other IPs are unaffected.
	rec = ts.postChunk(t, chunkReq{id: "other", index: 0, total: 1, name: "b", size: 1, ip: "198.51.100.1", body: []byte("x")})
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 1; i < 3; i++ {
		end := min(i*10+10, 25)
		rec = ts.postChunk(t, chunkReq{id: "first", index: i, total: 3, name: "a", size: 25, ip: ip, body: sample[i*10 : end]})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Zero(t, limiter.InflightCount(ip))

	rec = ts.postChunk(t, chunkReq{id: "second", index: 0, total: 1, name: "b", size: 1, ip: ip, body: []byte("x")})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_AbortsOnMidStreamFailure(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	ts.uploadFile(t, "flaky", "a.bin", "", sample)

	m, err := ts.svc.Manifest(context.Background(), "flaky")
	require.NoError(t, err)
	ts.mem.FailFetches(m.Chunks[1].RemoteHandle, 100)

	srv := httptest.NewServer(ts.h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/flaky")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err, "a failed chunk must not look like a complete body")
	assert.Less(t, len(body), len(sample))
	assert.Equal(t, sample[:len(body)], body)
}

func TestHandler_FirstChunkFailureIsReportedBeforeHeaders(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	ts.uploadFile(t, "dead", "a.bin", "", sample)

	m, err := ts.svc.Manifest(context.Background(), "dead")
	require.NoError(t, err)
	ts.mem.FailFetches(m.Chunks[0].RemoteHandle, 100)

	rec := ts.get(t, "GET", "/stream/dead")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandler_HostUnavailable(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	ts.h = NewHandler(mustService(t, unavailableHost{}), Options{})

	rec := ts.postChunk(t, chunkReq{id: "f", index: 0, total: 1, name: "a", size: 1, body: []byte("x")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

type unavailableHost struct{}

func (unavailableHost) Name() string { return "down" }

func (unavailableHost) Upload(ctx context.Context, filename string, r io.Reader, size int64) (string, error) {
	return "", fmt.Errorf("upload: %w", remote.ErrTransient)
}

func (unavailableHost) Resolve(ctx context.Context, handle string) (string, error) {
	return "", fmt.Errorf("resolve: %w", remote.ErrTransient)
}

func mustService(t *testing.T, hosts ...remote.Host) *files.Service {
	pool, err := store.NewPool(store.NewMemoryStore("kv0"))
	require.NoError(t, err)
	svc, err := files.NewService(pool, hosts, nil, nil, files.Options{ChunkSize: 10})
	require.NoError(t, err)
	return svc
}

func TestHandler_Health(t *testing.T) {
	ts := setupTestHandler(t, Options{})
	rec := ts.get(t, "GET", "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	RequireAdmin("token", ok)(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("DELETE", "/", nil)
	req.Header.Set("Authorization", "Basic token")
	RequireAdmin("token", ok)(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORS_AllowAll(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{})(handler)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()

	corsHandler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Range") {
		t.Errorf("expected Range to be allowed, got %q", got)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://relay.example", "https://localhost:3000"},
	})(handler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("Origin", "https://relay.example")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://relay.example" {
			t.Errorf("expected https://relay.example, got %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/test", nil)
		req.Header.Set("Origin", "https://relay.example")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for preflight, got %d", rec.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Very restrictive config for testing
	cfg := RateLimitConfig{
		RequestsPerSecond:       1,
		BurstSize:               2,
		UploadRequestsPerMinute: 1,
		UploadBurstSize:         1,
	}

	rateLimiter := NewRateLimiter(cfg)
	defer rateLimiter.Stop()
	rateLimitedHandler := rateLimiter.Middleware(handler)

	t.Run("allows requests within limit", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rec := httptest.NewRecorder()

		rateLimitedHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/api/test", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			rec := httptest.NewRecorder()

			rateLimitedHandler.ServeHTTP(rec, req)

			// First 2 should pass (burst), rest should be rate limited
			if i < 2 && rec.Code != http.StatusOK {
				t.Errorf("request %d: expected 200, got %d", i, rec.Code)
			}
			if i >= 2 && rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: expected 429, got %d", i, rec.Code)
			}
		}
	})

	t.Run("chunk uploads use the upload limit", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req := httptest.NewRequest("POST", "/api/upload", nil)
			req.RemoteAddr = "10.0.0.2:12345"
			rec := httptest.NewRecorder()

			rateLimitedHandler.ServeHTTP(rec, req)

			if i == 0 && rec.Code != http.StatusOK {
				t.Errorf("upload %d: expected 200, got %d", i, rec.Code)
			}
			if i == 1 && rec.Code != http.StatusTooManyRequests {
				t.Errorf("upload %d: expected 429, got %d", i, rec.Code)
			}
		}
	})

	t.Run("uses X-Forwarded-For header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		req.RemoteAddr = "127.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
		rec := httptest.NewRecorder()

		rateLimitedHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestRateLimiterCleanup(t *testing.T) {
	// lastSeen has one second resolution, so the TTL must be at least that
	rl := newIPRateLimiterWithTTL(10, 5, 1*time.Second)
	defer rl.Stop()

	rl.getLimiter("192.168.1.1")
	rl.getLimiter("192.168.1.2")
	rl.getLimiter("192.168.1.3")

	count := 0
	rl.limiters.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count != 3 {
		t.Errorf("expected 3 entries, got %d", count)
	}

	time.Sleep(2 * time.Second)
	rl.cleanup()

	count = 0
	rl.limiters.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count != 0 {
		t.Errorf("expected 0 entries after cleanup, got %d", count)
	}
}

func TestRateLimiterCleanupPreservesActive(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, 2*time.Second)
	defer rl.Stop()

	rl.getLimiter("192.168.1.2")
	time.Sleep(3 * time.Second)
	rl.getLimiter("192.168.1.1")

	rl.cleanup()

	var remaining []string
	rl.limiters.Range(func(key, _ any) bool {
		remaining = append(remaining, key.(string))
		return true
	})

	if len(remaining) != 1 || remaining[0] != "192.168.1.1" {
		t.Errorf("expected only 192.168.1.1 to remain, got: %v", remaining)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, 10*time.Millisecond)

	// Calling Stop multiple times should not panic
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()

	if cfg.RequestsPerSecond <= 0 {
		t.Error("RequestsPerSecond should be positive")
	}
	if cfg.BurstSize <= 0 {
		t.Error("BurstSize should be positive")
	}
	if cfg.UploadRequestsPerMinute <= 0 {
		t.Error("UploadRequestsPerMinute should be positive")
	}
	if cfg.UploadBurstSize <= 0 {
		t.Error("UploadBurstSize should be positive")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr only", "192.168.1.1:12345", "", "", "192.168.1.1"},
		{"X-Forwarded-For single", "127.0.0.1:80", "203.0.113.50", "", "203.0.113.50"},
		{"X-Forwarded-For chain", "127.0.0.1:80", "203.0.113.50, 70.41.3.18", "", "203.0.113.50"},
		{"X-Real-IP", "127.0.0.1:80", "", "203.0.113.100", "203.0.113.100"},
		{"X-Forwarded-For takes precedence", "127.0.0.1:80", "1.2.3.4", "5.6.7.8", "1.2.3.4"},
		{"IPv6", "[::1]:8080", "", "", "[::1]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			got := extractIP(req)
			if got != tc.want {
				t.Errorf("extractIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
