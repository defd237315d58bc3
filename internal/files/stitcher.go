package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"chunkrelay/internal/logging"
	"chunkrelay/internal/remote"
)

// Stitcher serves a byte range of a file by fetching the covering slice of
// each chunk from its direct URL and emitting them in chunk order.
type Stitcher struct {
	client      *retryablehttp.Client
	refresher   *Refresher
	prefetch    int
	idleTimeout time.Duration
}

// NewStitcher creates a stitcher that opens up to prefetch chunks ahead of
// the one being emitted. fetchTimeout bounds both the wait for response
// headers and any single wait for body bytes.
func NewStitcher(refresher *Refresher, prefetch int, fetchTimeout time.Duration) *Stitcher {
	client := retryablehttp.NewClient()
	client.Logger = logging.Relay
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = fetchRetryPolicy
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if t, ok := client.HTTPClient.Transport.(*http.Transport); ok && fetchTimeout > 0 {
		t.ResponseHeaderTimeout = fetchTimeout
	}
	if prefetch < 0 {
		prefetch = 0
	}
	return &Stitcher{
		client:      client,
		refresher:   refresher,
		prefetch:    prefetch,
		idleTimeout: fetchTimeout,
	}
}

// fetchRetryPolicy leaves expired-URL statuses to the refresh path.
func fetchRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type fetchResult struct {
	body io.ReadCloser
	err  error
}

// Stream is one in-progress range response.
type Stream struct {
	Manifest *FileManifest
	Range    ByteRange

	s       *Stitcher
	ctx     context.Context
	cancel  context.CancelFunc
	parts   []Part
	results []chan fetchResult
	started int
}

// Open plans r over m and opens the first chunk, so failures reachable before
// any byte is sent are reported here rather than mid-stream.
func (s *Stitcher) Open(ctx context.Context, m *FileManifest, r ByteRange) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		Manifest: m,
		Range:    r,
		s:        s,
		ctx:      ctx,
		cancel:   cancel,
		parts:    Plan(m, r),
	}
	st.results = make([]chan fetchResult, len(st.parts))

	if len(st.parts) > 0 {
		body, err := s.fetch(ctx, m, st.parts[0])
		if err != nil {
			cancel()
			return nil, err
		}
		ch := make(chan fetchResult, 1)
		ch <- fetchResult{body: body}
		st.results[0] = ch
		st.started = 1
	}
	return st, nil
}

// Parts returns the chunk slices the stream will emit.
func (st *Stream) Parts() []Part {
	return st.parts
}

// WriteTo emits every part in order. Chunk i is written in full before any
// byte of chunk i+1.
func (st *Stream) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for i, p := range st.parts {
		st.startThrough(min(i+st.s.prefetch, len(st.parts)-1))

		res := <-st.results[i]
		st.results[i] = nil
		if res.err != nil {
			return written, res.err
		}

		n, err := io.Copy(w, io.LimitReader(res.body, p.Length))
		res.body.Close()
		written += n
		if err != nil {
			return written, &ChunkError{FileID: st.Manifest.ID, Index: p.Index, Err: err}
		}
		if n != p.Length {
			return written, &ChunkError{FileID: st.Manifest.ID, Index: p.Index,
				Err: fmt.Errorf("%w: body ended after %d of %d bytes", remote.ErrTransient, n, p.Length)}
		}
	}
	return written, nil
}

func (st *Stream) startThrough(upto int) {
	for st.started <= upto {
		i := st.started
		ch := make(chan fetchResult, 1)
		st.results[i] = ch
		go func() {
			body, err := st.s.fetch(st.ctx, st.Manifest, st.parts[i])
			ch <- fetchResult{body: body, err: err}
		}()
		st.started++
	}
}

// Close cancels outstanding fetches and releases opened bodies.
func (st *Stream) Close() error {
	st.cancel()
	for i := 0; i < st.started; i++ {
		ch := st.results[i]
		if ch == nil {
			continue
		}
		st.results[i] = nil
		go func() {
			if res := <-ch; res.body != nil {
				res.body.Close()
			}
		}()
	}
	return nil
}

// fetch opens the slice p of one chunk, refreshing its URL once if the host
// reports it expired.
func (s *Stitcher) fetch(ctx context.Context, m *FileManifest, p Part) (io.ReadCloser, error) {
	loc, err := s.refresher.Current(ctx, m.ID, m.Chunks[p.Index])
	if err != nil {
		return nil, err
	}

	body, err := s.get(ctx, loc, p)
	if errors.Is(err, remote.ErrExpired) {
		logging.Relay.Printf("direct url for file %s chunk %d rejected (%v), refreshing", m.ID, p.Index, err)
		if loc, err = s.refresher.Refresh(ctx, m.ID, loc); err != nil {
			return nil, err
		}
		body, err = s.get(ctx, loc, p)
	}
	if err != nil {
		logging.Relay.Printf("fetch of file %s chunk %d failed: %v", m.ID, p.Index, err)
		return nil, &ChunkError{FileID: m.ID, Index: p.Index, Err: err}
	}
	return body, nil
}

func (s *Stitcher) get(ctx context.Context, loc ChunkLocator, p Part) (io.ReadCloser, error) {
	rctx, cancel := context.WithCancel(ctx)
	req, err := retryablehttp.NewRequestWithContext(rctx, http.MethodGet, loc.DirectURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	ranged := p.Offset != 0 || p.Length != loc.Size
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", p.Offset, p.Offset+p.Length-1))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", remote.ErrTransient, err)
	}
	body := newStallGuard(resp.Body, s.idleTimeout, cancel)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != p.Offset {
			body.Close()
			return nil, fmt.Errorf("%w: host returned range starting at %d, want %d", remote.ErrTransient, start, p.Offset)
		}
		return body, nil
	case http.StatusOK:
		// The host ignored the Range header; skip to the offset ourselves.
		if p.Offset > 0 {
			if _, err := io.CopyN(io.Discard, body, p.Offset); err != nil {
				body.Close()
				return nil, fmt.Errorf("%w: skip to offset %d: %v", remote.ErrTransient, p.Offset, err)
			}
		}
		return body, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(body, 1024))
		body.Close()
		return nil, remote.FetchError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// stallGuard fails a body read that waits longer than idle for the host.
// The clock only runs inside Read, so a prefetched body waiting for its turn
// or a slow downstream client does not count as a stall.
type stallGuard struct {
	rc      io.ReadCloser
	idle    time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	stalled atomic.Bool
}

func newStallGuard(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *stallGuard {
	g := &stallGuard{rc: rc, idle: idle, cancel: cancel}
	if idle > 0 {
		g.timer = time.AfterFunc(idle, func() {
			g.stalled.Store(true)
			cancel()
		})
		g.timer.Stop()
	}
	return g
}

func (g *stallGuard) Read(p []byte) (int, error) {
	if g.timer == nil {
		return g.rc.Read(p)
	}
	g.timer.Reset(g.idle)
	n, err := g.rc.Read(p)
	g.timer.Stop()
	if err != nil && g.stalled.Load() {
		return n, fmt.Errorf("%w: no data from host for %s", remote.ErrTransient, g.idle)
	}
	return n, err
}

func (g *stallGuard) Close() error {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.cancel()
	return g.rc.Close()
}

// contentRangeStart parses the first byte position of "bytes a-b/size".
func contentRangeStart(h string) (int64, bool) {
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}
	var start int64
	if _, err := fmt.Sscanf(first, "%d", &start); err != nil {
		return 0, false
	}
	return start, true
}
