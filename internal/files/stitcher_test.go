package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkrelay/internal/remote"
)

// newPlainServer serves each chunk in full with 200, ignoring Range.
func newPlainServer(t *testing.T, chunks map[string][]byte) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := chunks[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStitcher_HostIgnoringRange(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxy")
	m := manifestOfSize(int64(len(data)), 10)
	chunks := map[string][]byte{}
	for i := range m.Chunks {
		start := m.ChunkOffset(i)
		m.Chunks[i].RemoteHandle = fmt.Sprintf("c%d", i)
		chunks[m.Chunks[i].RemoteHandle] = data[start : start+m.Chunks[i].Size]
	}
	srv := newPlainServer(t, chunks)
	for i := range m.Chunks {
		m.Chunks[i].DirectURL = srv.URL + "/" + m.Chunks[i].RemoteHandle
		m.Chunks[i].DirectURLExpiry = time.Now().Add(time.Hour)
		m.Chunks[i].StoreLocation = "kv0"
	}

	pool := newTestPool(t)
	s := NewStitcher(NewRefresher(pool, nil, nil, nil, time.Hour, time.Minute), 1, time.Second)

	st, err := s.Open(context.Background(), m, ByteRange{Start: 7, End: 22, Partial: true})
	require.NoError(t, err)
	defer st.Close()

	var buf bytes.Buffer
	_, err = st.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, string(data[7:23]), buf.String())
}

func TestStitcher_ExpiredWithoutHostsFails(t *testing.T) {
	m := manifestOfSize(5, 10)
	m.Chunks[0].RemoteHandle = "gone"
	m.Chunks[0].DirectURL = "http://127.0.0.1:1/gone"
	m.Chunks[0].DirectURLExpiry = time.Now().Add(-time.Minute)
	m.Chunks[0].StoreLocation = "kv0"

	s := NewStitcher(NewRefresher(newTestPool(t), nil, nil, nil, time.Hour, time.Minute), 0, time.Second)
	_, err := s.Open(context.Background(), m, ByteRange{Start: 0, End: 4})
	require.Error(t, err)
}

func TestContentRangeStart(t *testing.T) {
	start, ok := contentRangeStart("bytes 100-199/1000")
	require.True(t, ok)
	assert.Equal(t, int64(100), start)

	_, ok = contentRangeStart("bytes */1000")
	assert.False(t, ok)
}

func TestStitcher_StalledBodyTimesOut(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.Write([]byte("abc"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })

	m := manifestOfSize(10, 10)
	m.Chunks[0].RemoteHandle = "slow"
	m.Chunks[0].DirectURL = srv.URL + "/slow"
	m.Chunks[0].DirectURLExpiry = time.Now().Add(time.Hour)
	m.Chunks[0].StoreLocation = "kv0"

	s := NewStitcher(NewRefresher(newTestPool(t), nil, nil, nil, time.Hour, time.Minute), 0, 100*time.Millisecond)
	st, err := s.Open(context.Background(), m, ByteRange{Start: 0, End: 9})
	require.NoError(t, err)
	defer st.Close()

	start := time.Now()
	var buf bytes.Buffer
	_, err = st.WriteTo(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrTransient)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "abc", buf.String())
}

func TestStallGuard_WaitingBetweenReadsIsNotAStall(t *testing.T) {
	var cancelled atomic.Bool
	g := newStallGuard(io.NopCloser(strings.NewReader("abcdef")), 20*time.Millisecond, func() { cancelled.Store(true) })
	defer g.Close()

	p := make([]byte, 3)
	_, err := g.Read(p)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	n, err := g.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "def", string(p[:n]))
	assert.False(t, cancelled.Load())
}
