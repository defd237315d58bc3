package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process document host. It issues signed, expiring direct
// URLs under BaseURL and serves them (with Range support) via ServeHTTP, which
// makes it a stand-in for the real host in development mode and tests.
type Memory struct {
	BaseURL string

	mu            sync.Mutex
	name          string
	secret        []byte
	ttl           time.Duration
	objects       map[string][]byte
	resolves      int
	failResolves  int
	fetchFailures map[string]int
}

// NewMemory creates an empty host whose URLs live for ttl.
func NewMemory(name string, ttl time.Duration) *Memory {
	secret := make([]byte, 32)
	rand.Read(secret)
	return &Memory{
		name:          name,
		secret:        secret,
		ttl:           ttl,
		objects:       make(map[string][]byte),
		fetchFailures: make(map[string]int),
	}
}

func (m *Memory) Name() string {
	return "memory:" + m.name
}

func (m *Memory) Upload(ctx context.Context, filename string, data io.Reader, size int64) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[handle] = buf
	return handle, nil
}

func (m *Memory) Resolve(ctx context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resolves++
	if m.failResolves > 0 {
		m.failResolves--
		return "", APIError("resolve", http.StatusTooManyRequests, "injected failure")
	}
	if _, ok := m.objects[handle]; !ok {
		return "", fmt.Errorf("resolve: %w", ErrNotFound)
	}

	exp := strconv.FormatInt(time.Now().Add(m.ttl).Unix(), 10)
	q := url.Values{}
	q.Set("exp", exp)
	q.Set("sig", m.sign(handle, exp))
	return fmt.Sprintf("%s/obj/%s?%s", strings.TrimRight(m.BaseURL, "/"), url.PathEscape(handle), q.Encode()), nil
}

func (m *Memory) Delete(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[handle]; !ok {
		return ErrNotFound
	}
	delete(m.objects, handle)
	return nil
}

func (m *Memory) sign(handle, exp string) string {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(handle + "|" + exp))
	return hex.EncodeToString(h.Sum(nil))
}

// SetTTL changes the lifetime of URLs issued from now on.
func (m *Memory) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl = ttl
}

// FailResolves makes the next n Resolve calls fail as rate limited.
func (m *Memory) FailResolves(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failResolves = n
}

// FailFetches makes the next n GETs of handle fail with a 500.
func (m *Memory) FailFetches(handle string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchFailures[handle] = n
}

// Resolves reports how many Resolve calls were made.
func (m *Memory) Resolves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolves
}

// Objects reports how many objects are stored.
func (m *Memory) Objects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// ServeHTTP serves GET /obj/{handle}?exp=..&sig=..; expired or forged URLs get 403.
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idx := strings.LastIndex(r.URL.Path, "/obj/")
	if idx < 0 {
		http.NotFound(w, r)
		return
	}
	handle, err := url.PathUnescape(r.URL.Path[idx+len("/obj/"):])
	if err != nil {
		http.NotFound(w, r)
		return
	}

	exp := r.URL.Query().Get("exp")
	sig := r.URL.Query().Get("sig")
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || !hmac.Equal([]byte(sig), []byte(m.sign(handle, exp))) {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}
	if time.Now().Unix() > expUnix {
		http.Error(w, "url expired", http.StatusForbidden)
		return
	}

	m.mu.Lock()
	data, ok := m.objects[handle]
	failing := m.fetchFailures[handle] > 0
	if failing {
		m.fetchFailures[handle]--
	}
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if failing {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}
