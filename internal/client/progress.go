package client

import (
	"io"
	"sync"
)

// Progress is one observation of an upload.
type Progress struct {
	Sent        int64
	Total       int64
	ChunksDone  int
	TotalChunks int
	Fraction    float64
}

// tracker aggregates per-chunk progress into an overall fraction. Reported
// values never decrease, even when a failed attempt discards in-flight bytes.
type tracker struct {
	mu          sync.Mutex
	total       int64
	totalChunks int
	done        int64
	chunksDone  int
	inflight    map[int]int64
	last        Progress
	fn          func(Progress)
}

func newTracker(total int64, totalChunks int, fn func(Progress)) *tracker {
	return &tracker{
		total:       total,
		totalChunks: totalChunks,
		inflight:    make(map[int]int64),
		fn:          fn,
	}
}

func (t *tracker) add(index int, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[index] += n
	t.report()
}

// reset drops the in-flight bytes of a failed attempt.
func (t *tracker) reset(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, index)
}

func (t *tracker) complete(index int, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, index)
	t.done += size
	t.chunksDone++
	t.report()
}

func (t *tracker) report() {
	sent := t.done
	for _, n := range t.inflight {
		sent += n
	}
	sent = min(sent, t.total)

	p := Progress{
		Sent:        max(sent, t.last.Sent),
		Total:       t.total,
		ChunksDone:  max(t.chunksDone, t.last.ChunksDone),
		TotalChunks: t.totalChunks,
	}
	switch {
	case t.total > 0:
		p.Fraction = float64(p.Sent) / float64(t.total)
	case p.ChunksDone == t.totalChunks:
		p.Fraction = 1
	}
	if p == t.last {
		return
	}
	t.last = p
	if t.fn != nil {
		t.fn(p)
	}
}

// countingReader reports bytes as the transport consumes them.
type countingReader struct {
	r     io.Reader
	index int
	t     *tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.t.add(c.index, int64(n))
	}
	return n, err
}
