// Package client splits a file into chunks and uploads them to the relay
// server in parallel, with per-chunk retry.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chunkrelay/internal/logging"
)

// Config holds configuration for the uploader.
type Config struct {
	// Parallel is the maximum number of chunk uploads in flight.
	// Default: 3
	Parallel int

	// MaxRetries is the number of attempts per chunk before the whole
	// upload fails.
	// Default: 3
	MaxRetries int

	// BaseDelay is the backoff before the second attempt. It doubles on
	// every further attempt.
	// Default: 1 second
	BaseDelay time.Duration

	// ChunkTimeout bounds a single attempt. Zero means no bound besides the
	// caller's context.
	ChunkTimeout time.Duration

	// OnProgress, if set, receives non-decreasing progress observations.
	// It is called serially.
	OnProgress func(Progress)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Parallel:     3,
		MaxRetries:   3,
		BaseDelay:    time.Second,
		ChunkTimeout: 10 * time.Minute,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Parallel <= 0 {
		c.Parallel = def.Parallel
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
}

// UploadError reports a chunk that failed every attempt.
type UploadError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// File describes the file being uploaded.
type File struct {
	// ID is generated when empty.
	ID          string
	Name        string
	ContentType string
}

// Result is the outcome of a completed upload.
type Result struct {
	FileID   string
	Size     int64
	Chunks   int
	Response *ChunkResponse
}

// Uploader uploads chunked files through a Transport.
type Uploader struct {
	transport Transport
	config    Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an Uploader.
func New(transport Transport, config Config) *Uploader {
	config.setDefaults()
	return &Uploader{transport: transport, config: config, sleep: sleepContext}
}

// Upload sends every chunk of provider. Chunks 0..n-2 are uploaded by a
// bounded worker pool in any order; the final chunk, which makes the server
// assemble the manifest, is sent only after all of them succeeded. The first
// chunk to exhaust its retries aborts the upload with an *UploadError, except
// that a failed final chunk is first followed by a Complete call when the
// transport is a Completer. Cancelling ctx stops new chunks from being
// scheduled.
func (u *Uploader) Upload(ctx context.Context, f File, provider ChunkProvider) (*Result, error) {
	n := provider.NumChunks()
	if n == 0 {
		return nil, errors.New("nothing to upload")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	var size int64
	for i := 0; i < n; i++ {
		size += provider.ChunkSize(i)
	}

	tr := newTracker(size, n, u.config.OnProgress)
	base := ChunkRequest{
		FileID:      f.ID,
		TotalChunks: n,
		Filename:    f.Name,
		FileSize:    size,
		ContentType: f.ContentType,
	}
	logging.Client.Printf("uploading %s (%s) as %s in %d chunk(s), %d in parallel",
		f.Name, humanize.IBytes(uint64(size)), f.ID, n, u.config.Parallel)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.Parallel)
	for i := 0; i < n-1; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := u.uploadChunkWithRetry(gctx, base, i, provider, tr)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload cancelled: %w", err)
	}

	resp, err := u.uploadChunkWithRetry(ctx, base, n-1, provider, tr)
	if err != nil {
		// The final chunk may have been stored with only its response lost,
		// or the server may have given up waiting for earlier chunks.
		recovered, ok := u.completeAfterFailure(ctx, f.ID, err)
		if !ok {
			return nil, err
		}
		tr.complete(n-1, provider.ChunkSize(n-1))
		resp = recovered
	}
	if !resp.Complete {
		return nil, &UploadError{Index: n - 1, Attempts: 1, Err: fmt.Errorf("%w: final chunk did not complete the file", ErrMalformedResponse)}
	}

	logging.Client.Printf("upload of %s complete: %s", f.ID, resp.StreamURL)
	return &Result{FileID: f.ID, Size: size, Chunks: n, Response: resp}, nil
}

// completeAfterFailure asks the server to assemble the file once the final
// chunk has exhausted its retries. It needs a transport that is a Completer.
func (u *Uploader) completeAfterFailure(ctx context.Context, fileID string, cause error) (*ChunkResponse, bool) {
	c, ok := u.transport.(Completer)
	if !ok || ctx.Err() != nil {
		return nil, false
	}
	logging.Client.Printf("final chunk of %s failed (%v); asking the server to complete", fileID, cause)
	resp, err := c.Complete(ctx, fileID)
	if err != nil {
		logging.Client.Printf("completing %s failed: %v", fileID, err)
		return nil, false
	}
	if !resp.Complete || resp.StreamURL == "" {
		logging.Client.Printf("server did not complete %s", fileID)
		return nil, false
	}
	return resp, true
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, base ChunkRequest, index int, provider ChunkProvider, tr *tracker) (*ChunkResponse, error) {
	req := base
	req.Index = index

	var lastErr error
	for attempt := 0; attempt < u.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := u.config.BaseDelay << (attempt - 1)
			logging.Client.Printf("chunk %d attempt %d failed: %v; retrying in %v", index, attempt, lastErr, delay)
			if err := u.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("chunk %d upload cancelled: %w", index, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("chunk %d upload cancelled: %w", index, err)
		}

		start := time.Now()
		resp, err := u.uploadChunk(ctx, req, provider, tr)
		if err == nil {
			tr.complete(index, provider.ChunkSize(index))
			logging.Client.Printf("chunk %d/%d stored on %s in %v", index+1, req.TotalChunks, resp.StoreLocation, time.Since(start).Round(time.Millisecond))
			return resp, nil
		}
		tr.reset(index)
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("chunk %d upload cancelled: %w", index, ctx.Err())
		}
	}
	return nil, &UploadError{Index: index, Attempts: u.config.MaxRetries, Err: lastErr}
}

func (u *Uploader) uploadChunk(ctx context.Context, req ChunkRequest, provider ChunkProvider, tr *tracker) (*ChunkResponse, error) {
	data, err := provider.GetChunk(req.Index)
	if err != nil {
		return nil, err
	}
	if u.config.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.config.ChunkTimeout)
		defer cancel()
	}
	body := &countingReader{r: bytes.NewReader(data), index: req.Index, t: tr}
	return u.transport.UploadChunk(ctx, req, body, int64(len(data)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
