package files

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"chunkrelay/internal/logging"
	"chunkrelay/internal/remote"
	"chunkrelay/internal/store"
)

// ChunkStore uploads chunk bytes to a document host and records a locator
// for each chunk on the shard chosen by its index.
type ChunkStore struct {
	pool          *store.Pool
	hosts         []remote.Host
	chunkSize     int64
	urlTTL        time.Duration
	uploadTimeout time.Duration
	now           func() time.Time
}

// NewChunkStore creates the adapter. Hosts are tried in order.
func NewChunkStore(pool *store.Pool, hosts []remote.Host, chunkSize int64, urlTTL, uploadTimeout time.Duration) *ChunkStore {
	return &ChunkStore{
		pool:          pool,
		hosts:         hosts,
		chunkSize:     chunkSize,
		urlTTL:        urlTTL,
		uploadTimeout: uploadTimeout,
		now:           time.Now,
	}
}

// Put stores one chunk. Re-running Put for the same index overwrites the
// previous locator.
func (c *ChunkStore) Put(ctx context.Context, req ChunkUpload, body io.Reader) (*ChunkLocator, error) {
	want := ExpectedChunkSize(req.FileSize, c.chunkSize, req.Index)
	data, err := readChunk(body, want)
	if err != nil {
		return nil, &ChunkError{FileID: req.FileID, Index: req.Index, Err: err}
	}

	name := fmt.Sprintf("%s.part%d", filepath.Base(req.Filename), req.Index)
	handle, host, err := c.upload(ctx, name, data)
	if err != nil {
		return nil, &ChunkError{FileID: req.FileID, Index: req.Index, Err: err}
	}

	directURL, err := host.Resolve(ctx, handle)
	if err != nil {
		logging.Relay.Printf("resolve failed for file %s chunk %d on %s: %v", req.FileID, req.Index, host.Name(), err)
		return nil, &ChunkError{FileID: req.FileID, Index: req.Index, Err: err}
	}

	shard := c.pool.ForIndex(req.Index)
	loc := &ChunkLocator{
		Index:           req.Index,
		Size:            int64(len(data)),
		RemoteHandle:    handle,
		DirectURL:       directURL,
		DirectURLExpiry: c.now().Add(c.urlTTL),
		StoreLocation:   shard.Name(),
		Host:            host.Name(),
	}

	meta := map[string]string{
		metaExpires: strconv.FormatInt(loc.DirectURLExpiry.Unix(), 10),
		metaFile:    req.FileID,
		metaName:    req.Filename,
		metaSize:    strconv.FormatInt(req.FileSize, 10),
		metaTotal:   strconv.Itoa(req.TotalChunks),
	}
	if req.Index == 0 {
		meta[metaContentType] = resolveContentType(req.ContentType, req.Filename, data)
	}

	record, err := json.Marshal(loc)
	if err != nil {
		return nil, err
	}
	if err := shard.Put(ctx, chunkKey(req.FileID, req.Index), record, meta); err != nil {
		logging.KV.Printf("failed to persist locator for file %s chunk %d on %s: %v", req.FileID, req.Index, shard.Name(), err)
		return nil, &ChunkError{FileID: req.FileID, Index: req.Index, Err: err}
	}

	logging.Relay.Printf("stored file %s chunk %d/%d (%s) on %s, locator on %s",
		req.FileID, req.Index+1, req.TotalChunks, humanize.IBytes(uint64(loc.Size)), host.Name(), shard.Name())
	return loc, nil
}

// upload tries each host in order, falling through on credential, quota or
// availability failures.
func (c *ChunkStore) upload(ctx context.Context, filename string, data []byte) (string, remote.Host, error) {
	var errs []error
	for _, host := range c.hosts {
		uctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
		handle, err := host.Upload(uctx, filename, bytes.NewReader(data), int64(len(data)))
		cancel()
		if err == nil {
			return handle, host, nil
		}
		logging.Relay.Printf("upload of %s to %s failed: %v", filename, host.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", host.Name(), err))
		if ctx.Err() != nil {
			break
		}
		if !errors.Is(err, remote.ErrQuotaOrAuth) && !errors.Is(err, remote.ErrTransient) {
			break
		}
	}
	if len(errs) == 0 {
		return "", nil, errors.New("no document hosts configured")
	}
	return "", nil, errors.Join(errs...)
}

// readChunk reads exactly want bytes and rejects bodies of any other length.
func readChunk(body io.Reader, want int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, want+1))
	if err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("%w: body is %d bytes, want %d", ErrInvalidChunk, len(data), want)
	}
	return data, nil
}

// resolveContentType prefers the declared type, then the file extension, then
// the chunk's leading bytes.
func resolveContentType(declared, filename string, head []byte) string {
	if declared != "" {
		if _, _, err := mime.ParseMediaType(declared); err == nil {
			return declared
		}
	}
	if ext := filepath.Ext(filename); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if len(head) > 0 {
		if mt := mimetype.Detect(head); mt != nil {
			return mt.String()
		}
	}
	return DefaultContentType
}
