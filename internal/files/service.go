package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/samber/lo"

	"chunkrelay/internal/logging"
	"chunkrelay/internal/remote"
	"chunkrelay/internal/store"
)

// Options holds the deployment constants of the relay.
type Options struct {
	ChunkSize      int64
	MaxChunks      int
	URLTTL         time.Duration
	RefreshWindow  time.Duration
	AssembleWait   time.Duration
	UploadTimeout  time.Duration
	FetchTimeout   time.Duration
	ResolveTimeout time.Duration
	PrefetchWindow int
	CacheTTL       time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxChunks <= 0 {
		o.MaxChunks = 10000
	}
	if o.URLTTL <= 0 {
		o.URLTTL = 55 * time.Minute
	}
	if o.RefreshWindow <= 0 {
		o.RefreshWindow = 4 * time.Minute
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 5 * time.Minute
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 2 * time.Minute
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 30 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
}

// Service handles chunk ingest, manifest assembly and range reads.
type Service struct {
	pool  *store.Pool
	hosts []remote.Host
	cache Cache
	opts  Options

	chunks    *ChunkStore
	assembler *Assembler
	refresher *Refresher
	stitcher  *Stitcher
}

// NewService wires the relay components over a shard pool and an ordered
// list of document hosts.
func NewService(pool *store.Pool, hosts []remote.Host, cache Cache, bg *Background, opts Options) (*Service, error) {
	if pool == nil {
		return nil, errors.New("shard pool is required")
	}
	if len(hosts) == 0 {
		return nil, errors.New("at least one document host is required")
	}
	if opts.ChunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if cache == nil {
		cache = NopCache{}
	}
	opts.setDefaults()

	refresher := NewRefresher(pool, hosts, cache, bg, opts.URLTTL, opts.RefreshWindow)
	refresher.resolveTimeout = opts.ResolveTimeout
	return &Service{
		pool:      pool,
		hosts:     hosts,
		cache:     cache,
		opts:      opts,
		chunks:    NewChunkStore(pool, hosts, opts.ChunkSize, opts.URLTTL, opts.UploadTimeout),
		assembler: NewAssembler(pool, opts.ChunkSize, opts.AssembleWait),
		refresher: refresher,
		stitcher:  NewStitcher(refresher, opts.PrefetchWindow, opts.FetchTimeout),
	}, nil
}

// UploadConfig returns the split parameters clients must use.
func (s *Service) UploadConfig() UploadConfig {
	return UploadConfig{ChunkSize: s.opts.ChunkSize, MaxChunks: s.opts.MaxChunks}
}

// IngestResult is the outcome of storing one chunk.
type IngestResult struct {
	Locator  *ChunkLocator
	Complete bool
	Manifest *FileManifest
}

// IngestChunk stores one chunk. When it is the final chunk the manifest is
// assembled and returned.
func (s *Service) IngestChunk(ctx context.Context, req ChunkUpload, body io.Reader) (*IngestResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	if req.TotalChunks > s.opts.MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks exceeds the limit of %d", ErrInvalidChunk, req.TotalChunks, s.opts.MaxChunks)
	}
	if want := TotalChunks(req.FileSize, s.opts.ChunkSize); req.TotalChunks != want {
		return nil, fmt.Errorf("%w: %d chunks declared, a %d byte file splits into %d", ErrInvalidChunk, req.TotalChunks, req.FileSize, want)
	}

	loc, err := s.chunks.Put(ctx, req, body)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Locator: loc}
	if req.Index != req.TotalChunks-1 {
		return res, nil
	}

	m, err := s.assembler.Assemble(ctx, AssembleRequest{
		FileID:      req.FileID,
		Filename:    req.Filename,
		Size:        req.FileSize,
		TotalChunks: req.TotalChunks,
		ContentType: req.ContentType,
	})
	if err != nil {
		return nil, err
	}
	s.cache.Set(manifestCacheKey(m.ID), m, s.opts.CacheTTL)
	res.Complete = true
	res.Manifest = m
	return res, nil
}

// Complete assembles the manifest from stored locators, for clients whose
// final-chunk response was lost. It is idempotent.
func (s *Service) Complete(ctx context.Context, fileID string) (*FileManifest, error) {
	m, err := s.Manifest(ctx, fileID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return m, err
	}

	found, err := s.assembler.scanLocators(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	req, ok := pendingRequest(fileID, found)
	if !ok {
		return nil, fmt.Errorf("%w: locators of %s carry no file attributes", ErrInvalidRecord, fileID)
	}
	if m, err = s.assembler.Assemble(ctx, req); err != nil {
		return nil, err
	}
	s.cache.Set(manifestCacheKey(m.ID), m, s.opts.CacheTTL)
	return m, nil
}

// Manifest returns the validated manifest of a file. The returned value is
// shared and must not be modified.
func (s *Service) Manifest(ctx context.Context, fileID string) (*FileManifest, error) {
	if !ValidFileID(fileID) {
		return nil, ErrNotFound
	}
	if v, ok := s.cache.Get(manifestCacheKey(fileID)); ok {
		if m, ok := v.(*FileManifest); ok {
			return m, nil
		}
	}

	data, err := s.pool.ForKey(manifestKey(fileID)).Get(ctx, manifestKey(fileID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		logging.KV.Printf("manifest %s is unreadable: %v", fileID, err)
		return nil, err
	}
	s.cache.Set(manifestCacheKey(fileID), m, s.opts.CacheTTL)
	return m, nil
}

// OpenRange opens a stream of r over the file.
func (s *Service) OpenRange(ctx context.Context, m *FileManifest, r ByteRange) (*Stream, error) {
	return s.stitcher.Open(ctx, m, r)
}

// OpenChunk opens a stream of one whole chunk, used as an HLS segment.
func (s *Service) OpenChunk(ctx context.Context, m *FileManifest, index int) (*Stream, error) {
	if index < 0 || index >= len(m.Chunks) {
		return nil, ErrNotFound
	}
	start := m.ChunkOffset(index)
	return s.stitcher.Open(ctx, m, ByteRange{Start: start, End: start + m.Chunks[index].Size - 1})
}

// DeleteResult counts what a delete removed.
type DeleteResult struct {
	Manifest bool
	Locators int
	Objects  int
}

// Delete removes a file: the manifest first, then every locator, then the
// remote objects where the host supports deletion. A failure part way leaves
// orphaned locators or objects, never a manifest pointing at missing chunks.
func (s *Service) Delete(ctx context.Context, fileID string) (*DeleteResult, error) {
	if !ValidFileID(fileID) {
		return nil, ErrNotFound
	}
	res := &DeleteResult{}
	var handles []string

	mshard := s.pool.ForKey(manifestKey(fileID))
	data, err := mshard.Get(ctx, manifestKey(fileID))
	switch {
	case err == nil:
		if m, derr := decodeManifest(data); derr == nil {
			handles = lo.Map(m.Chunks, func(c ChunkLocator, _ int) string { return c.RemoteHandle })
		}
		res.Manifest = true
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	found, err := s.assembler.scanLocators(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !res.Manifest && len(found) == 0 {
		return nil, ErrNotFound
	}

	if res.Manifest {
		if err := mshard.Delete(ctx, manifestKey(fileID)); err != nil {
			return nil, fmt.Errorf("delete manifest %s: %w", fileID, err)
		}
	}
	s.cache.Delete(manifestCacheKey(fileID))

	var errs []error
	for _, ref := range found {
		if data, err := ref.shard.Get(ctx, ref.info.Name); err == nil {
			if loc, err := decodeLocator(data); err == nil {
				handles = append(handles, loc.RemoteHandle)
			}
		}
		if err := ref.shard.Delete(ctx, ref.info.Name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s on %s: %w", ref.info.Name, ref.shard.Name(), err))
			continue
		}
		res.Locators++
	}

	for _, handle := range lo.Uniq(handles) {
		s.cache.Delete(urlCacheKey(handle))
		if s.deleteObject(ctx, handle) {
			res.Objects++
		}
	}

	logging.Relay.Printf("deleted file %s (manifest=%v, %d locators, %d remote objects)", fileID, res.Manifest, res.Locators, res.Objects)
	return res, errors.Join(errs...)
}

func (s *Service) deleteObject(ctx context.Context, handle string) bool {
	for _, host := range s.hosts {
		d, ok := host.(remote.Deleter)
		if !ok {
			continue
		}
		err := d.Delete(ctx, handle)
		if err == nil {
			return true
		}
		if !errors.Is(err, remote.ErrNotFound) {
			logging.Relay.Printf("failed to delete remote object %s via %s: %v", handle, host.Name(), err)
		}
	}
	return false
}

// ShardStats summarises one shard.
type ShardStats struct {
	Shard         string
	Manifests     int
	ManifestBytes int64
	Locators      int
	Expiring      int
}

// Stats counts manifests and locators per shard. Expiring counts locators
// whose URL expires within the refresh window.
func (s *Service) Stats(ctx context.Context) ([]ShardStats, error) {
	deadline := time.Now().Add(s.opts.RefreshWindow)
	stats := make([]ShardStats, 0, len(s.pool.All()))
	for _, shard := range s.pool.All() {
		st := ShardStats{Shard: shard.Name()}

		manifests, err := shard.List(ctx, store.ListOptions{Prefix: manifestKeyPrefix})
		if err != nil {
			return nil, fmt.Errorf("list manifests on %s: %w", shard.Name(), err)
		}
		st.Manifests = len(manifests)
		st.ManifestBytes = lo.SumBy(manifests, func(k store.KeyInfo) int64 {
			n, _ := strconv.ParseInt(k.Metadata[metaSize], 10, 64)
			return n
		})

		locators, err := shard.List(ctx, store.ListOptions{Prefix: chunkKeyPrefix})
		if err != nil {
			return nil, fmt.Errorf("list locators on %s: %w", shard.Name(), err)
		}
		st.Locators = len(locators)
		st.Expiring = lo.CountBy(locators, func(k store.KeyInfo) bool {
			return expiresBefore(k.Metadata, deadline)
		})
		stats = append(stats, st)
	}
	return stats, nil
}

// Sweep refreshes locators close to expiry once.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.refresher.Sweep(ctx)
}

// RunSweeper refreshes locators close to expiry every interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	s.refresher.RunSweeper(ctx, interval)
}
