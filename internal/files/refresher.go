package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"chunkrelay/internal/logging"
	"chunkrelay/internal/remote"
	"chunkrelay/internal/store"
)

// freshURL is a re-resolved direct URL, cached by remote handle.
type freshURL struct {
	URL    string
	Expiry time.Time
}

// Refresher re-derives expired direct URLs from durable handles. Stored
// records are updated in place with last-writer-wins semantics: any
// unexpired URL serves any reader.
type Refresher struct {
	pool   *store.Pool
	hosts  []remote.Host
	cache  Cache
	bg     *Background
	urlTTL time.Duration
	window time.Duration
	now    func() time.Time

	// resolveTimeout bounds a shared resolution, which outlives any single
	// caller's context.
	resolveTimeout time.Duration

	group singleflight.Group
}

// NewRefresher creates a refresher. The host that issued a handle is tried
// first, then the others in order.
func NewRefresher(pool *store.Pool, hosts []remote.Host, cache Cache, bg *Background, urlTTL, window time.Duration) *Refresher {
	if cache == nil {
		cache = NopCache{}
	}
	return &Refresher{
		pool:   pool,
		hosts:  hosts,
		cache:  cache,
		bg:     bg,
		urlTTL: urlTTL,
		window: window,
		now:    time.Now,

		resolveTimeout: 30 * time.Second,
	}
}

// Current returns loc with a direct URL that is valid now, refreshing it if
// neither the record nor the cache holds one.
func (r *Refresher) Current(ctx context.Context, fileID string, loc ChunkLocator) (ChunkLocator, error) {
	now := r.now()
	if f, ok := r.cached(loc.RemoteHandle); ok && now.Before(f.Expiry) {
		loc.DirectURL, loc.DirectURLExpiry = f.URL, f.Expiry
		return loc, nil
	}
	if loc.DirectURL == "" {
		if stored, err := r.lookup(ctx, fileID, loc); err == nil {
			loc = *stored
		} else if !errors.Is(err, store.ErrNotFound) {
			logging.KV.Printf("locator lookup failed for file %s chunk %d: %v", fileID, loc.Index, err)
		}
	}
	if !loc.Expired(now, 0) {
		return loc, nil
	}
	return r.Refresh(ctx, fileID, loc)
}

// Refresh resolves a new direct URL for loc and persists it in the background.
func (r *Refresher) Refresh(ctx context.Context, fileID string, loc ChunkLocator) (ChunkLocator, error) {
	fresh, err := r.resolve(ctx, fileID, loc, true)
	if err != nil {
		return loc, err
	}
	loc.DirectURL, loc.DirectURLExpiry = fresh.URL, fresh.Expiry
	return loc, nil
}

// resolve asks the hosts for a new URL. Concurrent refreshes of one handle
// share a single resolution, which runs detached from the callers so that one
// reader going away does not fail the others; each caller only stops waiting.
func (r *Refresher) resolve(ctx context.Context, fileID string, loc ChunkLocator, persist bool) (freshURL, error) {
	ch := r.group.DoChan(loc.RemoteHandle, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.resolveTimeout)
		defer cancel()
		return r.resolveShared(rctx, fileID, loc, persist)
	})
	select {
	case <-ctx.Done():
		return freshURL{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return freshURL{}, res.Err
		}
		return res.Val.(freshURL), nil
	}
}

func (r *Refresher) resolveShared(ctx context.Context, fileID string, loc ChunkLocator, persist bool) (freshURL, error) {
	var errs []error
	for _, host := range r.hostsFor(loc) {
		u, err := host.Resolve(ctx, loc.RemoteHandle)
		if err != nil {
			logging.Relay.Printf("refresh of file %s chunk %d via %s failed: %v", fileID, loc.Index, host.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", host.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		fresh := freshURL{URL: u, Expiry: r.now().Add(r.urlTTL)}
		r.cache.Set(urlCacheKey(loc.RemoteHandle), fresh, r.urlTTL)
		logging.Relay.Printf("refreshed url for file %s chunk %d via %s", fileID, loc.Index, host.Name())

		if persist && r.bg != nil {
			updated := loc
			updated.DirectURL, updated.DirectURLExpiry = fresh.URL, fresh.Expiry
			r.bg.Submit("persist "+chunkKey(fileID, loc.Index), func(ctx context.Context) error {
				written, err := r.persistLocator(ctx, fileID, updated, nil)
				if err != nil || !written {
					return err
				}
				return r.updateManifest(ctx, fileID, []ChunkLocator{updated})
			})
		}
		return fresh, nil
	}
	if len(errs) == 0 {
		return freshURL{}, errors.New("no document hosts configured")
	}
	return freshURL{}, &ChunkError{FileID: fileID, Index: loc.Index, Err: errors.Join(errs...)}
}

// hostsFor orders the hosts for loc. Handles are usually only resolvable by
// the credential that uploaded them.
func (r *Refresher) hostsFor(loc ChunkLocator) []remote.Host {
	owner, rest := lo.FilterReject(r.hosts, func(h remote.Host, _ int) bool {
		return h.Name() == loc.Host
	})
	return append(owner, rest...)
}

func (r *Refresher) cached(handle string) (freshURL, bool) {
	v, ok := r.cache.Get(urlCacheKey(handle))
	if !ok {
		return freshURL{}, false
	}
	f, ok := v.(freshURL)
	return f, ok
}

func (r *Refresher) shardFor(loc ChunkLocator) store.Store {
	if s, ok := r.pool.Shard(loc.StoreLocation); ok {
		return s
	}
	return r.pool.ForIndex(loc.Index)
}

func (r *Refresher) lookup(ctx context.Context, fileID string, loc ChunkLocator) (*ChunkLocator, error) {
	data, err := r.shardFor(loc).Get(ctx, chunkKey(fileID, loc.Index))
	if err != nil {
		return nil, err
	}
	return decodeLocator(data)
}

// persistLocator writes loc back to its shard, keeping the sidecar fields
// written at ingest. meta may be nil, in which case it is read first. A
// locator that was deleted or replaced since loc was read is left alone, so a
// late refresh never resurrects a deleted file. It reports whether it wrote.
func (r *Refresher) persistLocator(ctx context.Context, fileID string, loc ChunkLocator, meta map[string]string) (bool, error) {
	shard := r.shardFor(loc)
	key := chunkKey(fileID, loc.Index)

	data, err := shard.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		logging.KV.Printf("locator %s is gone, dropping refreshed url", key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current, err := decodeLocator(data); err == nil && current.RemoteHandle != loc.RemoteHandle {
		logging.KV.Printf("locator %s was replaced, dropping refreshed url", key)
		return false, nil
	}

	if meta == nil {
		if meta, err = recordMeta(ctx, shard, key); err != nil {
			return false, err
		}
	}
	meta = lo.Assign(meta, map[string]string{
		metaExpires: strconv.FormatInt(loc.DirectURLExpiry.Unix(), 10),
		metaFile:    fileID,
	})

	record, err := json.Marshal(loc)
	if err != nil {
		return false, err
	}
	if err := shard.Put(ctx, key, record, meta); err != nil {
		logging.KV.Printf("failed to persist refreshed locator %s on %s: %v", key, shard.Name(), err)
		return false, err
	}
	return true, nil
}

// updateManifest rewrites the manifest's embedded entries for the given
// locators when they carry a later expiry. A missing manifest is not
// recreated, and entries whose handle changed are skipped.
func (r *Refresher) updateManifest(ctx context.Context, fileID string, locs []ChunkLocator) error {
	shard := r.pool.ForKey(manifestKey(fileID))
	data, err := shard.Get(ctx, manifestKey(fileID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m, err := decodeManifest(data)
	if err != nil {
		return err
	}

	changed := false
	for _, loc := range locs {
		if loc.Index >= len(m.Chunks) || m.Chunks[loc.Index].RemoteHandle != loc.RemoteHandle {
			continue
		}
		if loc.DirectURLExpiry.After(m.Chunks[loc.Index].DirectURLExpiry) {
			m.Chunks[loc.Index].DirectURL = loc.DirectURL
			m.Chunks[loc.Index].DirectURLExpiry = loc.DirectURLExpiry
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return putManifest(ctx, shard, m)
}

// Sweep refreshes every locator whose URL expires within the refresh window
// and returns how many were refreshed.
func (r *Refresher) Sweep(ctx context.Context) (int, error) {
	deadline := r.now().Add(r.window)

	type dueLocator struct {
		shard store.Store
		info  store.KeyInfo
		file  string
	}
	var due []dueLocator
	var errs []error
	for _, shard := range r.pool.All() {
		keys, err := shard.List(ctx, store.ListOptions{Prefix: chunkKeyPrefix})
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", shard.Name(), err))
			continue
		}
		for _, k := range lo.Filter(keys, func(k store.KeyInfo, _ int) bool {
			return expiresBefore(k.Metadata, deadline)
		}) {
			fileID, _, ok := parseChunkKey(k.Name)
			if !ok {
				continue
			}
			due = append(due, dueLocator{shard: shard, info: k, file: fileID})
		}
	}

	refreshed := 0
	for fileID, items := range lo.GroupBy(due, func(d dueLocator) string { return d.file }) {
		var updated []ChunkLocator
		for _, item := range items {
			if ctx.Err() != nil {
				return refreshed, ctx.Err()
			}
			data, err := item.shard.Get(ctx, item.info.Name)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					errs = append(errs, err)
				}
				continue
			}
			loc, err := decodeLocator(data)
			if err != nil {
				logging.KV.Printf("skipping unreadable locator %s: %v", item.info.Name, err)
				continue
			}
			fresh, err := r.resolve(ctx, fileID, *loc, false)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			loc.DirectURL, loc.DirectURLExpiry = fresh.URL, fresh.Expiry
			written, err := r.persistLocator(ctx, fileID, *loc, item.info.Metadata)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !written {
				continue
			}
			updated = append(updated, *loc)
			refreshed++
		}
		if len(updated) > 0 {
			if err := r.updateManifest(ctx, fileID, updated); err != nil {
				errs = append(errs, fmt.Errorf("update manifest %s: %w", fileID, err))
			}
		}
	}
	return refreshed, errors.Join(errs...)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (r *Refresher) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := r.Sweep(ctx)
			if err != nil {
				logging.Relay.Printf("sweep finished with errors: %v", err)
			}
			if n > 0 {
				logging.Relay.Printf("sweep refreshed %d locators in %s", n, time.Since(start).Round(time.Millisecond))
			}
		}
	}
}

func expiresBefore(meta map[string]string, deadline time.Time) bool {
	exp, err := strconv.ParseInt(meta[metaExpires], 10, 64)
	if err != nil {
		return true
	}
	return time.Unix(exp, 0).Before(deadline)
}

// recordMeta returns the sidecar metadata stored with key.
func recordMeta(ctx context.Context, shard store.Store, key string) (map[string]string, error) {
	keys, err := shard.List(ctx, store.ListOptions{Prefix: key})
	if err != nil {
		return nil, err
	}
	info, ok := lo.Find(keys, func(k store.KeyInfo) bool { return k.Name == key })
	if !ok {
		return map[string]string{}, nil
	}
	return info.Metadata, nil
}
