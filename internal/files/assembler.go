package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"chunkrelay/internal/logging"
	"chunkrelay/internal/store"
)

const (
	assemblePollInterval = 100 * time.Millisecond
	// assembleIOTimeout bounds the shard reads and the manifest write that
	// follow the wait for locators.
	assembleIOTimeout = 30 * time.Second
)

// AssembleRequest carries the file attributes declared by the uploader.
type AssembleRequest struct {
	FileID      string
	Filename    string
	Size        int64
	TotalChunks int
	ContentType string
}

// Assembler composes and writes a file's manifest once every chunk locator
// is present. Locators are written before the manifest and verified before
// it is written; there is no cross-key transaction.
type Assembler struct {
	pool      *store.Pool
	chunkSize int64
	wait      time.Duration
	now       func() time.Time

	group singleflight.Group
}

// NewAssembler creates an assembler that waits up to wait for locators of
// chunks still in flight.
func NewAssembler(pool *store.Pool, chunkSize int64, wait time.Duration) *Assembler {
	return &Assembler{
		pool:      pool,
		chunkSize: chunkSize,
		wait:      wait,
		now:       time.Now,
	}
}

// Assemble writes the manifest for req.FileID, or returns the existing one.
// Concurrent calls for one file share a single assembly that is not tied to
// any caller's context; a cancelled caller only stops waiting for it.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*FileManifest, error) {
	ch := a.group.DoChan(req.FileID, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.wait+assembleIOTimeout)
		defer cancel()
		return a.assemble(actx, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*FileManifest), nil
	}
}

func (a *Assembler) assemble(ctx context.Context, req AssembleRequest) (*FileManifest, error) {
	mshard := a.pool.ForKey(manifestKey(req.FileID))
	if data, err := mshard.Get(ctx, manifestKey(req.FileID)); err == nil {
		return decodeManifest(data)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if want := TotalChunks(req.Size, a.chunkSize); req.TotalChunks != want {
		return nil, fmt.Errorf("%w: %d chunks declared, size %d implies %d", ErrInvalidChunk, req.TotalChunks, req.Size, want)
	}

	found, err := a.awaitLocators(ctx, req.FileID, req.TotalChunks)
	if err != nil {
		return nil, err
	}

	m := &FileManifest{
		ID:          req.FileID,
		Filename:    req.Filename,
		Size:        req.Size,
		ContentType: req.ContentType,
		ChunkSize:   a.chunkSize,
		TotalChunks: req.TotalChunks,
		Chunks:      make([]ChunkLocator, req.TotalChunks),
		CreatedAt:   a.now().UTC(),
	}
	for i := 0; i < req.TotalChunks; i++ {
		ref := found[i]
		data, err := ref.shard.Get(ctx, ref.info.Name)
		if err != nil {
			return nil, &ChunkError{FileID: req.FileID, Index: i, Err: err}
		}
		loc, err := decodeLocator(data)
		if err != nil {
			return nil, &ChunkError{FileID: req.FileID, Index: i, Err: err}
		}
		if loc.Index != i {
			return nil, &ChunkError{FileID: req.FileID, Index: i, Err: fmt.Errorf("%w: locator has index %d", ErrInvalidRecord, loc.Index)}
		}
		if want := ExpectedChunkSize(req.Size, a.chunkSize, i); loc.Size != want {
			return nil, &ChunkError{FileID: req.FileID, Index: i, Err: fmt.Errorf("%w: chunk is %d bytes, want %d", ErrIncompleteManifest, loc.Size, want)}
		}
		m.Chunks[i] = *loc
	}
	if ct := found[0].info.Metadata[metaContentType]; ct != "" {
		m.ContentType = ct
	}
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := putManifest(ctx, mshard, m); err != nil {
		return nil, err
	}
	logging.Relay.Printf("wrote manifest for file %s (%d chunks, %d bytes) on %s", m.ID, m.TotalChunks, m.Size, mshard.Name())
	return m, nil
}

type locatorRef struct {
	shard store.Store
	info  store.KeyInfo
}

// awaitLocators searches every shard for the file's locators until all
// indices are present or the wait expires.
func (a *Assembler) awaitLocators(ctx context.Context, fileID string, total int) (map[int]locatorRef, error) {
	deadline := a.now().Add(a.wait)
	for {
		found, err := a.scanLocators(ctx, fileID)
		if err != nil {
			return nil, err
		}
		missing := missingIndices(found, total)
		if len(missing) == 0 {
			return found, nil
		}
		if !a.now().Before(deadline) {
			logging.Relay.Printf("refusing to assemble file %s: chunks %v missing", fileID, missing)
			return nil, fmt.Errorf("%w: file %s is missing chunks %v", ErrIncompleteManifest, fileID, missing)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(assemblePollInterval):
		}
	}
}

func (a *Assembler) scanLocators(ctx context.Context, fileID string) (map[int]locatorRef, error) {
	found := make(map[int]locatorRef)
	for _, shard := range a.pool.All() {
		keys, err := shard.List(ctx, store.ListOptions{Prefix: chunkPrefix(fileID)})
		if err != nil {
			return nil, fmt.Errorf("list locators on %s: %w", shard.Name(), err)
		}
		for _, k := range keys {
			id, idx, ok := parseChunkKey(k.Name)
			if !ok || id != fileID {
				continue
			}
			found[idx] = locatorRef{shard: shard, info: k}
		}
	}
	return found, nil
}

func missingIndices(found map[int]locatorRef, total int) []int {
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := found[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// pendingRequest rebuilds an AssembleRequest from the sidecar metadata the
// chunk store wrote next to each locator.
func pendingRequest(fileID string, found map[int]locatorRef) (AssembleRequest, bool) {
	indices := make([]int, 0, len(found))
	for i := range found {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		meta := found[i].info.Metadata
		size, err1 := strconv.ParseInt(meta[metaSize], 10, 64)
		total, err2 := strconv.Atoi(meta[metaTotal])
		if err1 != nil || err2 != nil {
			continue
		}
		return AssembleRequest{
			FileID:      fileID,
			Filename:    meta[metaName],
			Size:        size,
			TotalChunks: total,
		}, true
	}
	return AssembleRequest{}, false
}

func putManifest(ctx context.Context, shard store.Store, m *FileManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	meta := map[string]string{
		metaFile:  m.ID,
		metaName:  m.Filename,
		metaSize:  strconv.FormatInt(m.Size, 10),
		metaTotal: strconv.Itoa(m.TotalChunks),
	}
	if err := shard.Put(ctx, manifestKey(m.ID), data, meta); err != nil {
		logging.KV.Printf("failed to write manifest %s on %s: %v", m.ID, shard.Name(), err)
		return err
	}
	return nil
}
