package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkRange is the byte range of one chunk within the source file.
type ChunkRange struct {
	Index  int
	Offset int64
	Length int64
}

// Split divides size bytes into ranges of chunkSize with no gaps or overlaps.
// The last range may be shorter. An empty file yields a single empty range so
// that it still has a final chunk to complete on.
func Split(size, chunkSize int64) ([]ChunkRange, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if size < 0 {
		return nil, errors.New("size must not be negative")
	}
	if size == 0 {
		return []ChunkRange{{Index: 0}}, nil
	}

	n := int((size + chunkSize - 1) / chunkSize)
	ranges := make([]ChunkRange, n)
	for i := range ranges {
		off := int64(i) * chunkSize
		ranges[i] = ChunkRange{Index: i, Offset: off, Length: min(chunkSize, size-off)}
	}
	return ranges, nil
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the bytes of the chunk at the given index. It may be
	// called more than once for the same index when an upload is retried.
	GetChunk(index int) ([]byte, error)
}

// ReaderChunkProvider reads chunks from an io.ReaderAt. Safe for parallel
// chunk reads.
type ReaderChunkProvider struct {
	r      io.ReaderAt
	size   int64
	ranges []ChunkRange
}

// NewReaderChunkProvider splits size bytes of r into chunks of chunkSize.
func NewReaderChunkProvider(r io.ReaderAt, size, chunkSize int64) (*ReaderChunkProvider, error) {
	ranges, err := Split(size, chunkSize)
	if err != nil {
		return nil, err
	}
	return &ReaderChunkProvider{r: r, size: size, ranges: ranges}, nil
}

// NewBytesChunkProvider splits an in-memory buffer.
func NewBytesChunkProvider(data []byte, chunkSize int64) (*ReaderChunkProvider, error) {
	return NewReaderChunkProvider(bytes.NewReader(data), int64(len(data)), chunkSize)
}

// NumChunks returns the total number of chunks.
func (p *ReaderChunkProvider) NumChunks() int {
	return len(p.ranges)
}

// Size returns the total number of bytes.
func (p *ReaderChunkProvider) Size() int64 {
	return p.size
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ReaderChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.ranges) {
		return 0
	}
	return p.ranges[index].Length
}

// GetChunk reads the chunk at the given index into memory.
func (p *ReaderChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.ranges) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.ranges))
	}
	rg := p.ranges[index]
	buf := make([]byte, rg.Length)
	n, err := p.r.ReadAt(buf, rg.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == rg.Length) {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf, nil
}

// FileChunkProvider reads chunks from a file on disk.
type FileChunkProvider struct {
	*ReaderChunkProvider
	file *os.File
}

// NewFileChunkProvider opens path and splits it into chunks of chunkSize.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	rp, err := NewReaderChunkProvider(file, info.Size(), chunkSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &FileChunkProvider{ReaderChunkProvider: rp, file: file}, nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
