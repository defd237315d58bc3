package files

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("file not found")
	ErrInvalidChunk        = errors.New("invalid chunk")
	ErrInvalidRecord       = errors.New("invalid stored record")
	ErrIncompleteManifest  = errors.New("chunk locators missing for manifest")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ChunkError names the chunk an operation failed on.
type ChunkError struct {
	FileID string
	Index  int
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("file %s chunk %d: %v", e.FileID, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// RangeError is returned for unsatisfiable ranges and carries the file size
// for the Content-Range header of the 416 response.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for size %d", e.Size)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeNotSatisfiable
}
