package files

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

const DefaultContentType = "application/octet-stream"

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("fileid", func(fl validator.FieldLevel) bool {
		return fileIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidFileID reports whether id can be used as a file identifier.
func ValidFileID(id string) bool {
	return fileIDPattern.MatchString(id)
}

// ChunkLocator records where one chunk lives and how to fetch it.
type ChunkLocator struct {
	Index           int       `json:"index" validate:"gte=0"`
	Size            int64     `json:"size" validate:"gte=0"`
	RemoteHandle    string    `json:"remoteHandle" validate:"required"`
	DirectURL       string    `json:"directUrl,omitempty" validate:"omitempty,url"`
	DirectURLExpiry time.Time `json:"directUrlExpiry"`
	StoreLocation   string    `json:"storeLocation" validate:"required"`
	Host            string    `json:"host,omitempty"`
}

// Expired reports whether the direct URL is unusable at now, or will be
// within window.
func (l *ChunkLocator) Expired(now time.Time, window time.Duration) bool {
	return l.DirectURL == "" || !now.Add(window).Before(l.DirectURLExpiry)
}

// FileManifest is the write-once record describing a complete file.
type FileManifest struct {
	ID          string         `json:"id" validate:"fileid"`
	Filename    string         `json:"filename" validate:"max=1024"`
	Size        int64          `json:"size" validate:"gte=0"`
	ContentType string         `json:"contentType"`
	ChunkSize   int64          `json:"chunkSize" validate:"gt=0"`
	TotalChunks int            `json:"totalChunks" validate:"gte=1"`
	Chunks      []ChunkLocator `json:"chunks" validate:"dive"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ChunkOffset is the global byte offset where chunk i begins.
func (m *FileManifest) ChunkOffset(i int) int64 {
	return int64(i) * m.ChunkSize
}

// TotalChunks is the number of chunks a file of size bytes splits into. An
// empty file is carried as a single empty chunk.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ExpectedChunkSize is the exact length of chunk index for a file of size bytes.
func ExpectedChunkSize(size, chunkSize int64, index int) int64 {
	n := TotalChunks(size, chunkSize)
	if index < n-1 {
		return chunkSize
	}
	return size - chunkSize*int64(n-1)
}

// Validate checks the schema and the size invariants of the chunk list.
func (m *FileManifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrInvalidRecord, err)
	}
	if want := TotalChunks(m.Size, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("%w: manifest %s has %d chunks, size implies %d", ErrInvalidRecord, m.ID, m.TotalChunks, want)
	}
	if len(m.Chunks) != m.TotalChunks {
		return fmt.Errorf("%w: manifest %s lists %d of %d chunks", ErrInvalidRecord, m.ID, len(m.Chunks), m.TotalChunks)
	}
	var sum int64
	for i, c := range m.Chunks {
		if c.Index != i {
			return fmt.Errorf("%w: manifest %s chunk %d has index %d", ErrInvalidRecord, m.ID, i, c.Index)
		}
		if want := ExpectedChunkSize(m.Size, m.ChunkSize, i); c.Size != want {
			return fmt.Errorf("%w: manifest %s chunk %d has size %d, want %d", ErrInvalidRecord, m.ID, i, c.Size, want)
		}
		sum += c.Size
	}
	if sum != m.Size {
		return fmt.Errorf("%w: manifest %s chunk sizes sum to %d, want %d", ErrInvalidRecord, m.ID, sum, m.Size)
	}
	return nil
}

func decodeManifest(data []byte) (*FileManifest, error) {
	var m FileManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidRecord, err)
	}
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeLocator(data []byte) (*ChunkLocator, error) {
	var l ChunkLocator
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: locator: %v", ErrInvalidRecord, err)
	}
	if err := validate.Struct(&l); err != nil {
		return nil, fmt.Errorf("%w: locator: %v", ErrInvalidRecord, err)
	}
	return &l, nil
}

// ChunkUpload describes one incoming chunk.
type ChunkUpload struct {
	FileID      string `validate:"fileid"`
	Index       int    `validate:"gte=0,ltfield=TotalChunks"`
	TotalChunks int    `validate:"gte=1"`
	Filename    string `validate:"required,max=1024"`
	FileSize    int64  `validate:"gte=0"`
	ContentType string `validate:"omitempty,max=255"`
}

// UploadConfig is what clients need to split files for this deployment.
type UploadConfig struct {
	ChunkSize int64 `json:"chunk_size"`
	MaxChunks int   `json:"max_chunks"`
}
