package files

import (
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte range of a file. End < Start only for the
// whole of an empty file.
type ByteRange struct {
	Start   int64
	End     int64
	Partial bool // a satisfiable Range header was given
}

// Length is the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange interprets a Range header against a file of size bytes. An
// absent, malformed or multi-range header selects the whole file. Ranges
// starting at or past the end, or with start > end, are unsatisfiable.
func ParseRange(header string, size int64) (ByteRange, error) {
	whole := ByteRange{Start: 0, End: size - 1}

	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return whole, nil
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return whole, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	// Suffix range: the final N bytes.
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return whole, nil
		}
		if n == 0 || size == 0 {
			return ByteRange{}, &RangeError{Size: size}
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1, Partial: true}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return whole, nil
	}
	end := size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < 0 {
			return whole, nil
		}
	}
	return NewRange(start, end, size)
}

// NewRange clamps end to the file and rejects unsatisfiable ranges.
func NewRange(start, end, size int64) (ByteRange, error) {
	if end > size-1 {
		end = size - 1
	}
	if start >= size || start > end {
		return ByteRange{}, &RangeError{Size: size}
	}
	return ByteRange{Start: start, End: end, Partial: true}, nil
}

// Part is the slice of one chunk that a range needs.
type Part struct {
	Index  int
	Offset int64 // first byte within the chunk
	Length int64
}

// Plan maps a byte range onto the chunks that cover it, in order.
func Plan(m *FileManifest, r ByteRange) []Part {
	if r.Length() <= 0 {
		return nil
	}
	first := int(r.Start / m.ChunkSize)
	last := int(r.End / m.ChunkSize)
	parts := make([]Part, 0, last-first+1)
	for ci := first; ci <= last; ci++ {
		chunkStart := m.ChunkOffset(ci)
		chunkEnd := chunkStart + m.Chunks[ci].Size - 1
		from := max(r.Start, chunkStart) - chunkStart
		to := min(r.End, chunkEnd) - chunkStart
		parts = append(parts, Part{Index: ci, Offset: from, Length: to - from + 1})
	}
	return parts
}
