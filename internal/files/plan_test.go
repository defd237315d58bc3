package files

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifestOfSize(size, chunkSize int64) *FileManifest {
	n := TotalChunks(size, chunkSize)
	m := &FileManifest{ID: "f", Size: size, ChunkSize: chunkSize, TotalChunks: n}
	for i := 0; i < n; i++ {
		m.Chunks = append(m.Chunks, ChunkLocator{Index: i, Size: ExpectedChunkSize(size, chunkSize, i)})
	}
	return m
}

func TestParseRange(t *testing.T) {
	const size = 100

	tests := []struct {
		name    string
		header  string
		want    ByteRange
		wantErr bool
	}{
		{"no header", "", ByteRange{0, 99, false}, false},
		{"closed", "bytes=10-19", ByteRange{10, 19, true}, false},
		{"open ended", "bytes=90-", ByteRange{90, 99, true}, false},
		{"end clamped", "bytes=90-500", ByteRange{90, 99, true}, false},
		{"suffix", "bytes=-5", ByteRange{95, 99, true}, false},
		{"suffix larger than file", "bytes=-500", ByteRange{0, 99, true}, false},
		{"single byte", "bytes=0-0", ByteRange{0, 0, true}, false},
		{"last byte", "bytes=99-99", ByteRange{99, 99, true}, false},
		{"start at size", "bytes=100-100", ByteRange{}, true},
		{"start past size", "bytes=150-", ByteRange{}, true},
		{"start after end", "bytes=20-10", ByteRange{}, true},
		{"empty suffix", "bytes=-0", ByteRange{}, true},
		{"other unit ignored", "items=0-5", ByteRange{0, 99, false}, false},
		{"multi range ignored", "bytes=0-5,10-20", ByteRange{0, 99, false}, false},
		{"garbage ignored", "bytes=abc-def", ByteRange{0, 99, false}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRange(tc.header, size)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrRangeNotSatisfiable))
				var re *RangeError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, int64(size), re.Size)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRange_EmptyFile(t *testing.T) {
	r, err := ParseRange("", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Length())

	_, err = ParseRange("bytes=0-", 0)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func TestPlan_SpansChunkBoundary(t *testing.T) {
	// 100MB file in 45MB chunks: 45, 45 and 10 MB.
	m := manifestOfSize(100_000_000, 45_000_000)
	require.Equal(t, 3, m.TotalChunks)
	assert.Equal(t, int64(10_000_000), m.Chunks[2].Size)

	r, err := ParseRange("bytes=44999990-45000010", m.Size)
	require.NoError(t, err)
	parts := Plan(m, r)

	require.Len(t, parts, 2)
	assert.Equal(t, Part{Index: 0, Offset: 44_999_990, Length: 10}, parts[0])
	assert.Equal(t, Part{Index: 1, Offset: 0, Length: 11}, parts[1])
	assert.Equal(t, int64(21), parts[0].Length+parts[1].Length)
	assert.Equal(t, r.Length(), parts[0].Length+parts[1].Length)
}

func TestPlan_CoversEveryRange(t *testing.T) {
	m := manifestOfSize(23, 5)
	for start := int64(0); start < m.Size; start++ {
		for end := start; end < m.Size; end++ {
			parts := Plan(m, ByteRange{Start: start, End: end, Partial: true})

			var total int64
			pos := start
			for i, p := range parts {
				if i > 0 {
					assert.Equal(t, parts[i-1].Index+1, p.Index, "parts must be consecutive")
				}
				assert.Equal(t, pos, m.ChunkOffset(p.Index)+p.Offset, "gap or overlap at %d", pos)
				assert.LessOrEqual(t, p.Offset+p.Length, m.Chunks[p.Index].Size)
				pos += p.Length
				total += p.Length
			}
			assert.Equal(t, end-start+1, total)
		}
	}
}

func TestPlan_WholeFile(t *testing.T) {
	m := manifestOfSize(12, 5)
	parts := Plan(m, ByteRange{Start: 0, End: 11})
	assert.Equal(t, []Part{{0, 0, 5}, {1, 0, 5}, {2, 0, 2}}, parts)

	assert.Empty(t, Plan(manifestOfSize(0, 5), ByteRange{Start: 0, End: -1}))
}
