package files

import (
	"fmt"
	"strings"
)

// Playlist renders an HLS VOD playlist with one segment per chunk. Segment
// URIs come from segmentURI so callers decide the route layout.
func Playlist(m *FileManifest, segmentSeconds int, segmentURI func(index int) string) string {
	if segmentSeconds <= 0 {
		segmentSeconds = 10
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", segmentSeconds)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, c := range m.Chunks {
		// Chunks are fixed in bytes, not time; the last one is scaled down.
		dur := float64(segmentSeconds)
		if c.Size < m.ChunkSize {
			dur = dur * float64(c.Size) / float64(m.ChunkSize)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", dur)
		b.WriteString(segmentURI(c.Index))
		b.WriteString("\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
