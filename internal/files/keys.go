package files

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	chunkKeyPrefix    = "chunk:"
	manifestKeyPrefix = "manifest:"
)

// Sidecar metadata fields written next to records.
const (
	metaExpires     = "expires"
	metaFile        = "file"
	metaName        = "name"
	metaSize        = "size"
	metaTotal       = "total"
	metaContentType = "contentType"
)

func chunkKey(fileID string, index int) string {
	return fmt.Sprintf("%s%s:%d", chunkKeyPrefix, fileID, index)
}

func chunkPrefix(fileID string) string {
	return chunkKeyPrefix + fileID + ":"
}

func manifestKey(fileID string) string {
	return manifestKeyPrefix + fileID
}

// parseChunkKey splits "chunk:{fileId}:{index}".
func parseChunkKey(key string) (fileID string, index int, ok bool) {
	rest, found := strings.CutPrefix(key, chunkKeyPrefix)
	if !found {
		return "", 0, false
	}
	sep := strings.LastIndexByte(rest, ':')
	if sep <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(rest[sep+1:])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return rest[:sep], index, true
}
