package api

import (
	"sync"
	"time"
)

// UploadLimiter tracks in-flight chunked uploads per IP address: files with
// chunks stored but no manifest yet. It caps how many such files one IP may
// have open, which bounds orphaned chunks left by abandoned uploads.
type UploadLimiter struct {
	mu          sync.RWMutex
	maxInflight int
	filesByIP   map[string]map[string]time.Time // IP -> fileID -> last chunk time
	fileToIP    map[string]string               // fileID -> IP (reverse lookup)
}

// NewUploadLimiter creates a limiter allowing maxInflight open files per IP.
func NewUploadLimiter(maxInflight int) *UploadLimiter {
	return &UploadLimiter{
		maxInflight: maxInflight,
		filesByIP:   make(map[string]map[string]time.Time),
		fileToIP:    make(map[string]string),
	}
}

// Allow admits a chunk of fileID from ip. Chunks of a file the IP already
// has open are always admitted; a new file is admitted only under the limit,
// and is then tracked.
func (l *UploadLimiter) Allow(ip, fileID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	files := l.filesByIP[ip]
	if _, ok := files[fileID]; ok {
		files[fileID] = time.Now()
		return true
	}
	if len(files) >= l.maxInflight {
		return false
	}
	if files == nil {
		files = make(map[string]time.Time)
		l.filesByIP[ip] = files
	}
	files[fileID] = time.Now()
	l.fileToIP[fileID] = ip
	return true
}

// InflightCount returns the number of open files for an IP.
func (l *UploadLimiter) InflightCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.filesByIP[ip])
}

// MaxInflight returns the configured maximum open files per IP.
func (l *UploadLimiter) MaxInflight() int {
	return l.maxInflight
}

// Release stops tracking a file. Called once its manifest is written.
func (l *UploadLimiter) Release(fileID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ip, ok := l.fileToIP[fileID]
	if !ok {
		return
	}

	delete(l.fileToIP, fileID)
	if files := l.filesByIP[ip]; files != nil {
		delete(files, fileID)
		if len(files) == 0 {
			delete(l.filesByIP, ip)
		}
	}
}

// CleanupExpired forgets files that received no chunk for maxAge. Should be
// called periodically. Returns the number of entries removed.
func (l *UploadLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for ip, files := range l.filesByIP {
		for fileID, seen := range files {
			if seen.Before(cutoff) {
				delete(files, fileID)
				delete(l.fileToIP, fileID)
				removed++
			}
		}
		if len(files) == 0 {
			delete(l.filesByIP, ip)
		}
	}

	return removed
}
