package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/go-redis/redis/v8"
)

const (
	userScanPrefix     = "uscan_"
	scanOwnerKeyPrefix = "user_scan:owner:"
)

var (
	// ErrScanNotFound means no owner record exists for the scan.
	ErrScanNotFound = errors.New("scan not found")
	// ErrScanForbidden means the scan belongs to a different user.
	ErrScanForbidden = errors.New("scan access denied")
)

// IsUserScan reports whether a list name is a user-owned scan.
func IsUserScan(list string) bool {
	return strings.HasPrefix(list, userScanPrefix)
}

// ScanID strips the user-scan prefix from a list name.
func ScanID(list string) string {
	return strings.TrimPrefix(list, userScanPrefix)
}

// ScanCache resolves user-scan ownership. Owners are read from Redis on
// demand and cached; pub/sub scan-change events refresh or evict them.
type ScanCache struct {
	rdb         *goredis.Client
	authEnabled bool

	mu     sync.RWMutex
	owners map[string]string // scan id → owner user id
}

// NewScanCache creates an ownership cache. When auth is disabled every
// ownership check passes.
func NewScanCache(rdb *goredis.Client, authEnabled bool) *ScanCache {
	return &ScanCache{
		rdb:         rdb,
		authEnabled: authEnabled,
		owners:      make(map[string]string),
	}
}

// Authorize checks that userID owns the scan named by list.
func (s *ScanCache) Authorize(ctx context.Context, list, userID string) error {
	if !s.authEnabled {
		return nil
	}

	scanID := ScanID(list)
	s.mu.RLock()
	owner, cached := s.owners[scanID]
	s.mu.RUnlock()

	if !cached {
		data, err := s.rdb.Get(ctx, scanOwnerKeyPrefix+scanID).Result()
		if err == goredis.Nil || (err == nil && data == "") {
			return ErrScanNotFound
		}
		if err != nil {
			return fmt.Errorf("read scan owner %s: %w", scanID, err)
		}
		owner = data
		s.Put(scanID, owner)
	}

	if owner != userID {
		return ErrScanForbidden
	}
	return nil
}

// Put caches a scan's owner.
func (s *ScanCache) Put(scanID, owner string) {
	s.mu.Lock()
	s.owners[scanID] = owner
	s.mu.Unlock()
}

// Forget evicts a scan from the cache.
func (s *ScanCache) Forget(scanID string) {
	s.mu.Lock()
	delete(s.owners, scanID)
	s.mu.Unlock()
}
