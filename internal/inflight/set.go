package inflight

import (
	"sync"
	"time"
)

// Set tracks data item IDs that are currently being received so that
// concurrent uploads of the same item can be rejected before any bytes
// are persisted twice.
type Set interface {
	// SetIfAbsent atomically claims the key. It returns true when the
	// caller now owns the claim, false when another upload holds it.
	SetIfAbsent(key string, ttl time.Duration) bool

	// Delete releases a claim once the upload settles (success or failure).
	Delete(key string)

	// Len reports the number of live claims.
	Len() int
}

// MemorySet is an in-memory Set with TTL expiry. Claims left behind by
// crashed uploads expire on their own, so a stuck item never blocks
// re-upload forever.
type MemorySet struct {
	mu          sync.Mutex
	expires     map[string]time.Time
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMemorySet creates an in-memory in-flight set capped at 100,000 claims.
func NewMemorySet() *MemorySet {
	return NewMemorySetWithSize(100000)
}

// NewMemorySetWithSize creates an in-memory in-flight set with a custom cap.
func NewMemorySetWithSize(maxSize int) *MemorySet {
	s := &MemorySet{
		expires:     make(map[string]time.Time),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	// Start background cleanup goroutine
	go s.cleanup()

	return s
}

// SetIfAbsent atomically claims the key for ttl. Expired claims count as absent.
func (s *MemorySet) SetIfAbsent(key string, ttl time.Duration) bool {
	// Cache time.Now() to avoid syscall under lock
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expires[key]
	if exists && now.Before(expiry) {
		return false
	}

	// Refuse new claims at the cap rather than evicting a live one:
	// evicting would let a duplicate upload through.
	if !exists && len(s.expires) >= s.maxSize {
		s.evictExpired(now)
		if len(s.expires) >= s.maxSize {
			return false
		}
	}

	s.expires[key] = now.Add(ttl)
	return true
}

// Delete releases a claim.
func (s *MemorySet) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, key)
}

// Len reports the number of claims, including any not yet swept.
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

// evictExpired removes expired claims (caller must hold lock).
func (s *MemorySet) evictExpired(now time.Time) {
	var keysToDelete []string
	for key, expiry := range s.expires {
		if now.After(expiry) {
			keysToDelete = append(keysToDelete, key)
		}
	}
	for _, key := range keysToDelete {
		delete(s.expires, key)
	}
}

// cleanup periodically removes expired claims.
func (s *MemorySet) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.evictExpired(time.Now())
			s.mu.Unlock()
		}
	}
}

// Stop gracefully shuts down the cleanup goroutine.
func (s *MemorySet) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}
