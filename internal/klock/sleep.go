package klock

import (
	"sync"
	"sync/atomic"
)

// Sleep is a blocking mutex: acquisition parks the calling goroutine instead
// of spinning. It is used for the one lock per buffer that may be held
// across a disk read or write — spinning across a 10^5-cycle disk wait
// would waste cycles a blocking wait does not.
//
// Sleep tracks its holder so call sites can assert ownership the way the
// original kernel's holdingsleep does (bwrite and brelse both panic if the
// caller does not hold the lock).
type Sleep struct {
	mu     sync.Mutex
	holder atomic.Int32
}

// Acquire blocks until the lock is free, then records the calling
// goroutine's logical owner id.
func (s *Sleep) Acquire(owner int32) {
	s.mu.Lock()
	s.holder.Store(owner)
}

// Release frees the lock. Releasing while not holding it is a programming
// error and panics.
func (s *Sleep) Release(owner int32) {
	if s.holder.Load() != owner {
		panic("klock: release of sleeplock not held by caller")
	}

	s.holder.Store(0)
	s.mu.Unlock()
}

// Holding reports whether owner currently holds the lock.
func (s *Sleep) Holding(owner int32) bool {
	return s.holder.Load() == owner
}
