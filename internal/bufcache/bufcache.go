// Package bufcache is the buffer cache (BC): a fixed arena of NBUF buffers
// shared by NBUCKET hash buckets, each bucket owning its own lock so lookups
// for blocks that hash to different buckets never contend. Modeled directly
// on xv6's bio.c: bucket membership is an intrusive circular doubly-linked
// list (here, indices into the arena rather than pointers, per the arena
// design xv6 itself uses for the buffer array), eviction picks the
// least-recently-released unheld buffer in the home bucket, and steals
// from another bucket only when the home bucket has no candidate.
package bufcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/kcore/internal/clock"
	"github.com/calvinalkan/kcore/internal/disk"
	"github.com/calvinalkan/kcore/internal/klock"
)

// buffer is one cache slot. dev/blockno/valid/refcnt/time are protected by
// the lock of the bucket the buffer currently belongs to; data is protected
// by sleep, which may be held across disk I/O.
type buffer struct {
	dev     uint32
	blockno uint32
	valid   bool
	refcnt  int
	time    uint64

	sleep klock.Sleep
	data  []byte
}

// Cache is the buffer cache. Create with [New].
type Cache struct {
	dev     disk.Device
	bsize   int
	nbuf    int
	nbucket int

	bufs  []buffer
	locks []klock.Spin

	// next/prev form circular doubly-linked lists over a combined index
	// space: [0,nbuf) are real buffers, [nbuf,nbuf+nbucket) are bucket
	// sentinel (head) nodes, exactly mirroring bcache.buckets[i] in bio.c.
	next []int32
	prev []int32

	ticks clock.Ticks
	owner atomic.Int32
}

// Handle is a held, locked reference to one buffer returned by [Cache.Read].
// Its Data slice aliases the buffer's backing storage directly and must not
// be used after [Cache.Release].
type Handle struct {
	idx   int32
	owner int32
	Data  []byte
}

// New creates a cache of nbuf buffers of bsize bytes, hashed across nbucket
// buckets, reading and writing through dev. nbucket should be prime, as in
// the original, to spread hash collisions evenly.
func New(dev disk.Device, nbuf, nbucket, bsize int) *Cache {
	if nbuf <= 0 || nbucket <= 0 {
		panic("bufcache: nbuf and nbucket must be positive")
	}

	c := &Cache{
		dev:     dev,
		bsize:   bsize,
		nbuf:    nbuf,
		nbucket: nbucket,
		bufs:    make([]buffer, nbuf),
		locks:   make([]klock.Spin, nbucket),
		next:    make([]int32, nbuf+nbucket),
		prev:    make([]int32, nbuf+nbucket),
	}

	for i := 0; i < nbuf; i++ {
		c.bufs[i].data = make([]byte, bsize)
	}

	for i := 0; i < nbucket; i++ {
		s := c.sentinel(i)
		c.next[s] = s
		c.prev[s] = s
	}

	// Every buffer starts out linked into bucket 0, same as binit: all of
	// NBUF is handed to the first bucket and spreads out only as bget
	// steals across buckets under load.
	home := c.sentinel(0)
	for i := nbuf - 1; i >= 0; i-- {
		c.linkAfter(home, int32(i))
	}

	return c
}

func (c *Cache) sentinel(bucket int) int32 { return int32(c.nbuf + bucket) }

func (c *Cache) linkAfter(head, node int32) {
	c.next[node] = c.next[head]
	c.prev[node] = head
	c.prev[c.next[head]] = node
	c.next[head] = node
}

func (c *Cache) unlink(node int32) {
	c.next[c.prev[node]] = c.next[node]
	c.prev[c.next[node]] = c.prev[node]
}

// Read returns a locked handle to the cached copy of (dev,blockno), reading
// it from disk first if this is the block's first use. The handle's Data
// may be mutated in place; call [Cache.Write] to persist changes and
// [Cache.Release] when done. Panics if every buffer in the cache is pinned
// or otherwise in use, mirroring bget's "no buffers" panic — this is a
// capacity-planning error, not a recoverable condition.
func (c *Cache) Read(ctx context.Context, dev uint32, blockno uint32) (*Handle, error) {
	idx := c.get(dev, blockno)
	b := &c.bufs[idx]

	owner := c.owner.Add(1)
	b.sleep.Acquire(owner)

	if !b.valid {
		if err := c.dev.ReadBlock(ctx, blockno, b.data); err != nil {
			b.sleep.Release(owner)

			key := int(blockno) % c.nbucket
			c.locks[key].Acquire()
			b.refcnt--
			if b.refcnt == 0 {
				b.time = c.ticks.Next()
			}
			c.locks[key].Release()

			return nil, fmt.Errorf("bufcache: read block %d: %w", blockno, err)
		}
		b.valid = true
	}

	return &Handle{idx: idx, owner: owner, Data: b.data}, nil
}

// get is bget: find (dev,blockno) already cached, or recycle the
// least-recently-used unheld buffer for it, returning its index locked by
// ownership (refcnt incremented) but not yet sleep-locked.
func (c *Cache) get(dev, blockno uint32) int32 {
	key := int(blockno) % c.nbucket
	home := c.sentinel(key)

	c.locks[key].Acquire()

	for n := c.next[home]; n != home; n = c.next[n] {
		b := &c.bufs[n]
		if b.dev == dev && b.blockno == blockno {
			b.refcnt++
			c.locks[key].Release()
			return n
		}
	}

	if victim, ok := c.evictFrom(key, home); ok {
		b := &c.bufs[victim]
		b.dev, b.blockno, b.valid, b.refcnt = dev, blockno, false, 1
		c.locks[key].Release()
		return victim
	}

	for i := 0; i < c.nbucket; i++ {
		if i == key {
			continue
		}

		foreignHead := c.sentinel(i)
		c.locks[i].Acquire()
		victim, ok := c.evictFrom(i, foreignHead)
		if !ok {
			c.locks[i].Release()
			continue
		}

		c.unlink(victim)
		c.locks[i].Release()

		b := &c.bufs[victim]
		b.dev, b.blockno, b.valid, b.refcnt = dev, blockno, false, 1
		c.linkAfter(home, victim)
		c.locks[key].Release()

		return victim
	}

	c.locks[key].Release()
	panic("bufcache: no buffers")
}

// evictFrom scans one bucket's list for the unheld buffer with the smallest
// time, matching bget's <=-comparison scan (which, on ties, keeps the last
// candidate seen walking from the head). Caller must hold locks[bucket].
func (c *Cache) evictFrom(bucket int, head int32) (int32, bool) {
	minTicks := c.ticks.Now()
	var victim int32 = -1

	for n := c.next[head]; n != head; n = c.next[n] {
		b := &c.bufs[n]
		if b.refcnt == 0 && b.time <= minTicks {
			minTicks = b.time
			victim = n
		}
	}

	if victim < 0 {
		return 0, false
	}

	return victim, true
}

// Write persists the handle's current Data to disk. The caller must hold
// the handle (it has not been released) and must have changed Data in
// place first.
func (c *Cache) Write(ctx context.Context, h *Handle) error {
	b := &c.bufs[h.idx]
	if !b.sleep.Holding(h.owner) {
		panic("bufcache: Write called without holding the buffer")
	}

	if err := c.dev.WriteBlock(ctx, b.blockno, b.data); err != nil {
		return fmt.Errorf("bufcache: write block %d: %w", b.blockno, err)
	}

	return nil
}

// Release unlocks the handle and, if no one else references the buffer,
// stamps it with the current tick so it becomes eligible for LRU eviction.
func (c *Cache) Release(h *Handle) {
	b := &c.bufs[h.idx]
	if !b.sleep.Holding(h.owner) {
		panic("bufcache: Release called without holding the buffer")
	}

	b.sleep.Release(h.owner)

	key := int(b.blockno) % c.nbucket
	c.locks[key].Acquire()
	b.refcnt--
	if b.refcnt == 0 {
		b.time = c.ticks.Next()
	}
	c.locks[key].Release()
}

// Pin increments the referenced buffer's reference count, keeping it
// resident even after the caller releases its sleep lock via [Cache.Release].
// The log uses this to hold an absorbed block in the cache across the rest
// of a transaction without keeping it locked.
func (c *Cache) Pin(h *Handle) {
	b := &c.bufs[h.idx]
	key := int(b.blockno) % c.nbucket

	c.locks[key].Acquire()
	b.refcnt++
	c.locks[key].Release()
}

// Unpin reverses a prior Pin on the same block.
func (c *Cache) Unpin(h *Handle) {
	b := &c.bufs[h.idx]
	key := int(b.blockno) % c.nbucket

	c.locks[key].Acquire()
	b.refcnt--
	c.locks[key].Release()
}

// BlockSize returns the fixed block size this cache was created with.
func (c *Cache) BlockSize() int { return c.bsize }
