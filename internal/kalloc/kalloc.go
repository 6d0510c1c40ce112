// Package kalloc is the page allocator (PA): a fixed pool of fixed-size page
// frames, handed out and reclaimed through per-CPU freelists so that
// concurrent allocation on different CPUs never contends on one lock.
// Modeled directly on xv6's kalloc.c: each CPU owns a freelist protected by
// its own spinlock; Alloc first tries the caller's own list, then steals
// exactly one frame from another CPU's list; Free always pushes onto the
// *current* CPU's list, which is why frames migrate between CPUs over time
// instead of always returning home.
package kalloc

import (
	"fmt"

	"github.com/calvinalkan/kcore/internal/klock"
)

// Frame identifies one page frame by index into the allocator's arena.
type Frame uint32

// allocJunk and freeJunk are the fill bytes kalloc/kfree write over a page
// on the way out and in, so a dangling reference reads obviously-wrong data
// instead of silently stale contents.
const (
	freeJunk byte = 0x01
	allocJunk byte = 0x05
)

type freelist struct {
	mu    klock.Spin
	pages []Frame
}

// Allocator is the page allocator. Create with [New]; it owns a fixed arena
// of numFrames*pageSize bytes for the lifetime of the process, the Go
// equivalent of xv6 dedicating all of physical memory above the kernel to
// kalloc at boot.
type Allocator struct {
	pageSize int
	numCPU   int
	arena    []byte
	lists    []freelist
}

// New creates an allocator over numFrames frames of pageSize bytes each,
// split across numCPU independent freelists. All frames start out on
// freelist 0, exactly as xv6's kinit does: freerange runs once at boot on
// the boot CPU, so every kfree() during initialization lands on
// kmem[0].freelist. Every other CPU must steal before it can allocate,
// until frees have spread pages out.
func New(numCPU, numFrames, pageSize int) *Allocator {
	if numCPU <= 0 {
		panic("kalloc: numCPU must be positive")
	}
	if pageSize <= 0 {
		panic("kalloc: pageSize must be positive")
	}

	a := &Allocator{
		pageSize: pageSize,
		numCPU:   numCPU,
		arena:    make([]byte, numFrames*pageSize),
		lists:    make([]freelist, numCPU),
	}

	boot := &a.lists[0]
	for i := numFrames - 1; i >= 0; i-- {
		boot.pages = append(boot.pages, Frame(i))
	}

	return a
}

func (a *Allocator) checkCPU(cpu int) {
	if cpu < 0 || cpu >= a.numCPU {
		panic(fmt.Sprintf("kalloc: cpu %d out of range [0,%d)", cpu, a.numCPU))
	}
}

// page returns the backing slice for frame f. Panics on an out-of-range
// frame, which can only happen from caller misuse since every Frame this
// package hands out comes from its own arena.
func (a *Allocator) page(f Frame) []byte {
	start := int(f) * a.pageSize
	return a.arena[start : start+a.pageSize]
}

// Alloc returns one free frame, preferring the caller's own CPU's list and
// falling back to stealing a single frame from another CPU. ok is false
// when every list is empty — out-of-memory is the one recoverable failure
// in the whole core, so Alloc returns it rather than panicking.
//
// own's lock stays held across the whole steal loop, exactly as kalloc.c
// holds kmem[cpu].lock from the first pop attempt through the last foreign
// list it checks: one foreign lock is acquired and released at a time,
// never two at once, but the home lock is never given up in between.
func (a *Allocator) Alloc(cpu int) (Frame, bool) {
	a.checkCPU(cpu)

	own := &a.lists[cpu]
	own.mu.Acquire()
	defer own.mu.Release()

	f, ok := own.pop()

	if !ok {
		for i := 0; i < a.numCPU; i++ {
			if i == cpu {
				continue
			}

			other := &a.lists[i]
			other.mu.Acquire()
			f, ok = other.pop()
			other.mu.Release()

			if ok {
				break
			}
		}
	}

	if !ok {
		return 0, false
	}

	page := a.page(f)
	for i := range page {
		page[i] = allocJunk
	}

	return f, true
}

// Free returns frame f to the current CPU's list, junk-filling its contents
// first to catch use-after-free. Frames are not returned to the CPU that
// originally allocated them; the list they land on is whichever CPU is
// running Free.
func (a *Allocator) Free(cpu int, f Frame) {
	a.checkCPU(cpu)

	page := a.page(f)
	for i := range page {
		page[i] = freeJunk
	}

	list := &a.lists[cpu]
	list.mu.Acquire()
	list.push(f)
	list.mu.Release()
}

// FreeMemory returns the total number of free frames across every CPU's
// list, in bytes. Diagnostic only; it takes every list's lock in turn, so
// callers should not treat the result as instantaneous under concurrent
// Alloc/Free.
func (a *Allocator) FreeMemory() int {
	total := 0

	for i := range a.lists {
		list := &a.lists[i]
		list.mu.Acquire()
		total += len(list.pages)
		list.mu.Release()
	}

	return total * a.pageSize
}

// PageSize returns the fixed frame size this allocator was created with.
func (a *Allocator) PageSize() int { return a.pageSize }

func (l *freelist) pop() (Frame, bool) {
	n := len(l.pages)
	if n == 0 {
		return 0, false
	}

	f := l.pages[n-1]
	l.pages = l.pages[:n-1]

	return f, true
}

func (l *freelist) push(f Frame) {
	l.pages = append(l.pages, f)
}
