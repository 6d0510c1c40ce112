package disk

import (
	"context"
	"errors"
	"sync"
)

// ErrCrashed is returned by every call made to a [Fault] after it has fired
// a simulated crash. It stands in for "the process is gone" — in the walog
// recovery tests, the test never treats this as a disk error to retry; it stops
// issuing calls on this handle and opens a fresh [Device] over the same
// backing file to drive recovery, the same way a reboot would.
var ErrCrashed = errors.New("disk: simulated crash")

// Fault wraps a [Device] and lets a test arm a one-shot crash at an exact
// write count, with or without tearing the triggering write. This backs
// crash-atomicity tests: commit a transaction, crash at a chosen block
// write of the commit protocol (write-log, seal, install, clear), reopen,
// recover, and check the data is all-or-nothing.
type Fault struct {
	inner Device

	mu        sync.Mutex
	writes    int
	armed     bool
	triggerAt int
	torn      bool
	crashed   bool
}

// NewFault wraps inner. The wrapper is inert until [Fault.ArmCrashAfter] is
// called; until then it passes every call straight through.
func NewFault(inner Device) *Fault {
	return &Fault{inner: inner}
}

// ArmCrashAfter arms a crash to fire on the n-th WriteBlock call counting
// from now (n=1 means the very next write). When torn is true, the
// triggering write is only partially applied before the simulated crash,
// modeling a torn sector write; when false, the triggering write does not
// reach the device at all, modeling a crash that lands just before the
// write would have happened.
func (f *Fault) ArmCrashAfter(n int, torn bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.armed = true
	f.triggerAt = f.writes + n
	f.torn = torn
	f.crashed = false
}

// Disarm clears any pending crash and the crashed state, letting the fault
// wrapper be reused over the same inner [Device].
func (f *Fault) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.armed = false
	f.crashed = false
}

// Crashed reports whether the armed crash has already fired.
func (f *Fault) Crashed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crashed
}

func (f *Fault) BlockSize() int     { return f.inner.BlockSize() }
func (f *Fault) NumBlocks() uint32 { return f.inner.NumBlocks() }

func (f *Fault) ReadBlock(ctx context.Context, blockno uint32, dst []byte) error {
	f.mu.Lock()
	crashed := f.crashed
	f.mu.Unlock()

	if crashed {
		return ErrCrashed
	}

	return f.inner.ReadBlock(ctx, blockno, dst)
}

func (f *Fault) WriteBlock(ctx context.Context, blockno uint32, src []byte) error {
	f.mu.Lock()
	if f.crashed {
		f.mu.Unlock()
		return ErrCrashed
	}

	f.writes++

	if f.armed && f.writes == f.triggerAt {
		torn := f.torn
		f.crashed = true
		f.armed = false
		f.mu.Unlock()

		if torn {
			half := len(src) / 2
			// Best-effort partial write; a real torn write can corrupt
			// anywhere in the sector, but truncating at the midpoint is
			// enough to exercise "header written, body not" and
			// "body written, header not" cases depending on block role.
			_ = f.inner.WriteBlock(ctx, blockno, padTo(src[:half], len(src)))
		}

		return ErrCrashed
	}
	f.mu.Unlock()

	return f.inner.WriteBlock(ctx, blockno, src)
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

var _ Device = (*Fault)(nil)
