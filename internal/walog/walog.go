// Package walog is the write-ahead log (LOG): a group-commit redo journal
// layered over the buffer cache. Transactions bracket their writes with
// BeginOp/EndOp; LogWrite records which blocks changed. The last EndOp to
// close an outstanding transaction commits the whole batch in one pass:
// copy dirty blocks into the log area, seal the commit by writing the
// header, install the blocks into their home locations, then clear the
// header. Recovery at Open replays exactly that sequence for whatever a
// prior process committed but never finished installing.
//
// Modeled directly on xv6's log.c, down to the four-phase commit
// (write_log / write_head / install_trans / write_head-to-clear) and the
// admission formula that makes begin_op block rather than let a
// transaction overrun the log.
package walog

import (
	"context"
	"fmt"

	"github.com/calvinalkan/kcore/internal/bufcache"
	"github.com/calvinalkan/kcore/internal/disk"
	"github.com/calvinalkan/kcore/internal/klock"
)

// Log is the write-ahead log. Create with [Open], which also performs
// crash recovery against whatever the log region already holds.
type Log struct {
	bc  *bufcache.Cache
	dev uint32

	start       uint32 // first block of the log region (header block)
	size        uint32 // total blocks in the log region, header included
	maxLogged   int    // size-1: largest number of blocks one commit can shadow
	maxOpBlocks int    // pessimistic per-transaction budget for admission control

	mu          klock.Spin
	cond        klock.Cond
	outstanding int
	committing  bool
	lh          header
}

// Open wires a log onto dev's log region as described by sb, then replays
// any committed-but-uninstalled transaction left behind by a prior crash.
// Panics if the header cannot fit in one block, matching initlog's
// "too big logheader" check — that is a configuration error, not a runtime
// one.
func Open(ctx context.Context, bc *bufcache.Cache, dev uint32, sb disk.Superblock, maxOpBlocks int) (*Log, error) {
	if sb.LogBlocks < 2 {
		panic("walog: log region must hold a header block plus at least one data block")
	}

	maxLogged := int(sb.LogBlocks) - 1
	lh := newHeader(maxLogged)

	if lh.encodedSize() > bc.BlockSize() {
		panic("walog: log header does not fit in one block at this BSIZE")
	}

	l := &Log{
		bc:          bc,
		dev:         dev,
		start:       sb.LogStart,
		size:        sb.LogBlocks,
		maxLogged:   maxLogged,
		maxOpBlocks: maxOpBlocks,
		lh:          lh,
	}
	l.cond.Init(&l.mu)

	if err := l.recoverFromLog(ctx); err != nil {
		return nil, fmt.Errorf("walog: recovery: %w", err)
	}

	return l, nil
}

// BeginOp admits one transaction, blocking while a commit is in progress or
// while admitting it could overrun the log's reserved capacity. Returns
// ctx.Err() if ctx is cancelled before admission; a blocked caller would
// otherwise have no way out short of another transaction completing.
func (l *Log) BeginOp(ctx context.Context) error {
	if done := ctx.Done(); done != nil {
		// Broadcast under l.mu so it cannot fall between a waiter's ctx.Err()
		// check and its Wait.
		stop := context.AfterFunc(ctx, func() {
			l.mu.Acquire()
			l.cond.Broadcast()
			l.mu.Release()
		})
		defer stop()
	}

	l.mu.Acquire()
	defer l.mu.Release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		admitted := l.lh.n+(l.outstanding+1)*l.maxOpBlocks <= l.maxLogged
		if l.committing || !admitted {
			l.cond.Wait()
			continue
		}

		l.outstanding++
		return nil
	}
}

// EndOp closes one transaction. If it was the last outstanding transaction,
// EndOp commits the whole batch before returning. A disk failure during
// commit is fatal: disk I/O is assumed to succeed or panic, since there is
// no well-defined in-memory state to return to once part of a commit has
// hit disk.
func (l *Log) EndOp(ctx context.Context) {
	l.mu.Acquire()

	if l.outstanding <= 0 {
		l.mu.Release()
		panic("walog: EndOp without a matching BeginOp")
	}

	l.outstanding--

	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// begin_op may be waiting on the space EndOp just freed up.
		l.cond.Broadcast()
	}
	l.mu.Release()

	if !doCommit {
		return
	}

	if err := l.commit(ctx); err != nil {
		panic(fmt.Sprintf("walog: commit failed: %v", err))
	}

	l.mu.Acquire()
	l.committing = false
	l.cond.Broadcast()
	l.mu.Release()
}

// LogWrite records that h's block must be durably written as part of the
// current transaction, absorbing repeat writes of the same block into one
// log entry. The caller must already hold h (from [bufcache.Cache.Read])
// and must call this between a BeginOp/EndOp pair. It does not itself write
// to disk; commit does that once the transaction closes.
func (l *Log) LogWrite(h *bufcache.Handle, blockno uint32) {
	l.mu.Acquire()
	defer l.mu.Release()

	if l.outstanding < 1 {
		panic("walog: LogWrite outside of a transaction")
	}

	i := 0
	for ; i < l.lh.n; i++ {
		if l.lh.block[i] == blockno {
			break // log absorption: already tracked this block
		}
	}

	if i == l.lh.n {
		if l.lh.n >= l.maxLogged {
			panic("walog: transaction too big for the log")
		}

		l.lh.block[i] = blockno
		l.lh.n++
		l.bc.Pin(h) // keep the block resident until install unpins it
	}
}
