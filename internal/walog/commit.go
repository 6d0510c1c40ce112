package walog

import (
	"context"
	"fmt"
)

// commit runs the four-phase group commit: shadow every logged block into
// the log area, seal the transaction by writing the header (the
// linearization point — once this lands, recovery will redo the whole
// batch even if the process dies a moment later), install the shadowed
// blocks into their home locations, then clear the header so recovery
// knows there is nothing left to redo.
func (l *Log) commit(ctx context.Context) error {
	if l.lh.n == 0 {
		return nil
	}

	if err := l.writeLog(ctx); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	if err := l.writeHead(ctx); err != nil {
		return fmt.Errorf("seal commit: %w", err)
	}
	if err := l.installTrans(ctx, false); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	l.lh.n = 0
	if err := l.writeHead(ctx); err != nil {
		return fmt.Errorf("clear commit: %w", err)
	}

	return nil
}

// writeLog copies each logged block's current cached contents into its
// shadow slot in the log region and writes that slot to disk.
func (l *Log) writeLog(ctx context.Context) error {
	for tail := 0; tail < l.lh.n; tail++ {
		to, err := l.bc.Read(ctx, l.dev, l.start+uint32(tail)+1)
		if err != nil {
			return err
		}

		from, err := l.bc.Read(ctx, l.dev, l.lh.block[tail])
		if err != nil {
			l.bc.Release(to)
			return err
		}

		copy(to.Data, from.Data)

		if err := l.bc.Write(ctx, to); err != nil {
			l.bc.Release(from)
			l.bc.Release(to)
			return err
		}

		l.bc.Release(from)
		l.bc.Release(to)
	}

	return nil
}

// installTrans copies every shadowed block from the log area to its home
// location. recovering is true only when called from recovery, in which
// case the blocks were never Pin-ed by LogWrite and must not be Unpin-ed.
func (l *Log) installTrans(ctx context.Context, recovering bool) error {
	for tail := 0; tail < l.lh.n; tail++ {
		lbuf, err := l.bc.Read(ctx, l.dev, l.start+uint32(tail)+1)
		if err != nil {
			return err
		}

		dbuf, err := l.bc.Read(ctx, l.dev, l.lh.block[tail])
		if err != nil {
			l.bc.Release(lbuf)
			return err
		}

		copy(dbuf.Data, lbuf.Data)

		if err := l.bc.Write(ctx, dbuf); err != nil {
			l.bc.Release(dbuf)
			l.bc.Release(lbuf)
			return err
		}

		if !recovering {
			l.bc.Unpin(dbuf)
		}

		l.bc.Release(dbuf)
		l.bc.Release(lbuf)
	}

	return nil
}

// readHead loads the on-disk header (block l.start) into l.lh.
func (l *Log) readHead(ctx context.Context) error {
	h, err := l.bc.Read(ctx, l.dev, l.start)
	if err != nil {
		return err
	}
	defer l.bc.Release(h)

	l.lh.decodeFrom(h.Data)

	return nil
}

// writeHead persists l.lh to block l.start. This is the true commit point:
// once this write lands, a crash before install still recovers correctly
// because recoverFromLog replays from exactly this header.
func (l *Log) writeHead(ctx context.Context) error {
	h, err := l.bc.Read(ctx, l.dev, l.start)
	if err != nil {
		return err
	}
	defer l.bc.Release(h)

	l.lh.encodeInto(h.Data)

	return l.bc.Write(ctx, h)
}

// recoverFromLog runs once at Open: read whatever header is on disk, replay
// any committed transaction it describes, then clear it. If the prior
// process crashed before sealing a commit (header still shows n==0 from the
// last clear), this is a no-op beyond the header round-trip.
func (l *Log) recoverFromLog(ctx context.Context) error {
	if err := l.readHead(ctx); err != nil {
		return err
	}

	if err := l.installTrans(ctx, true); err != nil {
		return err
	}

	l.lh.n = 0

	return l.writeHead(ctx)
}
