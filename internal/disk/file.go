package disk

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/calvinalkan/kcore/pkg/fs"
)

// File is a [Device] backed by a single flat file: block n lives at byte
// offset n*blockSize, exactly like xv6's disk image. It works against any
// [fs.FS] so tests can point it at a tempdir the same way pkg/fs's own
// tests do.
type File struct {
	f         fs.File
	blockSize int
	numBlocks uint32

	// os.File's read/write position is shared state; Seek-then-Read/Write
	// must be one atomic step when multiple buffers can be in flight for
	// the same device.
	mu sync.Mutex
}

// Open opens (without creating) path on fsys as a block device of the given
// geometry. The file must already be at least blockSize*numBlocks bytes;
// use [Create] to lay one out first.
func Open(fsys fs.FS, path string, blockSize int, numBlocks uint32) (*File, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("disk: blockSize must be positive, got %d", blockSize)
	}

	f, err := fsys.OpenFile(path, osRdwr, 0)
	if err != nil {
		return nil, fmt.Errorf("disk: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: stat %q: %w", path, err)
	}

	want := int64(blockSize) * int64(numBlocks)
	if info.Size() < want {
		_ = f.Close()
		return nil, fmt.Errorf("disk: %q is %d bytes, want at least %d", path, info.Size(), want)
	}

	return &File{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

// Create lays out a new zero-filled disk image of the given geometry at
// path and returns it opened. No superblock is written; cmd/mkdisk stamps
// one into block 0 afterwards.
func Create(fsys fs.FS, path string, blockSize int, numBlocks uint32) (*File, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("disk: blockSize must be positive, got %d", blockSize)
	}

	f, err := fsys.OpenFile(path, osRdwrCreateTrunc, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: create %q: %w", path, err)
	}

	size := int64(blockSize) * int64(numBlocks)
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: chmod %q: %w", path, err)
	}

	if _, err := f.Seek(size-1, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: seek %q: %w", path, err)
	}
	if _, err := f.Write([]byte{0}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: extend %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: sync %q: %w", path, err)
	}

	return &File{f: f, blockSize: blockSize, numBlocks: numBlocks}, nil
}

func (d *File) BlockSize() int     { return d.blockSize }
func (d *File) NumBlocks() uint32 { return d.numBlocks }

// Close releases the underlying file handle.
func (d *File) Close() error {
	return d.f.Close()
}

func (d *File) ReadBlock(ctx context.Context, blockno uint32, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst) != d.blockSize {
		return fmt.Errorf("disk: ReadBlock(%d): dst is %d bytes, want %d", blockno, len(dst), d.blockSize)
	}
	if blockno >= d.numBlocks {
		return fmt.Errorf("disk: ReadBlock(%d): out of range, device has %d blocks", blockno, d.numBlocks)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	off := int64(blockno) * int64(d.blockSize)
	if _, err := d.f.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("disk: seek block %d: %w", blockno, err)
	}
	if _, err := io.ReadFull(d.f, dst); err != nil {
		return fmt.Errorf("disk: read block %d: %w", blockno, err)
	}

	return nil
}

func (d *File) WriteBlock(ctx context.Context, blockno uint32, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(src) != d.blockSize {
		return fmt.Errorf("disk: WriteBlock(%d): src is %d bytes, want %d", blockno, len(src), d.blockSize)
	}
	if blockno >= d.numBlocks {
		return fmt.Errorf("disk: WriteBlock(%d): out of range, device has %d blocks", blockno, d.numBlocks)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	off := int64(blockno) * int64(d.blockSize)
	if _, err := d.f.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("disk: seek block %d: %w", blockno, err)
	}
	if _, err := d.f.Write(src); err != nil {
		return fmt.Errorf("disk: write block %d: %w", blockno, err)
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("disk: sync after write block %d: %w", blockno, err)
	}

	return nil
}

var _ Device = (*File)(nil)
