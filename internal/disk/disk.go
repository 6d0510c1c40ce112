// Package disk provides the block-device collaborator that the buffer cache
// reads through and the log writes through: a synchronous read/write of
// one block's worth of bytes, modeled on a flat file the way xv6's virtio
// driver treats its backing image.
package disk

import "context"

// Superblock carries the on-disk fields the log needs at initlog time.
// Everything else a real superblock would hold (inode layout, free bitmap)
// is out of scope here.
type Superblock struct {
	LogStart uint32 // first block of the log region
	LogBlocks uint32 // number of blocks in the log region, including the header
}

// Device is the disk_rw surface BC and LOG are built against. Block numbers
// are absolute: callers addressing the log region offset by Superblock.LogStart
// themselves, matching xv6's bwrite(buf) where buf->blockno is already absolute.
type Device interface {
	// ReadBlock reads exactly BlockSize() bytes into dst, which must be
	// that length. Blocks the caller; cancellation surfaces as ctx.Err().
	ReadBlock(ctx context.Context, blockno uint32, dst []byte) error

	// WriteBlock writes exactly BlockSize bytes from src to blockno.
	WriteBlock(ctx context.Context, blockno uint32, src []byte) error

	// BlockSize returns the fixed block size this device was opened with.
	BlockSize() int

	// NumBlocks returns the device's fixed capacity in blocks.
	NumBlocks() uint32
}
