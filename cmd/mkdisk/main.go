// Command mkdisk lays out a fresh disk image sized for the storage core:
// a zero-filled data region plus a log region whose geometry matches what
// internal/walog expects. The image is first created in place, zero-filled;
// the superblock stamp then replaces the image file atomically, so a crash
// during the stamp leaves either the unstamped or the stamped image, never a
// half-written superblock.
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kcore/internal/config"
	"github.com/calvinalkan/kcore/internal/disk"
	"github.com/calvinalkan/kcore/pkg/fs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mkdisk:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("mkdisk", flag.ContinueOnError)
	path := fset.StringP("out", "o", "kcore.img", "path to the disk image to create")
	blockSize := fset.Int("block-size", 0, "block size in bytes (default: config block_size)")
	numBlocks := fset.Uint32("num-blocks", 4096, "total number of blocks in the image")
	logStart := fset.Uint32("log-start", 1, "first block of the log region")
	logBlocks := fset.Uint32("log-blocks", 64, "number of blocks in the log region, header included")

	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	bsize := *blockSize
	if bsize == 0 {
		bsize = cfg.BlockSize
	}

	if uint64(*logStart)+uint64(*logBlocks) > uint64(*numBlocks) {
		return fmt.Errorf("log region [%d,%d) does not fit in %d blocks", *logStart, *logStart+*logBlocks, *numBlocks)
	}

	fsys := fs.NewReal()

	d, err := disk.Create(fsys, *path, bsize, *numBlocks)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer d.Close()

	sb := disk.Superblock{LogStart: *logStart, LogBlocks: *logBlocks}
	volumeID := uuid.Must(uuid.NewV7())

	if err := writeSuperblockAtomically(fsys, *path, bsize, sb, volumeID); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}

	fmt.Printf("created %s: %d blocks x %d bytes, log region [%d,%d), volume %s\n",
		*path, *numBlocks, bsize, sb.LogStart, sb.LogStart+sb.LogBlocks, volumeID)

	return nil
}

// superblockMagic identifies a kcore disk image; ReadSuperblock rejects a
// file whose block 0 does not start with it. Layout beyond
// the magic is: logstart, nlog (both read by walog.Open), then a volume id
// that only tooling reads. The core itself never looks past nlog.
const superblockMagic = "KCORESB1"

// writeSuperblockAtomically re-reads the freshly created image, overlays the
// superblock fields on block 0, and rewrites the whole image through
// pkg/fs's atomic writer: temp file, fsync, rename, directory fsync. The
// image itself already exists by the time this runs; the atomic replace
// covers only the superblock stamp.
func writeSuperblockAtomically(fsys fs.FS, path string, blockSize int, sb disk.Superblock, volumeID uuid.UUID) error {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return err
	}

	if len(data) < blockSize {
		return fmt.Errorf("image %q is smaller than one block", path)
	}

	block := data[:blockSize]
	copy(block, superblockMagic)
	binary.LittleEndian.PutUint32(block[8:12], sb.LogStart)
	binary.LittleEndian.PutUint32(block[12:16], sb.LogBlocks)
	copy(block[16:32], volumeID[:])

	w := fs.NewAtomicWriter(fsys)

	return w.WriteWithDefaults(path, bytes.NewReader(data))
}

// ReadSuperblock reads and validates the superblock plus volume id from an
// existing image.
func ReadSuperblock(fsys fs.FS, path string) (disk.Superblock, uuid.UUID, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return disk.Superblock{}, uuid.UUID{}, err
	}

	if len(data) < 32 || string(data[:8]) != superblockMagic {
		return disk.Superblock{}, uuid.UUID{}, fmt.Errorf("%q: not a kcore disk image", path)
	}

	sb := disk.Superblock{
		LogStart:  binary.LittleEndian.Uint32(data[8:12]),
		LogBlocks: binary.LittleEndian.Uint32(data[12:16]),
	}

	id, err := uuid.FromBytes(data[16:32])
	if err != nil {
		return disk.Superblock{}, uuid.UUID{}, fmt.Errorf("%q: invalid volume id: %w", path, err)
	}

	return sb, id, nil
}
