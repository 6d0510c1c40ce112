package disk

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/kcore/pkg/fs"
)

func Test_Create_Then_Open_Reports_Matching_Geometry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")

	d, err := Create(fs.NewReal(), path, 512, 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Close()

	d2, err := Open(fs.NewReal(), path, 512, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d2.Close()

	if got, want := d2.BlockSize(), 512; got != want {
		t.Fatalf("BlockSize()=%d, want %d", got, want)
	}
	if got, want := d2.NumBlocks(), uint32(10); got != want {
		t.Fatalf("NumBlocks()=%d, want %d", got, want)
	}
}

func Test_WriteBlock_Then_ReadBlock_Round_Trips(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(fs.NewReal(), filepath.Join(dir, "disk.img"), 64, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	want := make([]byte, 64)
	for i := range want {
		want[i] = byte(i)
	}

	if err := d.WriteBlock(ctx, 2, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got := make([]byte, 64)
	if err := d.ReadBlock(ctx, 2, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func Test_ReadBlock_Out_Of_Range_Returns_Error(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(fs.NewReal(), filepath.Join(dir, "disk.img"), 64, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	buf := make([]byte, 64)
	if err := d.ReadBlock(context.Background(), 4, buf); err == nil {
		t.Fatalf("ReadBlock(4) on a 4-block device: err=nil, want error")
	}
}

func Test_WriteBlock_Wrong_Size_Returns_Error(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(fs.NewReal(), filepath.Join(dir, "disk.img"), 64, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if err := d.WriteBlock(context.Background(), 0, make([]byte, 10)); err == nil {
		t.Fatalf("WriteBlock with wrong-size src: err=nil, want error")
	}
}

func Test_Blocks_Do_Not_Overlap(t *testing.T) {
	dir := t.TempDir()
	d, err := Create(fs.NewReal(), filepath.Join(dir, "disk.img"), 32, 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	ctx := context.Background()

	a := make([]byte, 32)
	for i := range a {
		a[i] = 0xAA
	}
	b := make([]byte, 32)
	for i := range b {
		b[i] = 0xBB
	}

	if err := d.WriteBlock(ctx, 0, a); err != nil {
		t.Fatalf("WriteBlock(0): %v", err)
	}
	if err := d.WriteBlock(ctx, 1, b); err != nil {
		t.Fatalf("WriteBlock(1): %v", err)
	}

	got0 := make([]byte, 32)
	got1 := make([]byte, 32)
	if err := d.ReadBlock(ctx, 0, got0); err != nil {
		t.Fatalf("ReadBlock(0): %v", err)
	}
	if err := d.ReadBlock(ctx, 1, got1); err != nil {
		t.Fatalf("ReadBlock(1): %v", err)
	}

	if got0[0] != 0xAA || got1[0] != 0xBB {
		t.Fatalf("block 0/1 = %#x/%#x, want 0xAA/0xBB", got0[0], got1[0])
	}
}
