package walog

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/kcore/internal/bufcache"
	"github.com/calvinalkan/kcore/internal/disk"
	"github.com/calvinalkan/kcore/pkg/fs"
)

const (
	testBlockSize  = 512
	testLogStart   = uint32(10)
	testLogBlocks  = uint32(8) // header + 7 data slots
	testMaxOp      = 3
	testTotalBlock = uint32(64)
)

type harness struct {
	disk *disk.File
	bc   *bufcache.Cache
	log  *Log
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	d, err := disk.Create(fs.NewReal(), dir+"/disk.img", testBlockSize, testTotalBlock)
	if err != nil {
		t.Fatalf("disk.Create: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	bc := bufcache.New(d, 16, 13, testBlockSize)

	sb := disk.Superblock{LogStart: testLogStart, LogBlocks: testLogBlocks}
	l, err := Open(context.Background(), bc, 0, sb, testMaxOp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return &harness{disk: d, bc: bc, log: l}
}

func writeBlock(t *testing.T, h *harness, blockno uint32, pattern byte) {
	t.Helper()
	ctx := context.Background()

	if err := h.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}
	defer h.log.EndOp(ctx)

	buf, err := h.bc.Read(ctx, 0, blockno)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range buf.Data {
		buf.Data[i] = pattern
	}
	h.log.LogWrite(buf, blockno)
	h.bc.Release(buf)
}

func readBlock(t *testing.T, h *harness, blockno uint32) []byte {
	t.Helper()
	ctx := context.Background()

	buf, err := h.bc.Read(ctx, 0, blockno)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	out := append([]byte(nil), buf.Data...)
	h.bc.Release(buf)

	return out
}

func Test_Committed_Write_Is_Visible_After_Release(t *testing.T) {
	h := newHarness(t)

	writeBlock(t, h, 20, 0x42)

	got := readBlock(t, h, 20)
	for i, b := range got {
		if b != 0x42 {
			t.Fatalf("byte %d = %#x, want 0x42", i, b)
		}
	}
}

func Test_LogWrite_Absorbs_Repeat_Writes_Of_Same_Block_Into_One_Entry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	for i := 0; i < 5; i++ {
		buf, err := h.bc.Read(ctx, 0, 20)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		buf.Data[0] = byte(i)
		h.log.LogWrite(buf, 20)
		h.bc.Release(buf)
	}

	if got, want := h.log.lh.n, 1; got != want {
		t.Fatalf("logged block count=%d, want %d (absorption should coalesce to one entry)", got, want)
	}

	h.log.EndOp(ctx)

	got := readBlock(t, h, 20)
	if got[0] != 4 {
		t.Fatalf("installed byte=%#x, want the last write (4)", got[0])
	}
}

func Test_Group_Commit_Batches_Multiple_Concurrent_Transactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp #1: %v", err)
	}
	if err := h.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp #2: %v", err)
	}

	buf1, err := h.bc.Read(ctx, 0, 20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf1.Data[0] = 0xAA
	h.log.LogWrite(buf1, 20)
	h.bc.Release(buf1)

	buf2, err := h.bc.Read(ctx, 0, 21)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf2.Data[0] = 0xBB
	h.log.LogWrite(buf2, 21)
	h.bc.Release(buf2)

	// Neither op has ended; nothing should be on disk's home locations yet
	// beyond what install will do, since commit only runs at the last
	// EndOp. Ending the first must not commit (one is still outstanding).
	h.log.EndOp(ctx)
	if got, want := h.log.lh.n, 2; got != want {
		t.Fatalf("after first EndOp, logged count=%d, want %d (commit should wait for the second)", got, want)
	}

	h.log.EndOp(ctx)
	if got, want := h.log.lh.n, 0; got != want {
		t.Fatalf("after last EndOp, logged count=%d, want %d (commit should have run and cleared)", got, want)
	}

	got20 := readBlock(t, h, 20)
	got21 := readBlock(t, h, 21)
	if got20[0] != 0xAA || got21[0] != 0xBB {
		t.Fatalf("installed bytes = %#x,%#x, want 0xAA,0xBB", got20[0], got21[0])
	}
}

func Test_BeginOp_Blocks_When_Admission_Would_Overrun_Log_Capacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// maxLogged = 7, testMaxOp = 3. Admission requires
	// lh.n + (outstanding+1)*maxOpBlocks <= 7. Two outstanding transactions
	// (6 blocks reserved) admit; a third would need 9 and must block.
	if err := h.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp #1: %v", err)
	}
	if err := h.log.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp #2: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- h.log.BeginOp(ctx)
	}()

	select {
	case <-blocked:
		t.Fatalf("third BeginOp admitted immediately, want it to block on reserved capacity")
	default:
	}

	h.log.EndOp(ctx) // frees reservation for one outstanding op, wakes waiter

	if err := <-blocked; err != nil {
		t.Fatalf("BeginOp #3 after wakeup: %v", err)
	}

	h.log.EndOp(ctx)
	h.log.EndOp(ctx)
}

func Test_BeginOp_Returns_Context_Error_When_Cancelled_While_Blocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.log.BeginOp(ctx); err != nil {
			t.Fatalf("BeginOp #%d: %v", i, err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.log.BeginOp(cancelCtx)
	}()

	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("BeginOp after cancel: err=%v, want context.Canceled", err)
	}

	h.log.EndOp(ctx)
	h.log.EndOp(ctx)
}

func Test_Recovery_Replays_Sealed_But_Uninstalled_Transaction(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/disk.img"

	d, err := disk.Create(fs.NewReal(), path, testBlockSize, testTotalBlock)
	if err != nil {
		t.Fatalf("disk.Create: %v", err)
	}

	fault := disk.NewFault(d)
	bc := bufcache.New(fault, 16, 13, testBlockSize)
	sb := disk.Superblock{LogStart: testLogStart, LogBlocks: testLogBlocks}

	l, err := Open(context.Background(), bc, 0, sb, testMaxOp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	buf, err := bc.Read(ctx, 0, 30)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf.Data[0] = 0x99
	l.LogWrite(buf, 30)
	bc.Release(buf)

	// Commit's write sequence for one logged block is: write_log (1 write),
	// write_head to seal (1 write), install (1 write), write_head to clear
	// (1 write). Arm the crash on the third write, so the seal is durable
	// but install never reaches the home block — recovery must finish it.
	fault.ArmCrashAfter(3, false)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("EndOp did not panic on simulated crash")
			}
		}()
		l.EndOp(ctx)
	}()

	_ = d.Close()

	// Reboot: fresh device, cache, and log over the same backing file.
	d2, err := disk.Open(fs.NewReal(), path, testBlockSize, testTotalBlock)
	if err != nil {
		t.Fatalf("disk.Open after crash: %v", err)
	}
	t.Cleanup(func() { _ = d2.Close() })

	bc2 := bufcache.New(d2, 16, 13, testBlockSize)
	l2, err := Open(context.Background(), bc2, 0, sb, testMaxOp)
	if err != nil {
		t.Fatalf("Open (recovery): %v", err)
	}

	h2, err := bc2.Read(context.Background(), 0, 30)
	if err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	defer bc2.Release(h2)

	if got, want := h2.Data[0], byte(0x99); got != want {
		t.Fatalf("block 30 byte 0 after recovery = %#x, want %#x (committed write must survive crash)", got, want)
	}

	if got, want := l2.lh.n, 0; got != want {
		t.Fatalf("log header after recovery: n=%d, want 0 (cleared)", got)
	}
}

func Test_Recovery_Discards_Transaction_Never_Sealed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/disk.img"

	d, err := disk.Create(fs.NewReal(), path, testBlockSize, testTotalBlock)
	if err != nil {
		t.Fatalf("disk.Create: %v", err)
	}

	fault := disk.NewFault(d)
	bc := bufcache.New(fault, 16, 13, testBlockSize)
	sb := disk.Superblock{LogStart: testLogStart, LogBlocks: testLogBlocks}

	l, err := Open(context.Background(), bc, 0, sb, testMaxOp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	if err := l.BeginOp(ctx); err != nil {
		t.Fatalf("BeginOp: %v", err)
	}

	buf, err := bc.Read(ctx, 0, 31)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	buf.Data[0] = 0x77
	l.LogWrite(buf, 31)
	bc.Release(buf)

	// Crash on the very first write (write_log's single write), before the
	// header is ever sealed.
	fault.ArmCrashAfter(1, false)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("EndOp did not panic on simulated crash")
			}
		}()
		l.EndOp(ctx)
	}()

	_ = d.Close()

	d2, err := disk.Open(fs.NewReal(), path, testBlockSize, testTotalBlock)
	if err != nil {
		t.Fatalf("disk.Open after crash: %v", err)
	}
	t.Cleanup(func() { _ = d2.Close() })

	bc2 := bufcache.New(d2, 16, 13, testBlockSize)
	if _, err := Open(context.Background(), bc2, 0, sb, testMaxOp); err != nil {
		t.Fatalf("Open (recovery): %v", err)
	}

	h2, err := bc2.Read(context.Background(), 0, 31)
	if err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	defer bc2.Release(h2)

	if got, want := h2.Data[0], byte(0); got != want {
		t.Fatalf("block 31 byte 0 after recovery = %#x, want 0 (unsealed write must not survive)", got)
	}
}

func Test_Header_Round_Trips_Through_Encode_Decode(t *testing.T) {
	h := newHeader(5)
	h.n = 3
	h.block[0], h.block[1], h.block[2] = 10, 20, 30

	buf := make([]byte, h.encodedSize())
	h.encodeInto(buf)

	if got, want := binary.LittleEndian.Uint32(buf[0:4]), uint32(3); got != want {
		t.Fatalf("encoded n=%d, want %d", got, want)
	}

	h2 := newHeader(5)
	h2.decodeFrom(buf)

	want := header{n: 3, block: []uint32{10, 20, 30, 0, 0}}
	if diff := cmp.Diff(want, h2, cmp.AllowUnexported(header{})); diff != "" {
		t.Fatalf("decoded header mismatch (-want +got):\n%s", diff)
	}
}
