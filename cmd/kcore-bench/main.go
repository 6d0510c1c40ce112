// Command kcore-bench measures raw throughput of the page allocator and
// buffer cache under concurrent load. Styled after the project's other
// benchmark tool: flag-configured run counts and a plain text report (no external harness dependency, unlike the ticket-tracker
// benchmark which shells out to hyperfine, since here the thing measured
// is pure in-process Go rather than a subprocess's wall-clock time).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/calvinalkan/kcore/internal/bufcache"
	"github.com/calvinalkan/kcore/internal/config"
	"github.com/calvinalkan/kcore/internal/disk"
	"github.com/calvinalkan/kcore/internal/kalloc"
	"github.com/calvinalkan/kcore/pkg/fs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kcore-bench:", err)
		os.Exit(1)
	}
}

func run() error {
	ops := flag.Int("ops", 200_000, "operations per goroutine")
	goroutines := flag.Int("goroutines", runtime.GOMAXPROCS(0), "concurrent goroutines")
	nbuf := flag.Int("nbuf", 256, "buffer cache size")
	nbucket := flag.Int("nbucket", 251, "buffer cache bucket count")
	blockSize := flag.Int("block-size", 1024, "block size in bytes")
	numBlocks := flag.Int("num-blocks", 4096, "disk image size in blocks")
	flag.Parse()

	fmt.Printf("kcore-bench: %d goroutines x %d ops\n\n", *goroutines, *ops)

	if err := benchAlloc(*goroutines, *ops); err != nil {
		return err
	}

	return benchBufCache(*goroutines, *ops, *nbuf, *nbucket, *blockSize, *numBlocks)
}

func benchAlloc(goroutines, ops int) error {
	a := kalloc.New(goroutines, goroutines*4, config.Default().PageSize)

	start := time.Now()

	var wg sync.WaitGroup
	for cpu := 0; cpu < goroutines; cpu++ {
		cpu := cpu
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				f, ok := a.Alloc(cpu)
				if !ok {
					continue
				}
				a.Free(cpu, f)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := int64(goroutines) * int64(ops)

	report("kalloc.Alloc+Free", total, elapsed)

	return nil
}

func benchBufCache(goroutines, ops, nbuf, nbucket, blockSize, numBlocks int) error {
	dir, err := os.MkdirTemp("", "kcore-bench-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	d, err := disk.Create(fs.NewReal(), dir+"/bench.img", blockSize, uint32(numBlocks))
	if err != nil {
		return err
	}
	defer d.Close()

	c := bufcache.New(d, nbuf, nbucket, blockSize)
	ctx := context.Background()

	start := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				blockno := uint32((g*ops+i)%numBlocks + 0)
				if blockno == 0 {
					blockno = 1
				}

				h, err := c.Read(ctx, 0, blockno)
				if err != nil {
					continue
				}
				h.Data[0]++
				_ = c.Write(ctx, h)
				c.Release(h)
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := int64(goroutines) * int64(ops)

	report("bufcache.Read+Write+Release", total, elapsed)

	return nil
}

func report(label string, ops int64, elapsed time.Duration) {
	perSec := float64(ops) / elapsed.Seconds()
	fmt.Printf("%-30s %10d ops in %10s  (%.0f ops/sec)\n", label, ops, elapsed.Round(time.Millisecond), perSec)
}
