// Command kcore-shell is an interactive inspector for a live page
// allocator, buffer cache, and log, wired against a disk image on disk.
// Modeled on the project's other interactive tool: a peterh/liner
// read-eval-print loop with persistent history and a small verb dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/kcore/internal/bufcache"
	"github.com/calvinalkan/kcore/internal/config"
	"github.com/calvinalkan/kcore/internal/disk"
	"github.com/calvinalkan/kcore/internal/kalloc"
	"github.com/calvinalkan/kcore/internal/walog"
	"github.com/calvinalkan/kcore/pkg/fs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kcore-shell:", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("disk", "kcore.img", "path to a disk image created by mkdisk")
	logStart := flag.Uint("log-start", 1, "log region start block (must match mkdisk)")
	logBlocks := flag.Uint("log-blocks", 64, "log region size in blocks (must match mkdisk)")
	flag.Parse()

	cfg := config.Default()

	fsys := fs.NewReal()

	info, err := fsys.Stat(*path)
	if err != nil {
		return fmt.Errorf("%s: run mkdisk first: %w", *path, err)
	}

	numBlocks := uint32(info.Size() / int64(cfg.BlockSize))

	d, err := disk.Open(fsys, *path, cfg.BlockSize, numBlocks)
	if err != nil {
		return err
	}
	defer d.Close()

	bc := bufcache.New(d, cfg.NBuf, cfg.NBucket, cfg.BlockSize)
	alloc := kalloc.New(cfg.NCPU, cfg.NumFrames, cfg.PageSize)

	ctx := context.Background()
	sb := disk.Superblock{LogStart: uint32(*logStart), LogBlocks: uint32(*logBlocks)}

	log, err := walog.Open(ctx, bc, 0, sb, cfg.MaxOpBlocks)
	if err != nil {
		return fmt.Errorf("open log (recovery): %w", err)
	}

	repl := &shell{bc: bc, alloc: alloc, log: log, cfg: cfg}

	return repl.run(ctx)
}

type shell struct {
	bc    *bufcache.Cache
	alloc *kalloc.Allocator
	log   *walog.Log
	cfg   config.Config

	line *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kcore_shell_history")
}

func (s *shell) run(ctx context.Context) error {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		s.line.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("kcore-shell (nbuf=%d nbucket=%d ncpu=%d)\n", s.cfg.NBuf, s.cfg.NBucket, s.cfg.NCPU)
	fmt.Println("Type 'help' for commands.")

	for {
		line, err := s.line.Prompt("kcore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.line.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			s.saveHistory()
			return nil

		case "help", "?":
			s.printHelp()

		case "read":
			s.cmdRead(ctx, args)

		case "write":
			s.cmdWrite(ctx, args)

		case "release":
			s.cmdRelease(args)

		case "begin":
			s.cmdBegin(ctx)

		case "end":
			s.cmdEnd(ctx)

		case "logwrite":
			s.cmdLogWrite(args)

		case "alloc":
			s.cmdAlloc(args)

		case "free":
			s.cmdFree(args)

		case "freemem":
			fmt.Println(s.alloc.FreeMemory(), "bytes free")

		default:
			fmt.Printf("unknown command %q (type 'help')\n", cmd)
		}
	}

	s.saveHistory()

	return nil
}

func (s *shell) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		s.line.WriteHistory(f)
		f.Close()
	}
}

func (s *shell) printHelp() {
	fmt.Println(`Commands:
  read <blockno>            read a block, print a handle id
  write <handle>             write a handle's current contents to disk
  release <handle>            release a handle
  begin                        begin a log transaction
  end                          end the current log transaction (commits if last)
  logwrite <handle> <blockno>   record a handle's block as part of the transaction
  alloc <cpu>                   allocate one page frame on cpu
  free <cpu> <frame>             free a page frame on cpu
  freemem                       total free page memory
  exit / quit / q               leave`)
}

// handles tracks open bufcache handles by a small integer id so the shell
// can refer to them without exposing pointers to the user.
var handles = map[int]*bufcache.Handle{}
var nextHandle int

func (s *shell) cmdRead(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: read <blockno>")
		return
	}

	bn, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Println("bad blockno:", err)
		return
	}

	h, err := s.bc.Read(ctx, 0, uint32(bn))
	if err != nil {
		fmt.Println("read error:", err)
		return
	}

	id := nextHandle
	nextHandle++
	handles[id] = h

	fmt.Printf("handle %d: %d bytes, first 8: % x\n", id, len(h.Data), h.Data[:min(8, len(h.Data))])
}

func (s *shell) cmdWrite(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: write <handle>")
		return
	}

	h, ok := s.handleArg(args[0])
	if !ok {
		return
	}

	if err := s.bc.Write(ctx, h); err != nil {
		fmt.Println("write error:", err)
	}
}

func (s *shell) cmdRelease(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: release <handle>")
		return
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad handle:", err)
		return
	}

	h, ok := handles[id]
	if !ok {
		fmt.Println("no such handle")
		return
	}

	s.bc.Release(h)
	delete(handles, id)
}

func (s *shell) cmdBegin(ctx context.Context) {
	if err := s.log.BeginOp(ctx); err != nil {
		fmt.Println("begin error:", err)
		return
	}
	fmt.Println("transaction begun")
}

func (s *shell) cmdEnd(ctx context.Context) {
	s.log.EndOp(ctx)
	fmt.Println("transaction ended")
}

func (s *shell) cmdLogWrite(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: logwrite <handle> <blockno>")
		return
	}

	h, ok := s.handleArg(args[0])
	if !ok {
		return
	}

	bn, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Println("bad blockno:", err)
		return
	}

	s.log.LogWrite(h, uint32(bn))
}

func (s *shell) cmdAlloc(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: alloc <cpu>")
		return
	}

	cpu, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad cpu:", err)
		return
	}

	f, ok := s.alloc.Alloc(cpu)
	if !ok {
		fmt.Println("out of memory")
		return
	}

	fmt.Println("frame", f)
}

func (s *shell) cmdFree(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: free <cpu> <frame>")
		return
	}

	cpu, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad cpu:", err)
		return
	}

	frame, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Println("bad frame:", err)
		return
	}

	s.alloc.Free(cpu, kalloc.Frame(frame))
}

func (s *shell) handleArg(arg string) (*bufcache.Handle, bool) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("bad handle:", err)
		return nil, false
	}

	h, ok := handles[id]
	if !ok {
		fmt.Println("no such handle")
		return nil, false
	}

	return h, true
}
