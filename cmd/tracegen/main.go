// tracegen emits a synthetic agent event stream so the tracer can be
// exercised end to end without an instrumented target. It dials the
// tracer's socket when one is advertised and falls back to a file or
// stdout, which pairs with the tracer's raw event replay mode.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"

	"instrace/internal/hostev"
	"instrace/internal/image"
)

type options struct {
	seed      int64
	testcases int
	events    int
	out       string
	socket    string
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{seed: 1, testcases: 4, events: 96}
	for i := 1; i < len(args); i++ {
		flag := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", flag)
			}
			i++
			return args[i], nil
		}

		var err error
		switch flag {
		case "-seed", "--seed":
			var v string
			if v, err = value(); err == nil {
				opts.seed, err = strconv.ParseInt(v, 10, 64)
			}
		case "-t", "--testcases":
			var v string
			if v, err = value(); err == nil {
				opts.testcases, err = strconv.Atoi(v)
			}
		case "-e", "--events":
			var v string
			if v, err = value(); err == nil {
				opts.events, err = strconv.Atoi(v)
			}
		case "-o", "--out":
			opts.out, err = value()
		case "-s", "--socket":
			opts.socket, err = value()
		default:
			err = fmt.Errorf("unknown flag %q\nUsage: %s [-seed N] [-t testcases] [-e events] [-o file | -s socket]", flag, args[0])
		}
		if err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// openSink picks the destination: an explicit socket, then the socket a
// supervising tracer advertises in the environment, then a file, then
// stdout.
func openSink(opts *options) (io.Writer, func() error, error) {
	sock := opts.socket
	if sock == "" {
		sock = os.Getenv(hostev.SocketEnv)
	}
	if sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing tracer socket: %w", err)
		}
		return conn, conn.Close, nil
	}
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return nil, nil, fmt.Errorf("creating output file: %w", err)
		}
		return f, f.Close, nil
	}
	return os.Stdout, func() error { return nil }, nil
}

// generator produces a deterministic event stream for one run. Code
// addresses are drawn across the loaded images; only addresses inside an
// instrumented image produce events, the rest model uninstrumented code.
type generator struct {
	rng      *rand.Rand
	w        *bufio.Writer
	reg      *image.Registry
	infoSent map[uint32]bool
	live     []uint64
	nextHeap uint64
}

func newGenerator(seed int64, w io.Writer) *generator {
	return &generator{
		rng:      rand.New(rand.NewSource(seed)),
		w:        bufio.NewWriter(w),
		reg:      image.NewRegistry(),
		infoSent: make(map[uint32]bool),
		nextHeap: 0x602000,
	}
}

func (g *generator) emit(ev interface{}) error {
	return hostev.WriteFrame(g.w, ev)
}

// loadImages announces the synthetic memory map. The parser library gets
// a path longer than one name packet to force continuation chunks.
func (g *generator) loadImages() error {
	longDir := strings.Repeat("vendor/instrumented/", 13)
	images := []struct {
		instrumented bool
		name         string
		start, end   uint64
	}{
		{true, "/home/user/fuzz/target", 0x400000, 0x4fffff},
		{true, "/opt/" + longDir + "libtarget-parser.so", 0x7f2a00000000, 0x7f2a000fffff},
		{false, "/usr/lib/x86_64-linux-gnu/libc-2.31.so", 0x7f2a10000000, 0x7f2a101fffff},
	}
	for _, img := range images {
		g.reg.Register(img.instrumented, img.name, img.start, img.end)
		load, chunks := hostev.NewImageLoad(img.start, img.end, img.name)
		if err := g.emit(load); err != nil {
			return err
		}
		for _, chunk := range chunks {
			if err := g.emit(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// codeAddr picks an instruction address. Roughly a tenth land in the
// uninstrumented libc image and a few in unmapped space, which the
// event mix then drops.
func (g *generator) codeAddr() uint64 {
	imgs := g.reg.Snapshot()
	switch roll := g.rng.Intn(20); {
	case roll < 13:
		return imgs[0].Start + uint64(g.rng.Int63n(int64(imgs[0].End-imgs[0].Start)))
	case roll < 17:
		return imgs[1].Start + uint64(g.rng.Int63n(int64(imgs[1].End-imgs[1].Start)))
	case roll < 19:
		return imgs[2].Start + uint64(g.rng.Int63n(int64(imgs[2].End-imgs[2].Start)))
	default:
		return 0x13370000 + uint64(g.rng.Int63n(0x10000))
	}
}

func (g *generator) instrumented(addr uint64) bool {
	img := g.reg.FindBlock(addr, addr)
	return img != nil && img.Interesting
}

// ensureStackInfo announces a thread's stack bounds once, before its
// first event.
func (g *generator) ensureStackInfo(tid uint32) error {
	if g.infoSent[tid] {
		return nil
	}
	g.infoSent[tid] = true
	base := 0x7ffc00000000 + uint64(tid)*0x100000
	return g.emit(hostev.Event{
		Kind:  hostev.KindStackPointerInfo,
		Tid:   tid,
		AddrA: base - 0x80000,
		AddrB: base,
	})
}

// randomEvent emits one event for the thread, or nothing when the drawn
// instruction is outside instrumented code.
func (g *generator) randomEvent(tid uint32) error {
	if err := g.ensureStackInfo(tid); err != nil {
		return err
	}

	insn := g.codeAddr()
	switch g.rng.Intn(10) {
	case 0, 1, 2: // jump
		if !g.instrumented(insn) {
			return nil
		}
		var flags uint8
		if g.rng.Intn(4) != 0 {
			flags = hostev.BranchFlagTaken
		}
		return g.emit(hostev.Event{Kind: hostev.KindBranch, Flags: flags, Tid: tid, AddrA: insn, AddrB: g.codeAddr()})
	case 3, 4: // call
		if !g.instrumented(insn) {
			return nil
		}
		flags := uint8(hostev.BranchFlagTaken | hostev.BranchFlagCall)
		return g.emit(hostev.Event{Kind: hostev.KindBranch, Flags: flags, Tid: tid, AddrA: insn, AddrB: g.codeAddr()})
	case 5: // return
		if !g.instrumented(insn) {
			return nil
		}
		return g.emit(hostev.Event{Kind: hostev.KindReturn, Tid: tid, AddrA: insn, AddrB: g.codeAddr()})
	case 6, 7: // memory access
		if !g.instrumented(insn) {
			return nil
		}
		sizes := []uint32{1, 2, 4, 8}
		kind := uint8(hostev.KindMemoryRead)
		if g.rng.Intn(3) == 0 {
			kind = hostev.KindMemoryWrite
		}
		data := 0x602000 + uint64(g.rng.Int63n(0x40000))
		return g.emit(hostev.Event{Kind: kind, Tid: tid, Size: sizes[g.rng.Intn(len(sizes))], AddrA: insn, AddrB: data})
	case 8: // allocation
		if g.rng.Intn(3) == 0 {
			count := uint64(g.rng.Intn(64) + 1)
			elem := uint64(8 << g.rng.Intn(3))
			if err := g.emit(hostev.Event{Kind: hostev.KindCallocSize, Tid: tid, AddrA: count, AddrB: elem}); err != nil {
				return err
			}
		} else {
			size := uint64(g.rng.Intn(4096) + 16)
			if err := g.emit(hostev.Event{Kind: hostev.KindHeapAllocSize, Tid: tid, AddrA: size}); err != nil {
				return err
			}
		}
		base := g.nextHeap
		g.nextHeap += 0x1000
		g.live = append(g.live, base)
		return g.emit(hostev.Event{Kind: hostev.KindHeapAllocReturn, Tid: tid, AddrA: base})
	default: // free
		if len(g.live) == 0 {
			return nil
		}
		i := g.rng.Intn(len(g.live))
		base := g.live[i]
		g.live = append(g.live[:i], g.live[i+1:]...)
		return g.emit(hostev.Event{Kind: hostev.KindHeapFree, Tid: tid, AddrA: base})
	}
}

func (g *generator) pickTid() uint32 {
	tids := []uint32{4242, 4243, 4244}
	// Keep most activity on the main thread.
	if g.rng.Intn(4) != 0 {
		return tids[0]
	}
	return tids[g.rng.Intn(len(tids))]
}

// testcase emits one start-to-end window. The return right after the
// start models the hand-off out of the controller's notification, which
// the tracer discards.
func (g *generator) testcase(id, events int) error {
	if err := g.emit(hostev.Event{Kind: hostev.KindTestcaseStart, Tid: 4242, Size: uint32(id)}); err != nil {
		return err
	}
	if err := g.emit(hostev.Event{Kind: hostev.KindReturn, Tid: 4242, AddrA: 0x401000, AddrB: 0x401800}); err != nil {
		return err
	}
	for i := 0; i < events; i++ {
		if err := g.randomEvent(g.pickTid()); err != nil {
			return err
		}
	}
	return g.emit(hostev.Event{Kind: hostev.KindTestcaseEnd, Tid: 4242})
}

func (g *generator) stream(testcases, events int) error {
	if err := g.loadImages(); err != nil {
		return err
	}
	// A short pre-testcase burst lands in the prefix capture.
	for i := 0; i < 8; i++ {
		if err := g.randomEvent(4242); err != nil {
			return err
		}
	}
	for id := 0; id < testcases; id++ {
		if err := g.testcase(id, events); err != nil {
			return err
		}
	}
	return g.w.Flush()
}

func run() error {
	opts, err := parseArgs(os.Args)
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(opts)
	if err != nil {
		return err
	}

	gen := newGenerator(opts.seed, sink)
	if err := gen.stream(opts.testcases, opts.events); err != nil {
		_ = closeSink() //nolint:errcheck // The stream error is the one worth reporting
		return err
	}
	return closeSink()
}
