// Package arm64 implements emulator.Session for AArch64 checkpoints on top of
// the Unicorn engine.
//
// The Unicorn backed session needs cgo and libunicorn and is only compiled
// with the integration build tag. The trace formatting and mapping helpers
// in this file are plain Go and are always available.
package arm64

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// autiasp is the encoding of AUTIASP (HINT #29). Authenticating the link
// register needs the live process's pointer authentication keys, which a
// snapshot doesn't carry.
const autiasp = 0xd50323bf

// IsAUTIASP reports whether code is the AUTIASP instruction
func IsAUTIASP(code []byte) bool {
	return len(code) >= 4 && binary.LittleEndian.Uint32(code) == autiasp
}

// MemAccess is a single data access made by an instruction
type MemAccess struct {
	Write bool
	Addr  uint64
	Data  []byte
}

func (a MemAccess) String() string {
	op := "mr"
	if a.Write {
		op = "mw"
	}
	return fmt.Sprintf("%s=%#x:%s", op, a.Addr, hex.EncodeToString(a.Data))
}

// Tracer produces the simulation log and the Tenet trace for one segment.
//
// A Tenet line holds the registers that changed since the previous line, the
// program counter, and the memory accesses made by the instruction at that
// program counter. Because accesses are only known once the instruction has
// run, each line is held back until the next instruction (or Flush).
type Tracer struct {
	opts emulator.TraceOptions

	last    snapshot.Registers
	pending *strings.Builder
	access  []MemAccess
	count   int
}

// NewTracer creates a tracer writing to the writers in opts. Nil writers are
// ignored.
func NewTracer(opts emulator.TraceOptions) *Tracer {
	return &Tracer{opts: opts}
}

// Instruction records the execution of the instruction at addr. regs is the
// register state before the instruction runs.
func (t *Tracer) Instruction(addr uint64, code []byte, regs snapshot.Registers) error {
	t.count++

	if t.opts.Sim != nil {
		if _, err := io.WriteString(t.opts.Sim, t.simLine(addr, code)); err != nil {
			return err
		}
	}

	if t.opts.Tenet == nil {
		return nil
	}
	if err := t.flushPending(); err != nil {
		return err
	}

	line := &strings.Builder{}
	for _, name := range regs.Names() {
		if name == "pc" {
			continue
		}
		v := regs[name]
		if prev, ok := t.last[name]; ok && prev == v {
			continue
		}
		fmt.Fprintf(line, "%s=%#x,", name, v)
	}
	fmt.Fprintf(line, "pc=%#x", addr)

	t.last = regs.Clone()
	t.pending = line
	return nil
}

// Access records a memory access made by the most recent instruction
func (t *Tracer) Access(a MemAccess) {
	if t.pending == nil {
		return
	}
	t.access = append(t.access, a)
}

// Flush writes the line held back for the final instruction.
func (t *Tracer) Flush() error {
	return t.flushPending()
}

// Count returns the number of instructions traced
func (t *Tracer) Count() int {
	return t.count
}

func (t *Tracer) flushPending() error {
	if t.pending == nil {
		return nil
	}
	for _, a := range t.access {
		t.pending.WriteString(",")
		t.pending.WriteString(a.String())
	}
	t.pending.WriteString("\n")
	_, err := io.WriteString(t.opts.Tenet, t.pending.String())
	t.pending = nil
	t.access = t.access[:0]
	return err
}

func (t *Tracer) simLine(addr uint64, code []byte) string {
	loc := "?"
	if t.opts.Range.Contains(addr) {
		loc = fmt.Sprintf("%s+%#x", t.opts.Image, addr-t.opts.Range.Start)
	}
	return fmt.Sprintf("%#016x  %-24s %s\n", addr, loc, hex.EncodeToString(code))
}

// span is a half-open page aligned interval
type span struct {
	start uint64
	end   uint64
}

// unmappedSpans returns the parts of [start, end) not covered by mapped,
// widened to page boundaries. mapped need not be sorted.
func unmappedSpans(mapped []span, start, end uint64) []span {
	start = emulator.PageAlign(start)
	end = emulator.PageAlign(end + emulator.PageSize - 1)

	var out []span
	cur := start
	for cur < end {
		covered := false
		for _, m := range mapped {
			if cur >= m.start && cur < m.end {
				cur = m.end
				covered = true
				break
			}
		}
		if covered {
			continue
		}

		// extend the gap until the next mapped page or the end
		next := end
		for _, m := range mapped {
			if m.start > cur && m.start < next {
				next = m.start
			}
		}
		out = append(out, span{start: cur, end: next})
		cur = next
	}
	return out
}

// writeValue encodes a value reported by a memory write hook
func writeValue(size int, value int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	if size > 8 {
		size = 8
	}
	if size < 0 {
		size = 0
	}
	return buf[:size]
}
