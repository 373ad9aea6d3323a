// Package emulator defines the contract between the replay controller and
// the CPU emulator that executes a checkpoint.
//
// A Session is stateful and is reused across segments. Its memory mappings
// survive between segments. Hooks do not survive: every hook installed
// through Trace is removed by Reset.
package emulator

import (
	"errors"
	"fmt"
	"io"

	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// ErrUnavailable is returned by session factories when the binary was built
// without emulator support
var ErrUnavailable = errors.New("emulator support not compiled in: rebuild with -tags=integration")

// PageSize is the mapping granularity of the emulator
const PageSize = 0x1000

// PageAlign rounds addr down to its page
func PageAlign(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// AddrRange is a half-open address interval [Start, End)
type AddrRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether addr lies inside the range
func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// TraceOptions configures the per-instruction trace hook
type TraceOptions struct {
	// Image is the name of the binary image, used to annotate trace lines
	Image string
	// Range is the permissible instruction range. Leaving it stops the
	// session with FaultOutOfRange.
	Range AddrRange
	// Sim receives one human readable line per instruction
	Sim io.Writer
	// Tenet receives the Tenet-format execution trace
	Tenet io.Writer
}

// Session is a stateful emulator instance
type Session interface {
	// Load maps the snapshot's memory regions and restores its registers.
	// Pages that are already mapped are not mapped again but their
	// contents are rewritten.
	Load(snap *snapshot.Snapshot) error

	// Mapped reports whether addr can be read. It must be harmless.
	Mapped(addr uint64) bool

	// Map maps a zero-filled region
	Map(addr, size uint64) error

	// Trace installs the per-instruction hook for a run starting at begin.
	// The hook sees every executed address, including code below begin.
	Trace(begin uint64, opts TraceOptions) error

	// Start runs from begin until the program counter reaches until. A nil
	// error means the target was reached. Stops for any other reason are
	// reported as *Fault where the backend can describe them.
	Start(begin, until uint64) error

	// Registers takes a full register snapshot
	Registers() (snapshot.Registers, error)

	// Reset removes every hook installed since the previous Reset and
	// clears trace state. Memory mappings are kept.
	Reset() error

	// Close releases the emulator
	Close() error
}

// Factory creates a new, empty Session
type Factory func() (Session, error)

// FaultKind is the structured reason a session stopped before the target
type FaultKind string

const (
	FaultOutOfRange         FaultKind = "out_of_range"
	FaultSpecialInstruction FaultKind = "special_instruction"
	FaultCPUException       FaultKind = "cpu_exception"
	FaultReadUnmapped       FaultKind = "read_unmapped"
	FaultFetchUnmapped      FaultKind = "fetch_unmapped"
	FaultWriteUnmapped      FaultKind = "write_unmapped"
	FaultOther              FaultKind = "other"
)

// Unmapped reports whether the kind is one of the memory access faults
func (k FaultKind) Unmapped() bool {
	switch k {
	case FaultReadUnmapped, FaultFetchUnmapped, FaultWriteUnmapped:
		return true
	}
	return false
}

// Fault describes why a session stopped before reaching its target
type Fault struct {
	Kind FaultKind
	// Address is the faulting address: the out of range PC, the special
	// instruction's address or the unmapped data address
	Address uint64
	PC      uint64
	LR      uint64
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s at %#x: %s: %v", f.Kind, f.Address, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s at %#x: %s", f.Kind, f.Address, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// StateDelta is state observed in one segment that is applied on top of the
// next checkpoint's loaded state before it resumes
type StateDelta struct {
	// Pages are page aligned addresses that were missing from the previous
	// checkpoint's mapping
	Pages []uint64 `json:"pages,omitempty"`
}

// Empty reports whether the delta carries nothing
func (d *StateDelta) Empty() bool {
	return d == nil || len(d.Pages) == 0
}
