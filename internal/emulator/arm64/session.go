//go:build integration
// +build integration

package arm64

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// registers maps canonical register names onto Unicorn register ids
var registers = map[string]int{
	"x0": uc.ARM64_REG_X0, "x1": uc.ARM64_REG_X1, "x2": uc.ARM64_REG_X2, "x3": uc.ARM64_REG_X3,
	"x4": uc.ARM64_REG_X4, "x5": uc.ARM64_REG_X5, "x6": uc.ARM64_REG_X6, "x7": uc.ARM64_REG_X7,
	"x8": uc.ARM64_REG_X8, "x9": uc.ARM64_REG_X9, "x10": uc.ARM64_REG_X10, "x11": uc.ARM64_REG_X11,
	"x12": uc.ARM64_REG_X12, "x13": uc.ARM64_REG_X13, "x14": uc.ARM64_REG_X14, "x15": uc.ARM64_REG_X15,
	"x16": uc.ARM64_REG_X16, "x17": uc.ARM64_REG_X17, "x18": uc.ARM64_REG_X18, "x19": uc.ARM64_REG_X19,
	"x20": uc.ARM64_REG_X20, "x21": uc.ARM64_REG_X21, "x22": uc.ARM64_REG_X22, "x23": uc.ARM64_REG_X23,
	"x24": uc.ARM64_REG_X24, "x25": uc.ARM64_REG_X25, "x26": uc.ARM64_REG_X26, "x27": uc.ARM64_REG_X27,
	"x28": uc.ARM64_REG_X28,
	"fp":        uc.ARM64_REG_FP,
	"lr":        uc.ARM64_REG_LR,
	"sp":        uc.ARM64_REG_SP,
	"pc":        uc.ARM64_REG_PC,
	"nzcv":      uc.ARM64_REG_NZCV,
	"tpidr_el0": uc.ARM64_REG_TPIDR_EL0,
}

// Options configures a Session
type Options struct {
	// TPIDR overrides the thread identifier register after every load.
	// Snapshots taken on a different core often carry a value the code
	// under replay doesn't expect.
	TPIDR *uint64
}

// Session is a Unicorn backed emulator.Session
type Session struct {
	mu   uc.Unicorn
	opts Options

	hooks  []uc.Hook
	tracer *Tracer
	rng    emulator.AddrRange

	// fault is set by hooks that stop emulation themselves
	fault *emulator.Fault
	// invalid is the address of the most recent invalid memory access
	invalid uint64
}

// NewSession creates an AArch64 emulator with floating point enabled
func NewSession(opts Options) (*Session, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	// CPACR_EL1.FPEN
	if err := mu.RegWrite(uc.ARM64_REG_CPACR_EL1, 0x300000); err != nil {
		mu.Close()
		return nil, fmt.Errorf("enable fp: %w", err)
	}

	return &Session{mu: mu, opts: opts}, nil
}

// Load implements emulator.Session
func (s *Session) Load(snap *snapshot.Snapshot) error {
	regions, err := s.mu.MemRegions()
	if err != nil {
		return fmt.Errorf("list regions: %w", err)
	}
	mapped := make([]span, 0, len(regions))
	for _, r := range regions {
		// unicorn region ends are inclusive
		mapped = append(mapped, span{start: r.Begin, end: r.End + 1})
	}

	for _, region := range snap.Regions {
		for _, gap := range unmappedSpans(mapped, region.Start, region.End) {
			if err := s.mu.MemMap(gap.start, gap.end-gap.start); err != nil {
				return fmt.Errorf("map %#x-%#x: %w", gap.start, gap.end, err)
			}
			mapped = append(mapped, gap)
		}

		data, err := region.Data()
		if err != nil {
			return err
		}
		if err := s.mu.MemWrite(region.Start, data); err != nil {
			return fmt.Errorf("write %#x-%#x: %w", region.Start, region.End, err)
		}
	}

	for name, value := range snap.Registers {
		id, ok := registers[name]
		if !ok {
			continue
		}
		if err := s.mu.RegWrite(id, value); err != nil {
			return fmt.Errorf("write register %s: %w", name, err)
		}
	}

	if s.opts.TPIDR != nil {
		if err := s.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, *s.opts.TPIDR); err != nil {
			return fmt.Errorf("write register tpidr_el0: %w", err)
		}
	}

	return nil
}

// Mapped implements emulator.Session
func (s *Session) Mapped(addr uint64) bool {
	_, err := s.mu.MemRead(addr, 1)
	return err == nil
}

// Map implements emulator.Session
func (s *Session) Map(addr, size uint64) error {
	start := emulator.PageAlign(addr)
	end := emulator.PageAlign(addr + size + emulator.PageSize - 1)
	return s.mu.MemMap(start, end-start)
}

// Trace implements emulator.Session
func (s *Session) Trace(begin uint64, opts emulator.TraceOptions) error {
	s.tracer = NewTracer(opts)
	s.rng = opts.Range

	// begin > end makes the hook global: code below the saved PC, in the
	// image or outside it, must still be traced and range checked
	code, err := s.mu.HookAdd(uc.HOOK_CODE, s.onCode, 1, 0)
	if err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}
	s.hooks = append(s.hooks, code)

	mem, err := s.mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE, s.onAccess, 1, 0)
	if err != nil {
		return fmt.Errorf("add memory hook: %w", err)
	}
	s.hooks = append(s.hooks, mem)

	invalid, err := s.mu.HookAdd(uc.HOOK_MEM_INVALID, s.onInvalid, 1, 0)
	if err != nil {
		return fmt.Errorf("add invalid memory hook: %w", err)
	}
	s.hooks = append(s.hooks, invalid)

	return nil
}

func (s *Session) onCode(mu uc.Unicorn, addr uint64, size uint32) {
	if !s.rng.Contains(addr) {
		s.stop(emulator.FaultOutOfRange, addr, "code run out of range")
		return
	}

	code, err := mu.MemRead(addr, uint64(size))
	if err != nil {
		return
	}
	if IsAUTIASP(code) {
		s.stop(emulator.FaultSpecialInstruction, addr, "AUTIASP cannot be authenticated")
		return
	}

	regs, err := s.Registers()
	if err != nil {
		return
	}
	if err := s.tracer.Instruction(addr, code, regs); err != nil {
		s.stop(emulator.FaultOther, addr, fmt.Sprintf("trace write failed: %v", err))
	}
}

func (s *Session) onAccess(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
	if s.tracer == nil {
		return
	}
	if access == uc.MEM_WRITE {
		s.tracer.Access(MemAccess{Write: true, Addr: addr, Data: writeValue(size, value)})
		return
	}
	data, err := mu.MemRead(addr, uint64(size))
	if err != nil {
		return
	}
	s.tracer.Access(MemAccess{Addr: addr, Data: data})
}

func (s *Session) onInvalid(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
	s.invalid = addr
	return false
}

// stop records a fault and halts emulation. Only the first fault of a run is
// kept.
func (s *Session) stop(kind emulator.FaultKind, addr uint64, message string) {
	if s.fault == nil {
		s.fault = s.newFault(kind, addr, message, nil)
	}
	s.mu.Stop()
}

func (s *Session) newFault(kind emulator.FaultKind, addr uint64, message string, cause error) *emulator.Fault {
	pc, _ := s.mu.RegRead(uc.ARM64_REG_PC)
	lr, _ := s.mu.RegRead(uc.ARM64_REG_LR)
	return &emulator.Fault{
		Kind:    kind,
		Address: addr,
		PC:      pc,
		LR:      lr,
		Message: message,
		Cause:   cause,
	}
}

// Start implements emulator.Session
func (s *Session) Start(begin, until uint64) error {
	s.fault = nil
	s.invalid = 0

	err := s.mu.Start(begin, until)

	if s.tracer != nil {
		if ferr := s.tracer.Flush(); ferr != nil && err == nil && s.fault == nil {
			return s.newFault(emulator.FaultOther, begin, "trace flush failed", ferr)
		}
	}

	if s.fault != nil {
		return s.fault
	}
	if err != nil {
		return s.translate(err)
	}

	pc, err := s.mu.RegRead(uc.ARM64_REG_PC)
	if err != nil {
		return fmt.Errorf("read pc: %w", err)
	}
	if pc != until {
		return s.newFault(emulator.FaultOther, pc, "stopped before target", nil)
	}
	return nil
}

// translate converts a Unicorn error into a structured fault
func (s *Session) translate(err error) error {
	var ucErr uc.UcError
	if !errors.As(err, &ucErr) {
		return err
	}

	switch ucErr {
	case uc.ERR_READ_UNMAPPED:
		return s.newFault(emulator.FaultReadUnmapped, s.invalid, "read from unmapped memory", err)
	case uc.ERR_FETCH_UNMAPPED:
		return s.newFault(emulator.FaultFetchUnmapped, s.invalid, "fetch from unmapped memory", err)
	case uc.ERR_WRITE_UNMAPPED:
		return s.newFault(emulator.FaultWriteUnmapped, s.invalid, "write to unmapped memory", err)
	case uc.ERR_EXCEPTION:
		pc, _ := s.mu.RegRead(uc.ARM64_REG_PC)
		return s.newFault(emulator.FaultCPUException, pc, "unhandled cpu exception", err)
	}

	pc, _ := s.mu.RegRead(uc.ARM64_REG_PC)
	return s.newFault(emulator.FaultOther, pc, "emulation failed", err)
}

// Registers implements emulator.Session
func (s *Session) Registers() (snapshot.Registers, error) {
	regs := make(snapshot.Registers, len(registers))
	for name, id := range registers {
		v, err := s.mu.RegRead(id)
		if err != nil {
			return nil, fmt.Errorf("read register %s: %w", name, err)
		}
		regs[name] = v
	}
	return regs, nil
}

// Reset implements emulator.Session
func (s *Session) Reset() error {
	var errs []error
	for _, h := range s.hooks {
		if err := s.mu.HookDel(h); err != nil {
			errs = append(errs, err)
		}
	}
	s.hooks = s.hooks[:0]
	s.tracer = nil
	s.fault = nil
	s.invalid = 0
	return errors.Join(errs...)
}

// Close implements emulator.Session
func (s *Session) Close() error {
	return s.mu.Close()
}

var _ emulator.Session = (*Session)(nil)
