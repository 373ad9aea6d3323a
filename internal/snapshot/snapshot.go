// Package snapshot reads the on-disk checkpoint format: a register file
// (regs.json) and an index of raw memory images (maps.json).
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	RegistersFile = "regs.json"
	MapsFile      = "maps.json"
)

var (
	// ErrMissingBase is returned when regs.json has no "base" entry
	ErrMissingBase = errors.New("register file has no base address")
	// ErrMissingPC is returned when regs.json has no "pc" entry
	ErrMissingPC = errors.New("register file has no program counter")
)

// aliases maps alternative register spellings onto their canonical name
var aliases = map[string]string{
	"x29":   "fp",
	"x30":   "lr",
	"tpidr": "tpidr_el0",
}

// CanonicalName lowercases a register name and resolves aliases.
func CanonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[name]; ok {
		return alias
	}
	return name
}

// Registers is a register file keyed by canonical register name
type Registers map[string]uint64

// PC returns the program counter and whether it is present
func (r Registers) PC() (uint64, bool) {
	pc, ok := r["pc"]
	return pc, ok
}

// Clone returns an independent copy
func (r Registers) Clone() Registers {
	c := make(Registers, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// order is the dump order of well-known registers. Names not listed here
// are dumped afterwards in lexical order.
var order = func() map[string]int {
	m := make(map[string]int)
	for i := 0; i <= 28; i++ {
		m[fmt.Sprintf("x%d", i)] = i
	}
	for i, n := range []string{"fp", "lr", "sp", "pc", "nzcv", "tpidr_el0"} {
		m[n] = 29 + i
	}
	return m
}()

// Names returns the register names in dump order.
func (r Registers) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := order[names[i]]
		oj, jok := order[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return names[i] < names[j]
	})
	return names
}

// String renders the registers four to a line.
func (r Registers) String() string {
	var b strings.Builder
	for i, n := range r.Names() {
		if i > 0 {
			if i%4 == 0 {
				b.WriteString("\n")
			} else {
				b.WriteString("  ")
			}
		}
		fmt.Fprintf(&b, "%-9s 0x%016x", n, r[n])
	}
	return b.String()
}

// hexValue accepts either a JSON number or a hexadecimal string, with or
// without the 0x prefix ("0x1234", "1234")
type hexValue uint64

func (h *hexValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("value %s is neither a string nor an unsigned integer", data)
		}
		*h = hexValue(n)
		return nil
	}
	v, err := ParseHex(s)
	if err != nil {
		return err
	}
	*h = hexValue(v)
	return nil
}

// ParseHex parses a dump value. Strings in dump files are always
// hexadecimal, so "70000000" is 0x70000000 and a leading zero is not octal.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return v, nil
}

// ParseUint parses a decimal or 0x-prefixed hexadecimal value. Bare digits
// that are not decimal are read as hex. A leading zero never means octal.
func ParseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return ParseHex(s)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		// bare hex digits are common in dump tooling
		if v2, err2 := strconv.ParseUint(s, 16, 64); err2 == nil {
			return v2, nil
		}
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return v, nil
}

// Region is one memory image of a checkpoint
type Region struct {
	Start uint64
	End   uint64
	Perm  string
	Path  string
}

// Size of the region in bytes
func (r Region) Size() uint64 {
	return r.End - r.Start
}

// Data reads the region's image from disk.
func (r Region) Data() ([]byte, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read region %#x-%#x: %w", r.Start, r.End, err)
	}
	if uint64(len(data)) > r.Size() {
		data = data[:r.Size()]
	}
	return data, nil
}

type regionEntry struct {
	Start hexValue `json:"start"`
	End   hexValue `json:"end"`
	Perm  string   `json:"perm"`
	File  string   `json:"file"`
}

// Snapshot is a fully described checkpoint
type Snapshot struct {
	Dir       string
	Base      uint64
	Registers Registers
	Regions   []Region
}

// PC is the saved program counter
func (s *Snapshot) PC() uint64 {
	pc, _ := s.Registers.PC()
	return pc
}

// ReadRegisters parses only the register file of the checkpoint in dir. The
// base address is returned separately and is not part of the register set.
func ReadRegisters(dir string) (uint64, Registers, error) {
	data, err := os.ReadFile(filepath.Join(dir, RegistersFile))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read registers: %w", err)
	}

	var raw map[string]hexValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, nil, fmt.Errorf("failed to parse %s: %w", RegistersFile, err)
	}

	regs := make(Registers, len(raw))
	var base uint64
	var haveBase bool
	for k, v := range raw {
		name := CanonicalName(k)
		if name == "base" {
			base = uint64(v)
			haveBase = true
			continue
		}
		regs[name] = uint64(v)
	}

	if !haveBase {
		return 0, nil, fmt.Errorf("%s: %w", dir, ErrMissingBase)
	}
	if _, ok := regs.PC(); !ok {
		return 0, nil, fmt.Errorf("%s: %w", dir, ErrMissingPC)
	}
	return base, regs, nil
}

// ReadBase returns the image load address recorded in the checkpoint.
func ReadBase(dir string) (uint64, error) {
	base, _, err := ReadRegisters(dir)
	return base, err
}

// Load reads the register file and the memory index of the checkpoint in dir.
// Region images are not read until Region.Data is called.
func Load(dir string) (*Snapshot, error) {
	base, regs, err := ReadRegisters(dir)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Dir:       dir,
		Base:      base,
		Registers: regs,
	}

	data, err := os.ReadFile(filepath.Join(dir, MapsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("failed to read memory index: %w", err)
	}

	var entries []regionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MapsFile, err)
	}

	for _, e := range entries {
		if e.End <= e.Start {
			return nil, fmt.Errorf("region %#x-%#x in %s is empty", uint64(e.Start), uint64(e.End), dir)
		}
		snap.Regions = append(snap.Regions, Region{
			Start: uint64(e.Start),
			End:   uint64(e.End),
			Perm:  e.Perm,
			Path:  filepath.Join(dir, e.File),
		})
	}

	sort.Slice(snap.Regions, func(i, j int) bool {
		return snap.Regions[i].Start < snap.Regions[j].Start
	})

	return snap, nil
}
