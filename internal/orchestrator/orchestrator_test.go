package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/segment"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Scripted emulator
// =============================================================================
//
// fakeSession stops each checkpoint the way its script says. Checkpoints
// without a script reach the target.

const (
	testBase   = 0x7000000000
	testOffset = 0x2000
	testTarget = testBase + testOffset
	imageSize  = 0x10000
)

type script func(s *fakeSession, until uint64) error

type fakeSession struct {
	scripts map[string]script

	mu      sync.Mutex
	mapped  map[uint64]bool
	loaded  string
	regs    snapshot.Registers
	trace   emulator.TraceOptions
	maps    []uint64
	starts  int
	resets  int
	closed  bool
	history *[]string
}

func (s *fakeSession) Load(snap *snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = filepath.Base(snap.Dir)
	s.regs = snap.Registers.Clone()
	return nil
}

func (s *fakeSession) Mapped(addr uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped[emulator.PageAlign(addr)]
}

func (s *fakeSession) Map(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps = append(s.maps, addr)
	for p := emulator.PageAlign(addr); p < addr+size; p += emulator.PageSize {
		s.mapped[p] = true
	}
	return nil
}

func (s *fakeSession) Trace(begin uint64, opts emulator.TraceOptions) error {
	s.trace = opts
	return nil
}

func (s *fakeSession) Start(begin, until uint64) error {
	s.starts++
	if s.history != nil {
		*s.history = append(*s.history, s.loaded)
	}
	fmt.Fprintf(s.trace.Sim, "\n%s: %#x\n\n", s.loaded, begin)
	fmt.Fprintf(s.trace.Tenet, "pc=%#x\n", begin)

	if fn, ok := s.scripts[s.loaded]; ok {
		return fn(s, until)
	}
	s.regs["pc"] = until
	return nil
}

func (s *fakeSession) Registers() (snapshot.Registers, error) {
	return s.regs.Clone(), nil
}

func (s *fakeSession) Reset() error {
	s.resets++
	s.trace = emulator.TraceOptions{}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeFactory hands out fakeSessions sharing one script table
type fakeFactory struct {
	scripts map[string]script

	mu       sync.Mutex
	sessions []*fakeSession
	history  []string
	err      error
}

func newFakeFactory(scripts map[string]script) *fakeFactory {
	if scripts == nil {
		scripts = map[string]script{}
	}
	return &fakeFactory{scripts: scripts}
}

func (f *fakeFactory) New() (emulator.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{scripts: f.scripts, mapped: make(map[uint64]bool)}
	if len(f.sessions) == 0 {
		// only the shared session of a continuous run keeps a history
		s.history = &f.history
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		n += s.starts
	}
	return n
}

func fault(kind emulator.FaultKind, addr uint64) script {
	return func(s *fakeSession, until uint64) error {
		return &emulator.Fault{Kind: kind, Address: addr, Message: string(kind)}
	}
}

// stuck stops with err and reports the same registers every time
func stuck(err error) script {
	return func(s *fakeSession, until uint64) error {
		s.regs = snapshot.Registers{"pc": testBase + 0x1500, "x0": 0}
		return err
	}
}

// =============================================================================
// Fixtures
// =============================================================================

func writeDump(t *testing.T, root string, seq int64, pc uint64) string {
	t.Helper()
	return writeDumpAt(t, root, seq, testBase, pc)
}

// writeDumpAt writes a checkpoint whose image was loaded at base
func writeDumpAt(t *testing.T, root string, seq int64, base, pc uint64) string {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprintf("dump_%d", seq))
	require.NoError(t, os.MkdirAll(dir, 0755))
	regs := fmt.Sprintf(`{"base": "%#x", "pc": "%#x", "sp": "0x7ffff000", "x0": "%#x"}`,
		base, pc, seq)
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshot.RegistersFile), []byte(regs), 0644))
	return dir
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libtarget.so")
	require.NoError(t, os.WriteFile(path, make([]byte, imageSize), 0644))
	return path
}

func testOptions(t *testing.T, root string) Options {
	return Options{
		DumpRoot:  root,
		ImagePath: writeImage(t),
		Offset:    testOffset,
		Heap:      segment.Heap{Base: 0x1000000, Size: 0x90000},
	}
}
