package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/logmerge"
	"github.com/mrhapile/dumpreplay/internal/orchestrator"
	"github.com/mrhapile/dumpreplay/internal/outcome"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// MockSession reaches the target unless a fault is injected
type MockSession struct {
	Fault error
	TPIDR *uint64
	regs  snapshot.Registers
}

func (m *MockSession) Load(snap *snapshot.Snapshot) error {
	m.regs = snap.Registers.Clone()
	if m.TPIDR != nil {
		m.regs["tpidr_el0"] = *m.TPIDR
	}
	return nil
}
func (m *MockSession) Mapped(addr uint64) bool                           { return true }
func (m *MockSession) Map(addr, size uint64) error                       { return nil }
func (m *MockSession) Trace(begin uint64, o emulator.TraceOptions) error { return nil }
func (m *MockSession) Registers() (snapshot.Registers, error)            { return m.regs.Clone(), nil }
func (m *MockSession) Reset() error                                      { return nil }
func (m *MockSession) Close() error                                      { return nil }

func (m *MockSession) Start(begin, until uint64) error {
	if m.Fault != nil {
		return m.Fault
	}
	m.regs["pc"] = until
	return nil
}

// patchFactory swaps the emulator backend for mock sessions
func patchFactory(t *testing.T, fault error) *[]*MockSession {
	var (
		mu       sync.Mutex
		sessions []*MockSession
	)
	patches := gomonkey.ApplyFuncVar(&newFactory, func(tpidr *uint64) emulator.Factory {
		return func() (emulator.Session, error) {
			s := &MockSession{Fault: fault, TPIDR: tpidr}
			mu.Lock()
			defer mu.Unlock()
			sessions = append(sessions, s)
			return s, nil
		}
	})
	t.Cleanup(patches.Reset)
	return &sessions
}

func setupDumps(t *testing.T, n int) (root, image string) {
	t.Helper()
	root = t.TempDir()
	for i := 1; i <= n; i++ {
		dir := filepath.Join(root, fmt.Sprintf("dump_%d", i))
		require.NoError(t, os.MkdirAll(dir, 0755))
		regs := fmt.Sprintf(`{"base": "0x5500000000", "pc": "%#x"}`, 0x5500001000+i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, snapshot.RegistersFile), []byte(regs), 0644))
	}
	image = filepath.Join(t.TempDir(), "libgame.so")
	require.NoError(t, os.WriteFile(image, make([]byte, 0x8000), 0644))
	return root, image
}

func execute(args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

// ---- TEST: continuous run from the command line
// WHY THIS MATTERS: the exit status is the only thing scripts look at, and
// --json must leave stdout as a clean JSON document.
func TestRunCommand_JSONReport(t *testing.T) {
	sessions := patchFactory(t, nil)
	root, image := setupDumps(t, 2)

	stdout, stderr, err := execute("run", root, image, "0x4000", "--json", "--tpidr", "0xabc")
	require.NoError(t, err)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Success)
	assert.Equal(t, orchestrator.ModeContinuous, report.Mode)
	assert.Equal(t, uint64(0x5500004000), report.Target)
	require.Len(t, report.Segments, 1)
	assert.Equal(t, uint64(0xabc), report.Segments[0].Registers["tpidr_el0"])

	assert.Contains(t, stderr, "TARGET REACHED")
	assert.Len(t, *sessions, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(report.OutputDir), "continuous_output_"))
}

func TestRunCommand_Failure(t *testing.T) {
	patchFactory(t, &emulator.Fault{Kind: emulator.FaultOther, Message: "UC_ERR_INSN_INVALID"})
	root, image := setupDumps(t, 2)

	_, stderr, err := execute("run", root, image, "0x4000", "--output-prefix", "replay")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errRunFailed), "a failed run is reported through the exit status")
	assert.Contains(t, stderr, "TARGET NOT REACHED")
	assert.Contains(t, stderr, string(outcome.UnknownFault))

	matches, err := filepath.Glob(filepath.Join(root, "replay_*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "--output-prefix names the output directory")
}

func TestRunCommand_NoCheckpoints(t *testing.T) {
	patchFactory(t, nil)
	_, image := setupDumps(t, 0)

	_, _, err := execute("run", t.TempDir(), image, "0x4000")
	assert.True(t, errors.Is(err, errRunFailed))
}

func TestRunCommand_InvalidArguments(t *testing.T) {
	patchFactory(t, nil)
	root, image := setupDumps(t, 1)

	testCases := []struct {
		name string
		args []string
	}{
		{"bad_offset", []string{"run", root, image, "zz"}},
		{"bad_tpidr", []string{"run", root, image, "0x10", "--tpidr", "nope"}},
		{"missing_args", []string{"run", root}},
		{"missing_config", []string{"run", root, image, "0x10", "--config", root}},
		{"bad_jobs", []string{"legacy", root, image, "0x10", "--jobs", "-1"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := execute(tc.args...)
			require.Error(t, err)
			assert.False(t, errors.Is(err, errRunFailed))
		})
	}
}

func TestLegacyCommand(t *testing.T) {
	sessions := patchFactory(t, nil)
	root, image := setupDumps(t, 3)

	stdout, _, err := execute("legacy", root, image, "0x4000", "--jobs", "2", "--json")
	require.NoError(t, err)

	var report orchestrator.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Len(t, report.Segments, 3)
	assert.Len(t, *sessions, 3)
	assert.FileExists(t, filepath.Join(root, "combined_uc.log"))
}

func TestOnceCommand(t *testing.T) {
	patchFactory(t, nil)
	root, image := setupDumps(t, 1)

	_, _, err := execute("once", filepath.Join(root, "dump_1"), image, "0x4000")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "dump_1", "sim.log"))
}

func TestMergeCommand(t *testing.T) {
	root := t.TempDir()
	for i, body := range []string{"second\n", "\nfirst\n"} {
		dir := filepath.Join(root, fmt.Sprintf("segment_%03d", 1-i))
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sim.log"), []byte(body), 0644))
	}
	output := filepath.Join(t.TempDir(), "all.log")

	stdout, _, err := execute("merge", root, "sim.log", output)
	require.NoError(t, err)
	assert.Contains(t, stdout, "combined 2 files")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(data))

	_, _, err = execute("merge", root, "tenet.log", output)
	assert.True(t, errors.Is(err, logmerge.ErrNoFiles))
}

func TestRenderSummary(t *testing.T) {
	report := &orchestrator.Report{
		RunID:        "run-1",
		Mode:         orchestrator.ModeContinuous,
		Target:       0x5500004000,
		Checkpoints:  3,
		OutputDir:    "/tmp/out",
		CombinedLogs: map[string]string{"sim": "/tmp/out/all_sim.log"},
	}
	summary := renderSummary(report)
	assert.Contains(t, summary, "TARGET NOT REACHED")
	assert.Contains(t, summary, "0x5500004000")
	assert.Contains(t, summary, "0 of 3")
	assert.Contains(t, summary, "all_sim.log")
}
