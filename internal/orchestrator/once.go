package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mrhapile/dumpreplay/internal/checkpoint"
	"github.com/mrhapile/dumpreplay/internal/emulator"
)

// Once runs the single checkpoint folder opts.DumpRoot. Artifacts are
// written into that folder.
type Once struct {
	opts    Options
	factory emulator.Factory
	logger  *zap.Logger
}

// NewOnce creates a single-checkpoint run
func NewOnce(opts Options, factory emulator.Factory, logger *zap.Logger) *Once {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Once{opts: opts, factory: factory, logger: logger}
}

// Run executes the checkpoint
func (o *Once) Run(ctx context.Context) (*Report, error) {
	report := newReport(ModeOnce)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	dir := filepath.Clean(o.opts.DumpRoot)
	info, err := os.Stat(dir)
	if err != nil {
		return report, fmt.Errorf("failed to access checkpoint: %w", err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("checkpoint %s is not a directory", dir)
	}

	cp := checkpoint.Checkpoint{Name: filepath.Base(dir), Path: dir}
	cp.Seq, _ = checkpoint.Sequence(cp.Name)
	report.Checkpoints = 1

	t, err := resolveTarget(cp, o.opts.ImagePath, o.opts.Offset)
	if err != nil {
		return report, err
	}
	report.Base = t.base
	report.Target = t.addr
	report.OutputDir = dir

	report.record(runStandalone(o.factory, o.opts, o.logger, 0, cp, t, dir))
	return report, nil
}
