package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrhapile/dumpreplay/internal/checkpoint"
	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/logging"
	"github.com/mrhapile/dumpreplay/internal/logmerge"
	"github.com/mrhapile/dumpreplay/internal/outcome"
	"github.com/mrhapile/dumpreplay/internal/segment"
)

// Combined log names written into the dump root by an independent run
const (
	CombinedRawLog   = "combined_uc.log"
	CombinedSimLog   = "combined_sim.log"
	CombinedTenetLog = "combined_tenet.log"
)

// Independent runs every checkpoint on a session of its own. Nothing is
// shared between checkpoints, a failure never stops the others, and each
// checkpoint's artifacts are written into its own folder.
type Independent struct {
	opts    Options
	factory emulator.Factory
	logger  *zap.Logger
}

// NewIndependent creates an independent run over opts.DumpRoot
func NewIndependent(opts Options, factory emulator.Factory, logger *zap.Logger) *Independent {
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Independent{opts: opts, factory: factory, logger: logger}
}

// Run executes all checkpoints, at most opts.Jobs at a time. The run
// succeeds when any checkpoint reaches the target.
func (r *Independent) Run(ctx context.Context) (*Report, error) {
	report := newReport(ModeIndependent)

	cps, err := checkpoint.Locate(r.opts.DumpRoot)
	if err != nil {
		return report, err
	}
	report.Checkpoints = len(cps)
	if len(cps) == 0 {
		r.logger.Warn("no checkpoints found", zap.String("root", r.opts.DumpRoot))
		return report, nil
	}

	// every checkpoint records its own base, so only the image is shared
	if _, err := statImage(r.opts.ImagePath); err != nil {
		return report, err
	}

	r.logger.Info("independent run started",
		zap.String("run_id", report.RunID),
		zap.Int("checkpoints", len(cps)),
		zap.Int("jobs", r.opts.Jobs),
		logging.Hex("offset", r.opts.Offset),
	)

	results := make([]segment.Result, len(cps))
	done := make([]bool, len(cps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Jobs)
	for i, cp := range cps {
		i, cp := i, cp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runCheckpoint(i, cp)
			done[i] = true
			return nil
		})
	}
	runErr := g.Wait()

	for i, res := range results {
		if done[i] {
			report.record(res)
		}
	}

	r.combine(report)

	if runErr != nil {
		runErr = fmt.Errorf("run cancelled: %w", runErr)
		report.Error = runErr.Error()
	}
	r.logger.Info("independent run finished",
		zap.Bool("success", report.Success),
		zap.Int("segments", len(report.Segments)),
	)
	return report, runErr
}

// runCheckpoint resolves the target from cp's own base and runs it
func (r *Independent) runCheckpoint(index int, cp checkpoint.Checkpoint) segment.Result {
	t, err := resolveTarget(cp, r.opts.ImagePath, r.opts.Offset)
	if err != nil {
		res := segment.Result{
			Index:      index,
			Checkpoint: cp.Name,
			Dir:        cp.Path,
			Outcome:    outcome.UnknownFault,
			Code:       outcome.UnknownFault.Code(),
			Decision:   outcome.StopFatal,
			Fault:      err.Error(),
			Err:        err,
		}
		logResult(r.logger.With(zap.Int("segment", index), zap.String("checkpoint", cp.Name)), res)
		return res
	}
	return runStandalone(r.factory, r.opts, r.logger, index, cp, t, cp.Path)
}

// combine merges every checkpoint's artifacts into the dump root
func (r *Independent) combine(report *Report) {
	for _, m := range []struct {
		kind    string
		pattern string
		output  string
	}{
		{"uc", segment.RawLog, CombinedRawLog},
		{"sim", segment.SimLog, CombinedSimLog},
		{"tenet", segment.TenetLog, CombinedTenetLog},
	} {
		output := filepath.Join(r.opts.DumpRoot, m.output)
		if _, err := logmerge.Combine(r.opts.DumpRoot, m.pattern, output); err != nil {
			r.logger.Warn("failed to combine logs", zap.String("pattern", m.pattern), zap.Error(err))
			continue
		}
		report.CombinedLogs[m.kind] = output
	}
}
