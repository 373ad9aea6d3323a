package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mrhapile/dumpreplay/internal/checkpoint"
	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/logging"
	"github.com/mrhapile/dumpreplay/internal/logmerge"
	"github.com/mrhapile/dumpreplay/internal/outcome"
	"github.com/mrhapile/dumpreplay/internal/segment"
)

// Streaming and merged log names inside a continuous output directory
const (
	StreamSimLog   = "continuous_sim.log"
	StreamTenetLog = "continuous_tenet.log"
	AllSimLog      = "all_sim.log"
	AllTenetLog    = "all_tenet.log"
	AllRawLog      = "all_uc.log"
)

// Continuous replays checkpoints in order on a single shared session
type Continuous struct {
	opts    Options
	factory emulator.Factory
	logger  *zap.Logger
}

// NewContinuous creates a continuous run over opts.DumpRoot
func NewContinuous(opts Options, factory emulator.Factory, logger *zap.Logger) *Continuous {
	if opts.OutputPrefix == "" {
		opts.OutputPrefix = DefaultOutputPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Continuous{opts: opts, factory: factory, logger: logger}
}

// streams are the combined logs appended to after every segment
type streams struct {
	simFile   *os.File
	tenetFile *os.File
	sim       *logmerge.Stream
	tenet     *logmerge.Stream
}

func openStreams(dir string) (*streams, error) {
	sim, err := os.Create(filepath.Join(dir, StreamSimLog))
	if err != nil {
		return nil, fmt.Errorf("failed to create combined sim log: %w", err)
	}
	tenet, err := os.Create(filepath.Join(dir, StreamTenetLog))
	if err != nil {
		sim.Close()
		return nil, fmt.Errorf("failed to create combined tenet log: %w", err)
	}
	return &streams{
		simFile:   sim,
		tenetFile: tenet,
		sim:       logmerge.NewStream(sim),
		tenet:     logmerge.NewStream(tenet),
	}, nil
}

func (s *streams) append(dir string) error {
	return errors.Join(
		s.sim.AppendFile(filepath.Join(dir, segment.SimLog)),
		s.tenet.AppendFile(filepath.Join(dir, segment.TenetLog)),
	)
}

func (s *streams) close() error {
	return errors.Join(s.simFile.Close(), s.tenetFile.Close())
}

// Run replays the checkpoints. The returned report is never nil. A run that
// ends without reaching the target is not an error: check Report.Success.
// Errors are reserved for infrastructure failures and cancellation.
func (c *Continuous) Run(ctx context.Context) (*Report, error) {
	report := newReport(ModeContinuous)

	cps, err := checkpoint.Locate(c.opts.DumpRoot)
	if err != nil {
		return report, err
	}
	report.Checkpoints = len(cps)
	if len(cps) == 0 {
		c.logger.Warn("no checkpoints found", zap.String("root", c.opts.DumpRoot))
		return report, nil
	}

	t, err := resolveTarget(cps[0], c.opts.ImagePath, c.opts.Offset)
	if err != nil {
		return report, err
	}
	report.Base = t.base
	report.Target = t.addr

	outDir := filepath.Join(c.opts.DumpRoot, fmt.Sprintf("%s_%d", c.opts.OutputPrefix, now().Unix()))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return report, fmt.Errorf("failed to create output directory: %w", err)
	}
	report.OutputDir = outDir

	c.logger.Info("continuous run started",
		zap.String("run_id", report.RunID),
		zap.Int("checkpoints", len(cps)),
		logging.Hex("base", t.base),
		logging.Hex("target", t.addr),
		zap.String("image", t.image),
		zap.String("output", outDir),
	)

	st, err := openStreams(outDir)
	if err != nil {
		return report, err
	}
	report.CombinedLogs["sim_stream"] = st.simFile.Name()
	report.CombinedLogs["tenet_stream"] = st.tenetFile.Name()

	runErr := c.loop(ctx, cps, t, outDir, st, report)

	if err := st.close(); err != nil {
		c.logger.Warn("failed to close combined logs", zap.Error(err))
	}
	c.combine(outDir, report)

	if runErr != nil {
		report.Error = runErr.Error()
	}
	if err := report.Save(filepath.Join(outDir, ReportFile)); err != nil {
		c.logger.Warn("failed to write report", zap.Error(err))
	}

	c.logger.Info("continuous run finished",
		zap.Bool("success", report.Success),
		zap.Int("segments", len(report.Segments)),
	)
	return report, runErr
}

// loop runs segments until one decides to stop or the checkpoints run out
func (c *Continuous) loop(ctx context.Context, cps []checkpoint.Checkpoint, t target, outDir string, st *streams, report *Report) error {
	session, err := c.factory()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.logger.Warn("failed to close session", zap.Error(err))
		}
	}()

	runner := segment.NewRunner(session, c.opts.Heap,
		segment.WithCarryState(c.opts.CarryState),
		segment.WithLogger(c.logger),
	)

	var carry *emulator.StateDelta
	for i, cp := range cps {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("run cancelled", zap.Int("remaining", len(cps)-i))
			return fmt.Errorf("run cancelled before %s: %w", cp.Name, err)
		}

		log := c.logger.With(zap.Int("segment", i), zap.String("checkpoint", cp.Name))

		if res, ok := degenerate(i, cp, t); ok {
			report.record(res)
			logResult(log, res)
			return nil
		}

		dir := filepath.Join(outDir, fmt.Sprintf("segment_%03d", i))
		log.Info("segment started", zap.String("dir", dir))

		res := runner.Run(segment.Request{
			Index:      i,
			Checkpoint: cp,
			Base:       t.base,
			Target:     t.addr,
			Dir:        dir,
			Image:      t.image,
			Range:      t.rng,
			Carry:      carry,
		})
		report.record(res)

		if err := st.append(dir); err != nil {
			log.Warn("failed to append segment to combined logs", zap.Error(err))
		}
		logResult(log, res)

		switch res.Decision {
		case outcome.StopSuccess:
			return nil
		case outcome.Advance:
			carry = res.Carry
		default:
			return nil
		}
	}

	c.logger.Warn("checkpoints exhausted without reaching target", logging.Hex("target", t.addr))
	return nil
}

// combine merges the per-segment artifacts of the run
func (c *Continuous) combine(outDir string, report *Report) {
	for _, m := range []struct {
		kind    string
		pattern string
		output  string
	}{
		{"sim", segment.SimLog, AllSimLog},
		{"tenet", segment.TenetLog, AllTenetLog},
		{"uc", segment.RawLog, AllRawLog},
	} {
		output := filepath.Join(outDir, m.output)
		n, err := logmerge.Combine(outDir, m.pattern, output)
		if err != nil {
			c.logger.Warn("failed to combine logs", zap.String("pattern", m.pattern), zap.Error(err))
			continue
		}
		report.CombinedLogs[m.kind] = output
		c.logger.Debug("combined logs", zap.String("output", output), zap.Int("files", n))
	}
}
