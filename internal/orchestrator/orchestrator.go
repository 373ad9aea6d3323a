// Package orchestrator drives segment runs over the checkpoints of a dump.
//
// Continuous replays every checkpoint on one shared session, in chronological
// order, until the target is reached or a fatal outcome stops it. Independent
// gives every checkpoint its own session and always runs all of them. Once
// runs a single checkpoint.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mrhapile/dumpreplay/internal/checkpoint"
	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/logging"
	"github.com/mrhapile/dumpreplay/internal/outcome"
	"github.com/mrhapile/dumpreplay/internal/segment"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// Options configures a run
type Options struct {
	// DumpRoot holds the dump_<n> checkpoint folders. For Once it is the
	// checkpoint folder itself.
	DumpRoot string
	// ImagePath is the binary the target offset refers to. Its size bounds
	// the permissible instruction range.
	ImagePath string
	// Offset is the target address relative to the image base
	Offset       uint64
	OutputPrefix string
	CarryState   bool
	Heap         segment.Heap
	// Jobs bounds the number of concurrent sessions in independent mode
	Jobs int
}

// DefaultOutputPrefix names continuous output directories
const DefaultOutputPrefix = "continuous_output"

// now is used for output directory names
var now = time.Now

// target is the fixed destination of every segment in a run
type target struct {
	base  uint64
	addr  uint64
	image string
	rng   emulator.AddrRange
}

// statImage returns the size of the binary the target offset refers to
func statImage(imagePath string) (uint64, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat image: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("image %s is a directory", imagePath)
	}
	return uint64(info.Size()), nil
}

// resolveTarget reads the base recorded in cp and computes the target and
// instruction range from it
func resolveTarget(cp checkpoint.Checkpoint, imagePath string, offset uint64) (target, error) {
	size, err := statImage(imagePath)
	if err != nil {
		return target{}, err
	}

	base, err := snapshot.ReadBase(cp.Path)
	if err != nil {
		return target{}, fmt.Errorf("failed to read base from %s: %w", cp.Name, err)
	}

	return target{
		base:  base,
		addr:  base + offset,
		image: filepath.Base(imagePath),
		rng:   emulator.AddrRange{Start: base, End: base + size},
	}, nil
}

// degenerate checks whether the checkpoint would start on the target itself.
// Such a segment is never handed to the emulator.
func degenerate(index int, cp checkpoint.Checkpoint, t target) (segment.Result, bool) {
	_, regs, err := snapshot.ReadRegisters(cp.Path)
	if err != nil {
		// the runner reports unreadable checkpoints itself
		return segment.Result{}, false
	}
	pc, _ := regs.PC()
	if pc != t.addr {
		return segment.Result{}, false
	}
	return segment.Result{
		Index:      index,
		Checkpoint: cp.Name,
		Base:       t.base,
		Target:     t.addr,
		Outcome:    outcome.DegenerateRange,
		Code:       outcome.DegenerateRange.Code(),
		Decision:   outcome.StopFatal,
		Fault:      fmt.Sprintf("start address %#x equals target", pc),
		StartPC:    pc,
		StopPC:     pc,
		Registers:  regs,
	}, true
}

// logResult reports a finished segment at the level its outcome deserves
func logResult(log *zap.Logger, res segment.Result) {
	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Int("code", res.Code),
		logging.Hex("stop_pc", res.StopPC),
	}
	if res.Fault != "" {
		fields = append(fields, zap.String("fault", res.Fault))
	}

	switch res.Outcome {
	case outcome.TargetReached:
		log.Info("target reached", fields...)
	case outcome.OutOfRange, outcome.SpecialInstructionFault:
		log.Info("segment boundary reached, advancing", fields...)
	case outcome.UnmappedMemoryFault:
		log.Warn("unmapped memory access, advancing", fields...)
	default:
		if res.Registers != nil {
			fields = append(fields, zap.Stringer("registers", res.Registers))
		}
		log.Error("segment failed", fields...)
	}
}

// runStandalone runs one checkpoint on a session of its own. Outputs go to
// dir.
func runStandalone(factory emulator.Factory, opts Options, logger *zap.Logger, index int, cp checkpoint.Checkpoint, t target, dir string) segment.Result {
	log := logger.With(zap.Int("segment", index), zap.String("checkpoint", cp.Name))

	if res, ok := degenerate(index, cp, t); ok {
		logResult(log, res)
		return res
	}

	session, err := factory()
	if err != nil {
		res := segment.Result{
			Index:      index,
			Checkpoint: cp.Name,
			Dir:        dir,
			Base:       t.base,
			Target:     t.addr,
			Outcome:    outcome.UnknownFault,
			Code:       outcome.UnknownFault.Code(),
			Decision:   outcome.StopFatal,
			Fault:      fmt.Sprintf("failed to create session: %v", err),
			Err:        err,
		}
		logResult(log, res)
		return res
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("failed to close session", zap.Error(err))
		}
	}()

	runner := segment.NewRunner(session, opts.Heap,
		segment.WithCarryState(opts.CarryState),
		segment.WithLogger(logger),
	)
	res := runner.Run(segment.Request{
		Index:      index,
		Checkpoint: cp,
		Base:       t.base,
		Target:     t.addr,
		Dir:        dir,
		Image:      t.image,
		Range:      t.rng,
	})
	logResult(log, res)
	return res
}
