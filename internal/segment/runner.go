// Package segment runs a single checkpoint on an emulator session and
// classifies how it stopped.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mrhapile/dumpreplay/internal/checkpoint"
	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/logging"
	"github.com/mrhapile/dumpreplay/internal/outcome"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// Artifact file names written into every segment directory
const (
	SimLog   = "sim.log"
	TenetLog = "tenet.log"
	RawLog   = "uc.log"
)

// Heap is the scratch region mapped once per session
type Heap struct {
	Base uint64
	Size uint64
}

// Request describes one segment
type Request struct {
	Index      int
	Checkpoint checkpoint.Checkpoint
	// Base is the image base recorded in the checkpoint
	Base   uint64
	Target uint64
	// Dir receives the segment's artifacts
	Dir   string
	Image string
	Range emulator.AddrRange
	// Carry is applied on top of the loaded checkpoint before resuming
	Carry *emulator.StateDelta
}

// Result holds the structured result for a single segment
type Result struct {
	Index      int                  `json:"index"`
	Checkpoint string               `json:"checkpoint"`
	Dir        string               `json:"dir"`
	Base       uint64               `json:"base"`
	Target     uint64               `json:"target"`
	Outcome    outcome.Outcome      `json:"outcome"`
	Code       int                  `json:"code"`
	Fault      string               `json:"fault,omitempty"`
	StartPC    uint64               `json:"start_pc"`
	StopPC     uint64               `json:"stop_pc"`
	Registers  snapshot.Registers   `json:"registers,omitempty"`
	Carry      *emulator.StateDelta `json:"carry,omitempty"`
	Err        error                `json:"-"`
	Decision   outcome.Decision     `json:"-"`
}

// Runner executes segments on a session it does not own. The session's
// mappings persist from one segment to the next. Hooks don't.
type Runner struct {
	session    emulator.Session
	classifier *outcome.Classifier
	heap       Heap
	carry      bool
	logger     *zap.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithCarryState makes unmapped memory faults produce a StateDelta for the
// next segment
func WithCarryState(enabled bool) Option {
	return func(r *Runner) {
		r.carry = enabled
	}
}

// WithLogger sets the logger. Entries made while a segment runs are also
// written to that segment's raw log.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for session
func NewRunner(session emulator.Session, heap Heap, opts ...Option) *Runner {
	r := &Runner{
		session:    session,
		classifier: outcome.NewClassifier(),
		heap:       heap,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// artifacts are the open output files of one segment
type artifacts struct {
	sim   *os.File
	tenet *os.File
	raw   *os.File
}

func openArtifacts(dir string) (*artifacts, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}

	a := &artifacts{}
	var err error
	if a.sim, err = os.Create(filepath.Join(dir, SimLog)); err != nil {
		return nil, err
	}
	if a.tenet, err = os.Create(filepath.Join(dir, TenetLog)); err != nil {
		a.close()
		return nil, err
	}
	if a.raw, err = os.Create(filepath.Join(dir, RawLog)); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *artifacts) close() error {
	var errs []error
	for _, f := range []*os.File{a.sim, a.tenet, a.raw} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run executes one segment. It never panics: a panic in the session is
// recovered and reported as an unknown fault. Hooks installed for the
// segment are removed and the artifact files are closed before Run returns.
func (r *Runner) Run(req Request) (result Result) {
	result.Index = req.Index
	result.Checkpoint = req.Checkpoint.Name
	result.Dir = req.Dir
	result.Base = req.Base
	result.Target = req.Target

	files, err := openArtifacts(req.Dir)
	if err != nil {
		r.finish(&result, err, nil)
		return result
	}

	log := logging.Tee(r.logger, files.raw).With(
		zap.Int("segment", req.Index),
		zap.String("checkpoint", req.Checkpoint.Name),
	)

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic recovered: %v", rec)
			log.Error("emulator panicked", zap.Error(err))
			// a panic after classification keeps the outcome already recorded
			if result.Outcome == "" {
				r.finish(&result, err, nil)
			}
		}

		if err := r.session.Reset(); err != nil {
			log.Warn("failed to reset session", zap.Error(err))
		}
		log.Info("trace end")
		if err := files.close(); err != nil {
			r.logger.Warn("failed to close segment artifacts", zap.Error(err))
		}
	}()

	startErr := r.execute(req, files, log, &result)

	// registers are captured before any cleanup touches the session
	regs, err := r.session.Registers()
	if err != nil {
		log.Warn("failed to dump registers", zap.Error(err))
	}

	r.finish(&result, startErr, regs)
	if regs != nil {
		fmt.Fprintf(files.raw, "%s\n", regs)
	}
	if result.Err != nil {
		log.Debug("segment stopped",
			zap.String("outcome", string(result.Outcome)),
			zap.Error(result.Err),
		)
	}
	return result
}

// execute prepares the session and runs it toward the target. The returned
// error is the session's stop signal.
func (r *Runner) execute(req Request, files *artifacts, log *zap.Logger, result *Result) error {
	snap, err := snapshot.Load(req.Checkpoint.Path)
	if err != nil {
		return err
	}

	if err := r.session.Load(snap); err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	log.Info("registers loaded", logging.Hex("pc", snap.PC()), zap.Int("regions", len(snap.Regions)))

	if err := r.applyCarry(req.Carry, log); err != nil {
		return err
	}

	if r.session.Mapped(r.heap.Base) {
		log.Debug("heap already mapped", logging.Hex("base", r.heap.Base), logging.Hex("size", r.heap.Size))
	} else {
		log.Info("mapping heap", logging.Hex("base", r.heap.Base), logging.Hex("size", r.heap.Size))
		if err := r.session.Map(r.heap.Base, r.heap.Size); err != nil {
			return fmt.Errorf("failed to map heap: %w", err)
		}
	}

	start := snap.PC()
	result.StartPC = start

	err = r.session.Trace(start, emulator.TraceOptions{
		Image: req.Image,
		Range: req.Range,
		Sim:   files.sim,
		Tenet: files.tenet,
	})
	if err != nil {
		return fmt.Errorf("failed to install trace hook: %w", err)
	}

	log.Info("resuming", logging.Hex("from", start), logging.Hex("until", req.Target))
	return r.session.Start(start, req.Target)
}

// applyCarry maps pages that the previous segment found missing and that the
// freshly loaded checkpoint still doesn't provide
func (r *Runner) applyCarry(carry *emulator.StateDelta, log *zap.Logger) error {
	if carry.Empty() {
		return nil
	}
	for _, page := range carry.Pages {
		if r.session.Mapped(page) {
			continue
		}
		log.Info("mapping carried page", logging.Hex("page", page))
		if err := r.session.Map(page, emulator.PageSize); err != nil {
			return fmt.Errorf("failed to map carried page %#x: %w", page, err)
		}
	}
	return nil
}

// finish classifies the stop signal into result
func (r *Runner) finish(result *Result, err error, regs snapshot.Registers) {
	cl := r.classifier.Classify(err, regs)

	result.Outcome = cl.Outcome
	result.Code = cl.Outcome.Code()
	result.Decision = outcome.Decide(cl.Outcome)
	result.Err = err
	result.Registers = regs
	result.Carry = nil
	if pc, ok := regs.PC(); ok {
		result.StopPC = pc
	}
	if err != nil {
		result.Fault = err.Error()
	}

	if r.carry && cl.Outcome == outcome.UnmappedMemoryFault && cl.Fault != nil {
		result.Carry = &emulator.StateDelta{
			Pages: []uint64{emulator.PageAlign(cl.Fault.Address)},
		}
	}
}
