// Package outcome classifies why a segment stopped and decides what the
// replay loop does next.
package outcome

import (
	"errors"

	"github.com/google/go-cmp/cmp"

	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// Outcome is the classified result of one segment
type Outcome string

const (
	TargetReached           Outcome = "target_reached"
	OutOfRange              Outcome = "out_of_range"
	SpecialInstructionFault Outcome = "special_instruction"
	UnmappedMemoryFault     Outcome = "unmapped_memory"
	StalledNoProgress       Outcome = "stalled"
	UnknownFault            Outcome = "unknown_fault"
	DegenerateRange         Outcome = "degenerate_range"
)

// All lists every outcome
var All = []Outcome{
	TargetReached,
	OutOfRange,
	SpecialInstructionFault,
	UnmappedMemoryFault,
	StalledNoProgress,
	UnknownFault,
	DegenerateRange,
}

// Result codes carried over from the dump runner's numeric protocol. The
// success code is deliberately far away from the small fault codes.
const (
	CodeFatal      = 0
	CodeBoundary   = 1
	CodeUnmapped   = 2
	CodeDegenerate = 5
	CodeReached    = 114514
)

// Code returns the numeric result code of the outcome
func (o Outcome) Code() int {
	switch o {
	case TargetReached:
		return CodeReached
	case OutOfRange, SpecialInstructionFault:
		return CodeBoundary
	case UnmappedMemoryFault:
		return CodeUnmapped
	case DegenerateRange:
		return CodeDegenerate
	}
	return CodeFatal
}

// Decision is what the replay loop does after a segment
type Decision int

const (
	// StopSuccess ends the run successfully
	StopSuccess Decision = iota
	// Advance moves on to the next checkpoint
	Advance
	// StopFatal ends the run as a failure
	StopFatal
)

func (d Decision) String() string {
	switch d {
	case StopSuccess:
		return "stop-success"
	case Advance:
		return "advance"
	}
	return "stop-fatal"
}

// Decide maps an outcome onto a control decision. It is a pure function of
// the outcome.
func Decide(o Outcome) Decision {
	switch o {
	case TargetReached:
		return StopSuccess
	case OutOfRange, SpecialInstructionFault, UnmappedMemoryFault:
		return Advance
	}
	return StopFatal
}

// Classification is the classifier's verdict on one stop
type Classification struct {
	Outcome Outcome
	// Fault is the structured fault, nil when the target was reached or
	// the stop wasn't reported as a fault
	Fault *emulator.Fault
	// Err is the raw error the session returned
	Err error
}

// Classifier turns session stop signals into outcomes. It remembers the
// register state of the most recent unmapped memory fault so that a replay
// stuck on the same unsatisfiable access is recognised as a stall.
//
// A Classifier belongs to a single session and is not safe for concurrent use.
type Classifier struct {
	baseline snapshot.Registers
}

// NewClassifier creates a classifier with no stall baseline
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify reduces the error returned by emulator.Session.Start, together
// with the registers captured when the session stopped, to an outcome.
//
// Boundary faults are matched first because they are expected and say
// nothing about progress. The stall check precedes memory faults because a
// real stall can surface as a different fault each time.
func (c *Classifier) Classify(err error, regs snapshot.Registers) Classification {
	if err == nil {
		return Classification{Outcome: TargetReached}
	}

	cl := Classification{Err: err}
	var fault *emulator.Fault
	if errors.As(err, &fault) {
		cl.Fault = fault
		switch fault.Kind {
		case emulator.FaultOutOfRange:
			cl.Outcome = OutOfRange
			return cl
		case emulator.FaultSpecialInstruction, emulator.FaultCPUException:
			cl.Outcome = SpecialInstructionFault
			return cl
		}
	}

	if c.baseline != nil && cmp.Equal(c.baseline, regs) {
		cl.Outcome = StalledNoProgress
		return cl
	}

	if fault != nil && fault.Kind.Unmapped() {
		c.baseline = regs.Clone()
		cl.Outcome = UnmappedMemoryFault
		return cl
	}

	cl.Outcome = UnknownFault
	return cl
}
