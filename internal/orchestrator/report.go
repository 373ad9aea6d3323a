package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/mrhapile/dumpreplay/internal/outcome"
	"github.com/mrhapile/dumpreplay/internal/segment"
)

// Mode names the driver that produced a report
type Mode string

const (
	ModeContinuous  Mode = "continuous"
	ModeIndependent Mode = "independent"
	ModeOnce        Mode = "once"
)

// ReportFile is written into the output directory of a continuous run
const ReportFile = "report.json"

// Report holds the complete report for one run
type Report struct {
	RunID       string `json:"run_id"`
	Mode        Mode   `json:"mode"`
	Success     bool   `json:"success"`
	// Base and Target are left unset by independent runs, whose segments
	// each carry their own
	Base        uint64 `json:"base,omitempty"`
	Target      uint64 `json:"target,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
	Checkpoints int    `json:"checkpoints"`

	Segments      []segment.Result        `json:"segments"`
	OutcomeCounts map[outcome.Outcome]int `json:"outcome_counts"`
	// CombinedLogs maps an artifact kind to the combined file holding it
	CombinedLogs map[string]string `json:"combined_logs,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// newRunID can be swapped in tests for a deterministic id
var newRunID = uuid.NewString

func newReport(mode Mode) *Report {
	report := &Report{
		RunID:         newRunID(),
		Mode:          mode,
		Segments:      make([]segment.Result, 0),
		OutcomeCounts: make(map[outcome.Outcome]int),
		CombinedLogs:  make(map[string]string),
	}
	for _, o := range outcome.All {
		report.OutcomeCounts[o] = 0
	}
	return report
}

// record appends a segment result and updates the counters
func (r *Report) record(res segment.Result) {
	r.Segments = append(r.Segments, res)
	r.OutcomeCounts[res.Outcome]++
	if res.Outcome == outcome.TargetReached {
		r.Success = true
	}
}

// Last returns the final segment result, or false when nothing ran
func (r *Report) Last() (segment.Result, bool) {
	if len(r.Segments) == 0 {
		return segment.Result{}, false
	}
	return r.Segments[len(r.Segments)-1], true
}

// WriteJSON writes the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// Save writes the report to path
func (r *Report) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return f.Close()
}
