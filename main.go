package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrhapile/dumpreplay/internal/config"
	"github.com/mrhapile/dumpreplay/internal/emulator"
	"github.com/mrhapile/dumpreplay/internal/logging"
	"github.com/mrhapile/dumpreplay/internal/logmerge"
	"github.com/mrhapile/dumpreplay/internal/orchestrator"
	"github.com/mrhapile/dumpreplay/internal/segment"
	"github.com/mrhapile/dumpreplay/internal/snapshot"
)

// errRunFailed signals a run that completed without reaching the target. The
// summary has already been printed, so main only sets the exit status.
var errRunFailed = errors.New("target not reached")

// newFactory builds the emulator session factory. It is a variable so tests
// can swap in a scripted emulator.
var newFactory = sessionFactory

// runner is implemented by every orchestrator mode
type runner interface {
	Run(ctx context.Context) (*orchestrator.Report, error)
}

type cli struct {
	configPath string
	verbose    bool
	json       bool

	tpidr        string
	carryState   bool
	outputPrefix string
	jobs         int

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "dumpreplay",
		Short: "Replay ARM64 process dumps in an emulator",
		Long: `dumpreplay resumes execution from a series of dump_<n> checkpoints and
stitches the per-checkpoint traces into one continuous trace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&c.json, "json", false, "print the run report as JSON to stdout")

	runCmd := &cobra.Command{
		Use:   "run <dump-root> <binary> <offset>",
		Short: "Replay all checkpoints on one shared emulator session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.execute(cmd, args, func(opts orchestrator.Options, f emulator.Factory, l *zap.Logger) runner {
				return orchestrator.NewContinuous(opts, f, l)
			})
		},
	}
	runCmd.Flags().StringVar(&c.tpidr, "tpidr", "", "override TPIDR_EL0 after loading each checkpoint")
	runCmd.Flags().BoolVar(&c.carryState, "carry-state", false, "map pages found missing by one segment into the next")
	runCmd.Flags().StringVar(&c.outputPrefix, "output-prefix", "", "name prefix of the output directory")

	legacyCmd := &cobra.Command{
		Use:   "legacy <dump-root> <binary> <offset>",
		Short: "Run every checkpoint independently, writing into each checkpoint folder",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.execute(cmd, args, func(opts orchestrator.Options, f emulator.Factory, l *zap.Logger) runner {
				return orchestrator.NewIndependent(opts, f, l)
			})
		},
	}
	legacyCmd.Flags().StringVar(&c.tpidr, "tpidr", "", "override TPIDR_EL0 after loading each checkpoint")
	legacyCmd.Flags().IntVarP(&c.jobs, "jobs", "j", 0, "number of checkpoints run concurrently")

	onceCmd := &cobra.Command{
		Use:   "once <checkpoint-dir> <binary> <offset>",
		Short: "Run a single checkpoint",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.execute(cmd, args, func(opts orchestrator.Options, f emulator.Factory, l *zap.Logger) runner {
				return orchestrator.NewOnce(opts, f, l)
			})
		},
	}
	onceCmd.Flags().StringVar(&c.tpidr, "tpidr", "", "override TPIDR_EL0 after loading the checkpoint")

	mergeCmd := &cobra.Command{
		Use:   "merge <root> <pattern> <output>",
		Short: "Combine matching log files under root in checkpoint order",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := logmerge.Combine(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "combined %d files into %s\n", n, args[2])
			return nil
		},
	}

	root.AddCommand(runCmd, legacyCmd, onceCmd, mergeCmd)
	return root
}

// settings resolves configuration: file and environment first, then flags
// the user actually set
func (c *cli) settings(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("carry-state") {
		cfg.CarryState = c.carryState
	}
	if flags.Changed("output-prefix") {
		cfg.Output.Prefix = c.outputPrefix
	}
	if flags.Changed("jobs") {
		cfg.Jobs = c.jobs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) execute(cmd *cobra.Command, args []string, build func(orchestrator.Options, emulator.Factory, *zap.Logger) runner) error {
	cfg, err := c.settings(cmd)
	if err != nil {
		return err
	}

	offset, err := snapshot.ParseUint(args[2])
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[2], err)
	}

	var tpidr *uint64
	if c.tpidr != "" {
		v, err := snapshot.ParseUint(c.tpidr)
		if err != nil {
			return fmt.Errorf("invalid tpidr %q: %w", c.tpidr, err)
		}
		tpidr = &v
	}

	logger, err := logging.New(c.stderr, cfg.Logging, c.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := orchestrator.Options{
		DumpRoot:     args[0],
		ImagePath:    args[1],
		Offset:       offset,
		OutputPrefix: cfg.Output.Prefix,
		CarryState:   cfg.CarryState,
		Heap:         segment.Heap{Base: uint64(cfg.Heap.Base), Size: uint64(cfg.Heap.Size)},
		Jobs:         cfg.Jobs,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	report, runErr := build(opts, newFactory(tpidr), logger).Run(ctx)

	if c.json {
		if err := report.WriteJSON(c.stdout); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	}
	fmt.Fprintln(c.stderr, renderSummary(report))

	if runErr != nil {
		return runErr
	}
	if !report.Success {
		return errRunFailed
	}
	return nil
}

var (
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	labelStyle = lipgloss.NewStyle().Faint(true).Width(12)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// renderSummary formats the end-of-run banner
func renderSummary(report *orchestrator.Report) string {
	status := failStyle.Render("TARGET NOT REACHED")
	if report.Success {
		status = okStyle.Render("TARGET REACHED")
	}

	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	rows := []string{
		status,
		row("run", report.RunID),
		row("mode", string(report.Mode)),
		row("segments", fmt.Sprintf("%d of %d", len(report.Segments), report.Checkpoints)),
	}
	if report.Target != 0 {
		rows = append(rows, row("target", fmt.Sprintf("%#x", report.Target)))
	}
	if last, ok := report.Last(); ok {
		rows = append(rows, row("stopped", fmt.Sprintf("%s in %s", last.Outcome, last.Checkpoint)))
	}
	if report.OutputDir != "" {
		rows = append(rows, row("output", report.OutputDir))
	}

	kinds := make([]string, 0, len(report.CombinedLogs))
	for k := range report.CombinedLogs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		rows = append(rows, row(k, report.CombinedLogs[k]))
	}
	if report.Error != "" {
		rows = append(rows, row("error", report.Error))
	}

	return boxStyle.Render(strings.Join(rows, "\n"))
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal panic in main: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
