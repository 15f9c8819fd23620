package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/goodtune/stuffwatch/internal/engine"
	"github.com/goodtune/stuffwatch/internal/feed"
	"github.com/goodtune/stuffwatch/internal/monitor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	replayFeed    string
	replayVerbose bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [flags] FILE",
	Short: "Replay recorded detections through the drop detector",
	Long: `Run a recorded JSON-lines detection file through the presence counter and
the drop-detection engine and print how the engine reacts. Nothing is dispatched.`,
	Example: `  stuffwatch replay desk-2026-06-01.jsonl
  stuffwatch -c config.yaml replay --verbose - < desk.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayFeed, "feed", "replay", "Feed name shown in output")
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "Print every frame, not only transitions")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for replay mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	source, err := feed.OpenFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer source.Close()

	printer := newReplayPrinter(cmd.OutOrStdout(), replayVerbose)
	runner, err := newRunner(cfg, monitor.Config{Feed: replayFeed}, source, nil, printer, logger)
	if err != nil {
		return err
	}

	printer.header(args[0], cfg)
	if err := runner.Run(context.Background()); err != nil {
		return err
	}
	printer.summary()
	return nil
}

// replayPrinter is a monitor.Observer that renders engine progress.
type replayPrinter struct {
	out     io.Writer
	verbose bool

	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color

	frames  int
	failed  int
	alarms  []monitor.Status
	last    monitor.Status
	started bool
}

func newReplayPrinter(out io.Writer, verbose bool) *replayPrinter {
	return &replayPrinter{
		out:     out,
		verbose: verbose,
		cyan:    color.New(color.FgCyan, color.Bold),
		green:   color.New(color.FgGreen, color.Bold),
		yellow:  color.New(color.FgYellow, color.Bold),
		red:     color.New(color.FgRed, color.Bold),
	}
}

func (p *replayPrinter) header(path string, cfg *config.Config) {
	rule := strings.Repeat("━", 50)
	fmt.Fprintln(p.out)
	p.cyan.Fprintln(p.out, rule)
	p.cyan.Fprintln(p.out, "DETECTION REPLAY")
	p.cyan.Fprintln(p.out, rule)
	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "File:        %s\n", path)
	fmt.Fprintf(p.out, "Calibration: %d frames\n", cfg.Engine.CalibrationFrames)
	fmt.Fprintf(p.out, "Drop window: %d frames\n", cfg.Engine.DropFrames)
	fmt.Fprintf(p.out, "Smoothing:   %.2f\n", cfg.Engine.SmoothingFactor)
	fmt.Fprintln(p.out)
}

// Observe implements monitor.Observer.
func (p *replayPrinter) Observe(st monitor.Status) {
	p.frames++
	if st.Failed {
		p.failed++
	}

	transition := !p.started || st.Engine.State != p.last.Engine.State
	p.started = true
	p.last = st

	if st.Fired {
		p.alarms = append(p.alarms, st)
	}
	if !p.verbose && !transition && !st.Fired {
		return
	}

	fmt.Fprintf(p.out, "frame %-6d count %-3d smoothed %6.2f  ", st.Frame, st.Count, st.Engine.Smoothed)
	p.stateColor(st.Engine.State).Fprintf(p.out, "%-11s", strings.ToUpper(st.Engine.StateName))
	switch {
	case st.Fired:
		p.red.Fprintf(p.out, " ALARM (baseline %d)", st.Engine.Baseline)
	case transition && st.Engine.State == engine.StateArmed:
		fmt.Fprintf(p.out, " baseline locked at %d", st.Engine.Baseline)
	}
	fmt.Fprintln(p.out)
}

func (p *replayPrinter) summary() {
	rule := strings.Repeat("━", 50)
	fmt.Fprintln(p.out)
	p.cyan.Fprintln(p.out, rule)
	fmt.Fprintf(p.out, "Frames:      %d (%d unusable)\n", p.frames, p.failed)
	if p.last.Engine.Locked {
		fmt.Fprintf(p.out, "Baseline:    %d\n", p.last.Engine.Baseline)
	} else {
		p.yellow.Fprintln(p.out, "Baseline:    not locked (too few frames)")
	}
	p.cyan.Fprint(p.out, "Result:      ")
	if len(p.alarms) == 0 {
		p.green.Fprintln(p.out, "NO ALARM")
	} else {
		p.red.Fprintf(p.out, "ALARM at frame %d\n", p.alarms[0].Frame)
	}
	p.cyan.Fprintln(p.out, rule)
	fmt.Fprintln(p.out)
}

func (p *replayPrinter) stateColor(state engine.State) *color.Color {
	switch state {
	case engine.StateArmed:
		return p.green
	case engine.StateAlarmed:
		return p.red
	default:
		return p.yellow
	}
}
