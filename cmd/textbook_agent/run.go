package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/observability"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/textbook"
	"github.com/jonathan/textbook-forge/internal/types"
)

// runOptions are the flags of the run command.
type runOptions struct {
	topic      string
	language   string
	units      int
	references []string
	audience   string
	useBrowser bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate one textbook end-to-end",
		Long: `Runs the full textbook pipeline in process: plan -> research -> write -> qa -> graph -> aggregate -> finalize.

Artifacts are written to <output_dir>/<run_id>/.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("use-browser") {
				cfg.UseBrowser = opts.useBrowser
			}
			req, err := opts.request()
			if err != nil {
				return err
			}
			return runTextbook(cmd.Context(), cmd.OutOrStdout(), cfg, req)
		},
	}
	cmd.Flags().StringVarP(&opts.topic, "topic", "t", "", "Topic of the textbook (required)")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Language of the textbook (default 中文)")
	cmd.Flags().IntVarP(&opts.units, "units", "n", 0, "Maximum number of sections (0 keeps the whole outline)")
	cmd.Flags().StringSliceVar(&opts.references, "reference", nil, "Reference URL fetched during research (repeatable)")
	cmd.Flags().StringVar(&opts.audience, "audience", "", "Intended readers, passed to the writer")
	cmd.Flags().BoolVar(&opts.useBrowser, "use-browser", false, "Render reference pages with a headless browser (requires Chrome)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

// request builds and validates the RunRequest described by the flags.
func (o *runOptions) request() (types.RunRequest, error) {
	req := types.RunRequest{
		Topic:     o.topic,
		Language:  o.language,
		UnitCount: o.units,
		Params:    map[string]string{},
	}
	if len(o.references) > 0 {
		req.Params[types.ParamReferenceURLs] = strings.Join(o.references, ",")
	}
	if o.audience != "" {
		req.Params[types.ParamAudience] = o.audience
	}
	if o.useBrowser {
		req.Params[types.ParamUseBrowser] = strconv.FormatBool(true)
	}
	if len(req.Params) == 0 {
		req.Params = nil
	}
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return types.RunRequest{}, fmt.Errorf("invalid run request: %w", err)
	}
	return req, nil
}

func runTextbook(ctx context.Context, out io.Writer, cfg *config.Config, req types.RunRequest) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress := newStepPrinter(out)
	a, err := newApp(ctx, cfg, appOptions{observer: progress})
	if err != nil {
		return err
	}
	defer a.close() //nolint:errcheck

	run, err := a.runs.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	_, _ = fmt.Fprintf(out, "Run %s: %q (%s)\n", run.RunID, req.Topic, req.Language)

	report, state, err := a.runner.Run(ctx, run.RunID, req)
	if err != nil {
		return err
	}

	printer := observability.NewPrinter(out)
	if cfg.Verbose {
		printer.PrintOutline(state.Chapters)
	}
	printer.PrintStats(state.Stats())
	if cfg.Verbose && state.Evaluation != nil {
		printer.PrintEvaluation(state.Evaluation)
	}
	printer.PrintDiagnostics(report.Diagnostics)

	if dir, err := a.artifacts.Dir(run.RunID); err == nil && len(state.Artifacts) > 0 {
		_, _ = fmt.Fprintf(out, "\nArtifacts in %s:\n", dir)
		for _, name := range state.Artifacts {
			_, _ = fmt.Fprintf(out, "  - %s\n", name)
		}
	}

	switch report.Status {
	case runstate.StatusSucceeded:
		_, _ = fmt.Fprintf(out, "\n✅ Run %s succeeded\n", run.RunID)
		return nil
	case runstate.StatusCancelled:
		return fmt.Errorf("run %s was cancelled", run.RunID)
	default:
		return fmt.Errorf("run %s %s: %s", run.RunID, report.Status, report.Error)
	}
}

// stepPrinter prints one progress line per stage.
type stepPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newStepPrinter(out io.Writer) *stepPrinter {
	return &stepPrinter{out: out}
}

func (p *stepPrinter) OnEvent(_ context.Context, ev runstate.Event) {
	total := len(textbook.StageNames)
	idx := slices.Index(textbook.StageNames, ev.Stage) + 1

	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case runstate.EventStageStart:
		_, _ = fmt.Fprintf(p.out, "Step %d/%d: %s...\n", idx, total, ev.Stage)
	case runstate.EventUnitFailed:
		_, _ = fmt.Fprintf(p.out, "  ✗ %s: %s\n", ev.UnitID, ev.Message)
	case runstate.EventUnitDegraded:
		_, _ = fmt.Fprintf(p.out, "  ⚠ %s degraded\n", ev.UnitID)
	case runstate.EventStageEnd:
		status, _ := ev.Data["status"].(string)
		_, _ = fmt.Fprintf(p.out, "Step %d/%d: %s %s\n", idx, total, ev.Stage, status)
	}
}
