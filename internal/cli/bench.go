package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
)

// Bench workload modes.
const (
	benchDisjoint = "disjoint"
	benchShared   = "shared"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	Ops        int
	Vars       int
	Submitters int
	Mode       string
	Policy     string
	Device     string
	Work       time.Duration
}

// benchResult is the output of the bench command.
type benchResult struct {
	Policy     string        `json:"policy"`
	Mode       string        `json:"mode"`
	Ops        int           `json:"ops"`
	Vars       int           `json:"vars"`
	Submitters int           `json:"submitters"`
	Duration   time.Duration `json:"duration"`
	OpsPerSec  float64       `json:"ops_per_sec"`
	Executed   int64         `json:"executed"`
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure engine throughput on a synthetic workload",
		Long: `Push --ops operations over --vars variables and report throughput.

In disjoint mode operation i writes variable i mod vars, so operations on
different variables run concurrently. In shared mode it also reads the next
variable, chaining every variable's writers to its neighbour's.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), rootOpts, opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Ops, "ops", 100000, "number of operations to push")
	cmd.Flags().IntVar(&opts.Vars, "vars", 64, "number of variables")
	cmd.Flags().IntVar(&opts.Submitters, "submitters", 1, "goroutines pushing concurrently")
	cmd.Flags().StringVar(&opts.Mode, "mode", benchDisjoint, "workload shape (disjoint|shared)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "execution policy; overrides DEPFLOW_POLICY")
	cmd.Flags().StringVar(&opts.Device, "device", "cpu(0)", "device context operations run on")
	cmd.Flags().DurationVar(&opts.Work, "work", 0, "time each operation sleeps")

	return cmd
}

func (o *BenchOptions) validate() error {
	if o.Ops <= 0 {
		return fmt.Errorf("--ops must be positive, got %d", o.Ops)
	}
	if o.Vars <= 0 {
		return fmt.Errorf("--vars must be positive, got %d", o.Vars)
	}
	if o.Submitters <= 0 {
		return fmt.Errorf("--submitters must be positive, got %d", o.Submitters)
	}
	switch o.Mode {
	case benchDisjoint:
	case benchShared:
		if o.Vars < 2 {
			return fmt.Errorf("shared mode needs at least 2 variables")
		}
	default:
		return fmt.Errorf("invalid mode %q: must be %s or %s", o.Mode, benchDisjoint, benchShared)
	}
	return nil
}

func runBench(ctx context.Context, rootOpts *RootOptions, opts *BenchOptions, cmd *cobra.Command) error {
	if err := opts.validate(); err != nil {
		return err
	}
	devCtx, err := model.ParseContext(opts.Device)
	if err != nil {
		return err
	}
	cfg := loadConfig(rootOpts)
	if opts.Policy != "" {
		cfg.Policy = opts.Policy
	}

	s, err := newStack(cfg, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}

	res, runErr := bench(ctx, s.engine, opts, devCtx)
	res.Policy = cfg.Policy
	if err := s.closeWithTimeout(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	return writeResult(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
		fmt.Fprintf(w, "policy:     %s\n", res.Policy)
		fmt.Fprintf(w, "mode:       %s\n", res.Mode)
		fmt.Fprintf(w, "ops:        %d over %d vars, %d submitters\n", res.Ops, res.Vars, res.Submitters)
		fmt.Fprintf(w, "duration:   %s\n", res.Duration)
		fmt.Fprintf(w, "throughput: %.0f ops/s\n", res.OpsPerSec)
	})
}

// bench pushes the workload, waits for it and deletes its variables.
func bench(ctx context.Context, e *engine.Engine, opts *BenchOptions, devCtx model.Context) (benchResult, error) {
	vars := make([]*engine.Var, opts.Vars)
	for i := range vars {
		vars[i] = e.NewVariable()
	}

	var executed int64
	counts := make([]int64, opts.Vars)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for sub := range opts.Submitters {
		g.Go(func() error {
			for i := sub; i < opts.Ops; i += opts.Submitters {
				if err := gctx.Err(); err != nil {
					return err
				}
				slot := i % opts.Vars
				writes := []*engine.Var{vars[slot]}
				var reads []*engine.Var
				if opts.Mode == benchShared {
					reads = []*engine.Var{vars[(slot+1)%opts.Vars]}
				}
				// counts[slot] is only touched by writers of vars[slot], which
				// the engine runs one at a time.
				err := e.PushSync(func(engine.RunContext) error {
					if opts.Work > 0 {
						time.Sleep(opts.Work)
					}
					counts[slot]++
					return nil
				}, devCtx, reads, writes, model.PropNormal, engine.WithName("bench"))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	pushErr := g.Wait()
	waitErr := e.WaitForAllContext(ctx)
	elapsed := time.Since(start)

	for _, v := range vars {
		if err := e.DeleteVariable(nil, devCtx, v); err != nil {
			return benchResult{}, err
		}
	}
	if pushErr != nil {
		return benchResult{}, pushErr
	}
	if waitErr != nil {
		return benchResult{}, waitErr
	}
	for _, n := range counts {
		executed += n
	}

	return benchResult{
		Mode:       opts.Mode,
		Ops:        opts.Ops,
		Vars:       opts.Vars,
		Submitters: opts.Submitters,
		Duration:   elapsed,
		OpsPerSec:  float64(opts.Ops) / elapsed.Seconds(),
		Executed:   executed,
	}, nil
}
