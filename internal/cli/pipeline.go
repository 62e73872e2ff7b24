package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seantiz/depflow/internal/config"
	"github.com/seantiz/depflow/internal/dataio"
	"github.com/seantiz/depflow/internal/pipeline"
)

// PipelineOptions holds flags for the pipeline command.
type PipelineOptions struct {
	File   string
	Name   string
	Policy string
}

// pipelineOutput is the JSON output of the pipeline command.
type pipelineOutput struct {
	Pipeline string `json:"pipeline"`
	pipeline.Result
}

// NewPipelineCommand creates the pipeline command.
func NewPipelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{}

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run a configured iterator chain through the engine",
		Long: `Run one pipeline from a pipeline file. Every batch is loaded into a
storage buffer by one operation and folded into a checksum by another.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineCommand(cmd.Context(), rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "pipeline file; overrides DEPFLOW_PIPELINE")
	cmd.Flags().StringVarP(&opts.Name, "name", "n", "", "pipeline to run (optional when the file defines one)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "execution policy; overrides DEPFLOW_POLICY")

	return cmd
}

func runPipelineCommand(ctx context.Context, rootOpts *RootOptions, opts *PipelineOptions, cmd *cobra.Command) error {
	cfg := loadConfig(rootOpts)
	if opts.File != "" {
		cfg.PipelineFile = opts.File
	}
	if opts.Policy != "" {
		cfg.Policy = opts.Policy
	}
	if cfg.PipelineFile == "" {
		return fmt.Errorf("no pipeline file: pass --file or set DEPFLOW_PIPELINE")
	}

	f, err := config.LoadPipelines(cfg.PipelineFile)
	if err != nil {
		return err
	}
	pl, err := f.Find(opts.Name)
	if err != nil {
		return err
	}

	s, err := newStack(cfg, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	res, runErr := runPipeline(ctx, s, pl)
	if err := s.closeWithTimeout(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return fmt.Errorf("pipeline %s: %w", pl.Name, runErr)
	}

	out := pipelineOutput{Pipeline: pl.Name, Result: res}
	return writeResult(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
		fmt.Fprintf(w, "pipeline:  %s\n", pl.Name)
		fmt.Fprintf(w, "batches:   %d\n", res.Batches)
		fmt.Fprintf(w, "instances: %d\n", res.Instances)
		fmt.Fprintf(w, "padded:    %d\n", res.Padded)
		fmt.Fprintf(w, "checksum:  %.6f\n", res.Checksum)
		fmt.Fprintf(w, "duration:  %s\n", res.Duration)
	})
}

// runPipeline builds pl's iterator chain and drains it through s's engine.
func runPipeline(ctx context.Context, s *stack, pl *config.Pipeline) (pipeline.Result, error) {
	devCtx, err := pl.DeviceContext()
	if err != nil {
		return pipeline.Result{}, err
	}
	it, err := dataio.NewDefaultRegistry().Build(pl.Stages)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer dataio.Close(it)

	p := pipeline.New(s.engine, s.mem, s.logger,
		pipeline.WithContext(devCtx),
		pipeline.WithInFlight(pl.InFlight),
	)
	return p.Run(ctx, it)
}
