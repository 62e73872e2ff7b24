package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/depflow/internal/api"
	"github.com/seantiz/depflow/internal/config"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	ListenAddr   string
	Policy       string
	DBPath       string
	PipelineFile string
	PipelineName string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine behind the admin API",
		Long: `Run the engine with the admin API, journaling every completed operation.

With --pipeline, the named iterator chain is run through the engine once
the server is up. The server keeps running until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "listen address; overrides DEPFLOW_LISTEN_ADDR")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "execution policy (auto|inline|pool|perdevice); overrides DEPFLOW_POLICY")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "op journal database; overrides DEPFLOW_DB_PATH")
	cmd.Flags().StringVar(&opts.PipelineFile, "pipeline", "", "pipeline file to run at startup; overrides DEPFLOW_PIPELINE")
	cmd.Flags().StringVar(&opts.PipelineName, "pipeline-name", "", "pipeline to run from the file")

	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *ServeOptions, cmd *cobra.Command) error {
	cfg := loadConfig(rootOpts)
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	if opts.Policy != "" {
		cfg.Policy = opts.Policy
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.PipelineFile != "" {
		cfg.PipelineFile = opts.PipelineFile
	}

	var pl *config.Pipeline
	if cfg.PipelineFile != "" {
		f, err := config.LoadPipelines(cfg.PipelineFile)
		if err != nil {
			return err
		}
		if pl, err = f.Find(opts.PipelineName); err != nil {
			return err
		}
	}

	s, err := newStack(cfg, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	s.logger.Info("depflow: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"policy", cfg.Policy,
		"workers", cfg.Workers,
	)

	srv := api.NewServer(cfg.ListenAddr, s.engine, s.mem, s.db, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if pl != nil {
		g.Go(func() error {
			res, err := runPipeline(gctx, s, pl)
			if err != nil {
				return fmt.Errorf("pipeline %s: %w", pl.Name, err)
			}
			s.logger.Info("pipeline complete",
				"pipeline", pl.Name,
				"batches", res.Batches,
				"checksum", res.Checksum,
			)
			return nil
		})
	}

	runErr := g.Wait()
	if err := s.closeWithTimeout(); err != nil {
		s.logger.Error("shutdown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
