package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cuip/internal/agent"
	"cuip/internal/catalog"
	"cuip/internal/config"
	"cuip/internal/fsutil"
	"cuip/internal/pipeline"
	"cuip/internal/registration"
	"cuip/internal/storage"
)

// Version is reported by the version command.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, reg *registration.Registrar, cat catalog.Set) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, reg, cat))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cuip",
		Short: "cuip registers star-field frames against a reference catalog",
		Long: `cuip locates bright point sources in a frame, matches them against a
reference catalog by their pairwise distances, and solves the rotation and
translation that maps the catalog onto the frame.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newAgentCmd(root))
	rootCmd.AddCommand(newCatalogCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newRegistrationsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		reference   string
		output      string
		noComposite bool
		affine      bool
	)

	cmd := &cobra.Command{
		Use:   "register <frame|directory>...",
		Short: "Solve the catalog transform for one or more frames",
		Long: `Register frames against the reference catalog. Directories are expanded
to the frames they contain. With a reference frame, a composite of each frame
against the aligned reference is written to the output directory.

Examples:
  cuip register /data/2013-11-02/0001.raw
  cuip register /data/2013-11-02 --reference /data/ref.raw --output ./composites`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var frames []string
			for _, arg := range args {
				found, err := fsutil.ListFrames(arg)
				if err != nil {
					return err
				}
				frames = append(frames, found...)
			}
			if len(frames) == 0 {
				return fmt.Errorf("no frames found in %v", args)
			}
			if affine && root.registrar != nil {
				root.registrar.Affine = true
			}

			opts := map[string]any{"source": "cli"}
			if reference != "" {
				opts["reference"] = reference
			}
			if noComposite {
				opts["noComposite"] = true
			}
			jobs := make([]pipeline.Job, len(frames))
			for i, frame := range frames {
				jobs[i] = pipeline.NewJob(pipeline.JobRegister, frame, output, opts)
			}

			out := cmd.OutOrStdout()
			failed := 0
			err := root.enqueueAndWait(cmd.Context(), jobs, func(res pipeline.Result) {
				if res.Error != nil {
					failed++
				}
				printRegistration(out, res)
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d frames failed to register", failed, len(frames))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&reference, "reference", "r", "", "reference frame for composites (default: paths.reference_frame)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory for composites (default: paths.default_output)")
	cmd.Flags().BoolVar(&noComposite, "no-composite", false, "skip writing composites")
	cmd.Flags().BoolVar(&affine, "affine", false, "solve independent row and column scale")

	return cmd
}

func printRegistration(w io.Writer, res pipeline.Result) {
	if res.Error != nil {
		fmt.Fprintf(w, "%s: FAILED (%v)\n", res.Job.InputPath, res.Error)
		return
	}
	m := res.Meta
	fmt.Fprintf(w, "%s: theta=%.4f deg d=(%.3f, %.3f) residual=%.3f tuple=%v\n",
		res.Job.InputPath, m["theta_deg"], m["d_row"], m["d_col"], m["residual"], m["tuple"])
	if c, ok := m["composite"].(string); ok {
		fmt.Fprintf(w, "  composite: %s\n", c)
	}
}

func newDetectCmd(root *Root) *cobra.Command {
	var (
		sigma    float64
		highPass bool
	)

	cmd := &cobra.Command{
		Use:   "detect <frame>",
		Short: "List the point sources found in a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"source": "cli", "highPass": highPass}
			if sigma > 0 {
				opts["sigma"] = sigma
			}
			job := pipeline.NewJob(pipeline.JobDetect, args[0], "", opts)

			var result pipeline.Result
			if err := root.enqueueAndWait(cmd.Context(), []pipeline.Job{job}, func(res pipeline.Result) { result = res }); err != nil {
				return err
			}
			if result.Error != nil {
				return result.Error
			}

			out := cmd.OutOrStdout()
			pts, _ := result.Meta["points"].(registration.PointSet)
			fmt.Fprintf(out, "%s: %d sources\n", args[0], len(pts))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tROW\tCOL")
			for i, p := range pts {
				fmt.Fprintf(tw, "%d\t%.2f\t%.2f\n", i, p.Row, p.Col)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Float64Var(&sigma, "sigma", 0, "threshold in standard deviations above the median (default: detection.sigma)")
	cmd.Flags().BoolVar(&highPass, "high-pass", false, "subtract a Gaussian low-pass before thresholding")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "Summarize the frames in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.NewJob(pipeline.JobScan, args[0], "", map[string]any{"source": "cli"})
			var result pipeline.Result
			if err := root.enqueueAndWait(cmd.Context(), []pipeline.Job{job}, func(res pipeline.Result) { result = res }); err != nil {
				return err
			}
			if result.Error != nil {
				return result.Error
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result.Meta)
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and optional gRPC service",
		Long: `Start an HTTP server exposing jobs, registrations, a live event stream and
Prometheus metrics. Frames written to the watch paths are registered as they
complete.

Examples:
  cuip serve --addr :8080
  cuip serve --addr :8080 --grpc :9090 --watch /data/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.WatchPaths) == 0 {
				opts.WatchPaths = root.cfg.Server.WatchPaths
			}
			root.log.Info("starting server",
				"addr", opts.Addr,
				"grpc_addr", opts.GRPCAddr,
				"watch_paths", opts.WatchPaths,
			)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc", "", "gRPC listen address (disabled if empty)")
	cmd.Flags().StringSliceVar(&opts.WatchPaths, "watch", nil, "directories to watch for new frames")

	return cmd
}

func newAgentCmd(root *Root) *cobra.Command {
	var cfg agent.Config

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Watch local directories and register new frames on a remote server",
		Long: `Start an agent that detects sources in new local frames and sends them to a
cuip gRPC server for matching and solving. With --remote-load the agent sends
only the frame path and the server reads the frame itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(cfg.WatchDirs) == 0 {
				return fmt.Errorf("at least one --dir must be specified")
			}
			cfg.Geometry = Geometry(root.cfg)
			cfg.Detect = DetectOptions(root.cfg)
			return root.agentFn(cmd.Context(), cfg, root.log)
		},
	}

	cmd.Flags().StringVarP(&cfg.ServerAddress, "server", "s", "localhost"+root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.Flags().StringSliceVarP(&cfg.WatchDirs, "dir", "d", nil, "directories to watch")
	cmd.Flags().StringVar(&cfg.AgentID, "id", "", "agent identifier (default: derived from hostname)")
	cmd.Flags().BoolVar(&cfg.RemoteLoad, "remote-load", false, "let the server read frames by path")
	cmd.Flags().BoolVar(&cfg.SkipTLSVerify, "insecure", false, "connect without TLS")
	cmd.Flags().StringVar(&cfg.CACertPath, "ca-cert", "", "CA certificate for the server")
	cmd.Flags().StringVar(&cfg.TLSCertPath, "cert", "", "client certificate")
	cmd.Flags().StringVar(&cfg.TLSKeyPath, "key", "", "client key")

	return cmd
}

func newCatalogCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the reference catalog",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the catalog points and anchors",
		RunE: func(cmd *cobra.Command, args []string) error {
			set := root.catalog
			anchor := make(map[int]bool, len(set.Anchors))
			for _, a := range set.Anchors {
				anchor[a] = true
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Catalog: %s (%d points, anchors %v)\n", set.Name, len(set.Points), set.Anchors)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tROW\tCOL\tANCHOR")
			for i, p := range set.Points {
				mark := ""
				if anchor[i] {
					mark = "*"
				}
				fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%s\n", i, p.Row, p.Col, mark)
			}
			return tw.Flush()
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <file.yaml>",
		Short: "Write the catalog as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := catalog.SaveYAML(args[0], root.catalog); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote catalog %s to %s\n", root.catalog.Name, args[0])
			return nil
		},
	}

	cmd.AddCommand(showCmd, exportCmd)
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job store not configured")
			}
			jobs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, j.Status, j.InputPath, j.CreatedAt.Format("2006-01-02 15:04:05"), j.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newRegistrationsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "registrations [id]",
		Short: "List recent registrations, or show one as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job store not configured")
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := root.store.Registration(args[0])
				if err != nil {
					return fmt.Errorf("registration %s: %w", args[0], err)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			recs, err := root.store.RecentRegistrations(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFRAME\tSTATUS\tTHETA\tD_ROW\tD_COL\tRESIDUAL")
			for _, r := range recs {
				if r.Status != "completed" {
					fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\t%s\n", r.ID, r.FramePath, r.Status, r.Error)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%.3f\t%.3f\t%.3f\n", r.ID, r.FramePath, r.Status, r.ThetaDegrees, r.DRow, r.DCol, r.Residual)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of registrations to show")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("cuip v%s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
