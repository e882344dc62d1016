// cwl-run executes CWL tools and workflows on the local host.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/cwlcore/internal/config"
	"github.com/me/cwlcore/internal/cwlexpr"
	"github.com/me/cwlcore/internal/executor"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/internal/job"
	"github.com/me/cwlcore/internal/logging"
	"github.com/me/cwlcore/internal/process"
	"github.com/me/cwlcore/internal/sandbox"
	"github.com/me/cwlcore/pkg/model"
)

const version = "0.3.0"

// flags holds command line values. A flag only overrides the config file
// when it was given explicitly.
type flags struct {
	configPath string

	outDir         string
	tmpDir         string
	cores          float64
	ram            string
	workers        int
	maxRetries     int
	failureMode    string
	runtime        string
	keepTmp        bool
	preserveFailed bool
	copyInputs     bool
	timeout        string
	logLevel       string
	logFormat      string
	dbPath         string
	verbose        bool
	quiet          bool
}

func main() {
	cwlexpr.Init()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root, _ := newRoot()
	return root
}

// newRoot returns the root command and the flags its commands read.
func newRoot() (*cobra.Command, *flags) {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:     "cwl-run",
		Short:   "Run CWL tools and workflows",
		Version: version,
		Long: `cwl-run executes CWL command line tools, expression tools and workflows.

Examples:
  # Run a workflow with a job file
  cwl-run run workflow.cwl job.yml

  # Run one process of a packed document
  cwl-run run packed.cwl#main job.yml

  # Print the command line a tool would run
  cwl-run print-command tool.cwl job.yml

  # Serve the run API
  cwl-run serve --db runs.db
`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Engine config file (YAML)")
	pf.StringVar(&f.outDir, "outdir", "", "Final output directory")
	pf.StringVar(&f.tmpDir, "tmpdir", "", "Root directory for job sandboxes")
	pf.Float64Var(&f.cores, "cores", 0, "Core budget")
	pf.StringVar(&f.ram, "ram", "", "RAM budget (MiB count or size such as 8GiB)")
	pf.IntVarP(&f.workers, "jobs", "j", 0, "Maximum concurrent jobs (0 = bounded by budget only)")
	pf.IntVar(&f.maxRetries, "max-retries", 0, "Retries after a temporary failure (0 disables)")
	pf.StringVar(&f.failureMode, "failure-mode", "", "Failure mode: strict or best-effort")
	pf.StringVar(&f.runtime, "runtime", "", "Job runtime: local or docker")
	pf.BoolVar(&f.keepTmp, "keep-tmp", false, "Keep every job sandbox")
	pf.BoolVar(&f.preserveFailed, "preserve-failed", true, "Keep the sandboxes of failed jobs")
	pf.BoolVar(&f.copyInputs, "copy-inputs", false, "Copy inputs into sandboxes instead of linking")
	pf.StringVar(&f.timeout, "timeout", "", "Default per-job time limit (Go duration)")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	pf.StringVar(&f.dbPath, "db", "", "SQLite database recording runs")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Shorthand for --log-level=debug")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "Shorthand for --log-level=error")

	rootCmd.AddCommand(newRunCmd(f))
	rootCmd.AddCommand(newPrintCommandCmd(f))
	rootCmd.AddCommand(newValidateCmd(f))
	rootCmd.AddCommand(newServeCmd(f))
	return rootCmd, f
}

// loadConfig builds the effective config: defaults, then the config file,
// then explicitly set flags.
func (f *flags) loadConfig(cmd *cobra.Command) (config.EngineConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("outdir") {
		cfg.OutDir = f.outDir
	}
	if changed("tmpdir") {
		cfg.TmpDir = f.tmpDir
	}
	if changed("cores") {
		cfg.Budget.Cores = f.cores
	}
	if changed("ram") {
		cfg.Budget.RAM = f.ram
	}
	if changed("jobs") {
		cfg.Workers = f.workers
	}
	if changed("max-retries") {
		cfg.MaxRetries = f.maxRetries
	}
	if changed("failure-mode") {
		cfg.FailureMode = model.FailureMode(f.failureMode)
	}
	if changed("runtime") {
		cfg.Runtime = f.runtime
	}
	if changed("keep-tmp") {
		cfg.KeepTmp = f.keepTmp
	}
	if changed("preserve-failed") {
		cfg.PreserveFailed = f.preserveFailed
	}
	if changed("copy-inputs") {
		cfg.CopyInputs = f.copyInputs
	}
	if changed("timeout") {
		cfg.DefaultTimeout = f.timeout
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("db") {
		cfg.DBPath = f.dbPath
	}
	switch {
	case f.verbose:
		cfg.LogLevel = "debug"
	case f.quiet:
		cfg.LogLevel = "error"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.EngineConfig) (*slog.Logger, error) {
	return logging.Setup(cfg.LogLevel, strings.ToLower(cfg.LogFormat), os.Stderr)
}

// jobOptions returns the job settings for sandboxes under workRoot. Inputs
// may be local paths or http(s) URLs.
func jobOptions(cfg config.EngineConfig, workRoot string, logger *slog.Logger) (job.Options, error) {
	rt, err := sandbox.New(cfg.Runtime)
	if err != nil {
		return job.Options{}, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return job.Options{}, err
	}
	return job.Options{
		Runtime:        rt,
		FS:             fsaccess.NewRouter(fsaccess.HTTPConfig{MaxRetries: 2}),
		WorkRoot:       workRoot,
		DefaultTimeout: timeout,
		CopyInputs:     cfg.CopyInputs,
		KeepTmp:        cfg.KeepTmp,
		PreserveFailed: cfg.PreserveFailed,
		Logger:         logger,
	}, nil
}

func newExecutor(cfg config.EngineConfig, workRoot string, rec executor.Recorder, logger *slog.Logger) (*executor.Executor, error) {
	opts, err := jobOptions(cfg, workRoot, logger)
	if err != nil {
		return nil, err
	}
	budget, err := cfg.Resources()
	if err != nil {
		return nil, err
	}
	return executor.New(executor.Config{
		Budget:      budget,
		FailureMode: cfg.FailureMode,
		MaxRetries:  cfg.ExecutorRetries(),
		Workers:     cfg.Workers,
		Factory:     &process.Factory{Jobs: opts},
		Recorder:    rec,
		Logger:      logger,
	}), nil
}

// splitArgs returns the process reference and the optional job file.
func splitArgs(args []string) (string, string) {
	if len(args) > 1 {
		return args[0], args[1]
	}
	return args[0], ""
}
