package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/cwlcore/internal/config"
	"github.com/me/cwlcore/internal/executor"
	"github.com/me/cwlcore/internal/fsaccess"
	"github.com/me/cwlcore/internal/loader"
	"github.com/me/cwlcore/internal/store"
	"github.com/me/cwlcore/pkg/cwl"
	"github.com/me/cwlcore/pkg/model"
)

// errRunFailed is returned when the run finished without succeeding.
var errRunFailed = errors.New("run did not succeed")

func newRunCmd(f *flags) *cobra.Command {
	var outputFormat string
	var report bool
	cmd := &cobra.Command{
		Use:   "run <process> [job-file]",
		Short: "Execute a tool or workflow and print its outputs",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			procPath, jobPath := splitArgs(args)
			res, err := execute(ctx, cfg, procPath, jobPath, logger)
			if res == nil {
				return err
			}
			if werr := writeResult(cmd.OutOrStdout(), res, outputFormat, report); werr != nil {
				return werr
			}
			if err != nil {
				return err
			}
			if res.Status != model.RunSucceeded {
				return fmt.Errorf("%w: %s", errRunFailed, res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output-format", "o", "json", "Output format (json|yaml)")
	cmd.Flags().BoolVar(&report, "report", false, "Print the full run report with per-step results")
	return cmd
}

// execute loads procPath and jobPath and runs them. Outputs are relocated
// to cfg.OutDir; the sandboxes go unless KeepTmp is set.
func execute(ctx context.Context, cfg config.EngineConfig, procPath, jobPath string, logger *slog.Logger) (*executor.Result, error) {
	proc, err := loader.New(logger).LoadProcess(procPath)
	if err != nil {
		return nil, err
	}
	inputs, err := loader.LoadInputs(jobPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmpdir: %w", err)
	}
	workRoot, err := os.MkdirTemp(cfg.TmpDir, "run-")
	if err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}

	var rec executor.Recorder
	if cfg.DBPath != "" {
		st, err := store.NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		rec = st
	}

	exec, err := newExecutor(cfg, workRoot, rec, logger)
	if err != nil {
		return nil, err
	}
	res, runErr := exec.Invoke(ctx, proc, inputs)
	if res == nil {
		os.RemoveAll(workRoot)
		return nil, runErr
	}

	if res.Outputs != nil {
		rel, err := newRelocator(fsaccess.Local{}, cfg.OutDir)
		if err != nil {
			return res, err
		}
		out, err := rel.relocate(res.Outputs)
		if err != nil {
			return res, err
		}
		res.Outputs = out.(map[string]any)
	}
	if !cfg.KeepTmp && (res.Status == model.RunSucceeded || !cfg.PreserveFailed) {
		if err := os.RemoveAll(workRoot); err != nil {
			logger.Warn("remove work root", "path", workRoot, "error", err)
		}
	} else {
		logger.Info("sandboxes kept", "path", workRoot)
	}
	return res, runErr
}

func writeResult(w io.Writer, res *executor.Result, format string, report bool) error {
	var v any = res.Outputs
	if report {
		v = res
	} else if res.Outputs == nil {
		v = map[string]any{}
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		data, err := cwl.MarshalValues(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
