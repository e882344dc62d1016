package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/cwlcore/internal/config"
	"github.com/me/cwlcore/internal/job"
	"github.com/me/cwlcore/internal/loader"
	"github.com/me/cwlcore/pkg/cwl"
)

func newPrintCommandCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "print-command <tool> [job-file]",
		Short: "Print the command line a tool would run, without executing it",
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
			procPath, jobPath := splitArgs(args)
			return printCommand(cmd.OutOrStdout(), cfg, procPath, jobPath, logger)
		},
	}
}

// printCommand builds the job for a CommandLineTool and prints its command
// line. Nothing is staged or run.
func printCommand(w io.Writer, cfg config.EngineConfig, procPath, jobPath string, logger *slog.Logger) error {
	proc, err := loader.New(logger).LoadProcess(procPath)
	if err != nil {
		return err
	}
	if proc.Kind != cwl.KindCommandLineTool {
		return fmt.Errorf("%s is a %s; print-command needs a CommandLineTool", proc.ID, proc.Kind)
	}
	inputs, err := loader.LoadInputs(jobPath)
	if err != nil {
		return err
	}

	workRoot, err := os.MkdirTemp("", "cwl-print-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workRoot)

	opts, err := jobOptions(cfg, workRoot, logger)
	if err != nil {
		return err
	}
	j, err := job.New(proc.ID, proc, inputs, opts)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, j.Command())
	return err
}

func newValidateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <process>",
		Short: "Load and check a document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			proc, err := loader.New(logger).LoadProcess(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid\n", proc.Kind, proc.ID)
			return nil
		},
	}
}
