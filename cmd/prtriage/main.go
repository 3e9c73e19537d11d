package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code. Subcommands report
// their own exit codes; cobra errors (bad flags, unknown commands) exit 1.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	root := newRootCommand(&code, stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return code
}

func newRootCommand(code *int, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "prtriage",
		Short:         "supervise PR-triage agent runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("command is required (run, status)")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	var ro runOptions
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one supervised triage session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runTriage(cmd.Context(), ro, stdout, stderr)
			return nil
		},
	}
	runCmd.Flags().StringVar(&ro.configPath, "config", "", "run config (YAML or JSON)")
	runCmd.Flags().StringVar(&ro.runID, "run-id", "", "run id (default: a new ULID)")
	runCmd.Flags().StringVar(&ro.resultsDir, "results-dir", "", "override results_dir from the config")
	runCmd.Flags().BoolVarP(&ro.verbose, "verbose", "v", false, "debug logging")
	_ = runCmd.MarkFlagRequired("config")

	var so statusOptions
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report the health of a run from its heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runStatus(cmd.Context(), so, stdout, stderr)
			return nil
		},
	}
	statusCmd.Flags().StringVar(&so.resultsDir, "results-dir", "", "results directory (default: from --config, else "+defaultResultsDirHint+")")
	statusCmd.Flags().StringVar(&so.configPath, "config", "", "read results_dir from this run config")
	statusCmd.Flags().StringVar(&so.runID, "run-id", "", "run id (default: latest run)")
	statusCmd.Flags().BoolVar(&so.asJSON, "json", false, "print JSON")

	root.AddCommand(runCmd, statusCmd)
	return root
}
