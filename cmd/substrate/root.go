package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Exit codes emitted by the drivers.
const (
	exitOK          = 0
	exitSystemError = 1
	exitUsageError  = 2
	exitBudget      = 3
	exitAllFailed   = 4
	exitInterrupted = 130
)

// exitError carries an explicit process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsageError, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "substrate",
	Short: "Multi-agent software-development orchestrator",
	Long: `Substrate executes a directed acyclic graph of coding tasks by
dispatching isolated CLI coding agents, each in its own git worktree.

It schedules tasks as their dependencies complete, bounds parallelism,
tracks per-task and per-session cost against budgets, and persists all
state so an interrupted run can be resumed.

Start a run:
  substrate run tasks.yaml

Control a running session from another terminal:
  substrate pause
  substrate resume
  substrate cancel

Inspect state:
  substrate status
  substrate sessions`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits the process with the
// command's exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitSystemError)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

// findGitRoot walks up from dir to the repository root.
func findGitRoot(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside a git repository")
		}
		dir = parent
	}
}

// projectRoot resolves the git repository containing the working
// directory.
func projectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return findGitRoot(cwd)
}
