package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/worktree"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees",
	Long: `Reclaim worktree directories left behind by a crash or kill.

Scans the .substrate-worktrees directory and removes every worktree
whose task is missing or no longer running, along with its branch.
The same reclamation runs automatically at the start of every
'substrate run' and 'substrate resume'.

Use this after a crash to clean up without starting a run.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false,
		"List worktrees without removing anything")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	manager := worktree.NewManager(root, db, bus.New())
	if err := manager.VerifyGitVersion(); err != nil {
		return err
	}

	if cleanupDryRun {
		worktrees, err := manager.ListWorktrees()
		if err != nil {
			return err
		}
		if len(worktrees) == 0 {
			fmt.Println("No worktrees found.")
			return nil
		}
		fmt.Printf("Found %d worktree(s):\n", len(worktrees))
		for _, wt := range worktrees {
			fmt.Printf("  %s (branch %s)\n", wt.Path, wt.Branch)
		}
		fmt.Println("Dry run: nothing removed.")
		return nil
	}

	reclaimed, err := manager.CleanupAllWorktrees()
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d orphaned worktree(s).\n", reclaimed)
	return nil
}
