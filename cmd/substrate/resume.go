package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/internal/config"
	"github.com/substrate-sh/substrate/internal/orchestrator"
	"github.com/substrate-sh/substrate/pkg/models"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused or interrupted session",
	Long: `Resume a session.

A paused session (one with a live orchestrator) gets a resume signal;
the orchestrator picks it up on its next poll and continues dispatch.

An interrupted session (orchestrator crashed or was shut down) is
restarted in this process: tasks that were running are already back in
the queue with their retry counters incremented, and execution
continues where it left off.

Without a session id, the most recent interrupted session is resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	// A paused session has a live orchestrator; signal it instead of
	// starting a second one.
	if len(args) > 0 {
		db, err := openProjectDB()
		if err != nil {
			return err
		}
		session, err := db.GetSession(args[0])
		if err != nil {
			db.Close()
			return err
		}
		if session == nil {
			db.Close()
			return usageError("unknown session %q", args[0])
		}
		if session.Status == models.SessionPaused {
			err := db.InsertSignal(session.ID, models.SignalResume)
			db.Close()
			if err != nil {
				return fmt.Errorf("insert signal: %w", err)
			}
			fmt.Printf("Session %s will resume on the orchestrator's next poll.\n", session.ID[:8])
			return nil
		}
		db.Close()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	orch := orchestrator.New(root, cfg)
	if err := orch.Initialize(); err != nil {
		return err
	}
	defer orch.Close()

	var session *models.Session
	if len(args) > 0 {
		session, err = orch.DB.GetSession(args[0])
		if err != nil {
			return err
		}
		if session == nil {
			return usageError("unknown session %q", args[0])
		}
	} else {
		session, err = orch.Recovery.FindInterruptedSession()
		if err != nil {
			return err
		}
		if session == nil {
			return usageError("no interrupted session to resume")
		}
	}

	if err := orch.Recovery.ResumeSession(session.ID); err != nil {
		return usageError("%v", err)
	}
	fmt.Printf("Resuming session %s: %s\n", session.ID[:8], session.Name)

	code := orch.Run(session.ID)
	orch.Shutdown("run finished")
	printSummary(orch, session.ID)
	if code != exitOK {
		return &exitError{code: code}
	}
	return nil
}
