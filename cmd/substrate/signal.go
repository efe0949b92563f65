package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/pkg/models"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Pause a running session",
	Long: `Leave a pause signal for the running orchestrator.

The orchestrator polls for signals roughly twice a second; on pickup it
stops dispatching new tasks. Tasks already in flight run to completion.
Without a session id the single active session is paused.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args, models.SignalPause, "paused")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Cancel a running session",
	Long: `Leave a cancel signal for the running orchestrator.

On pickup, every in-flight agent receives graceful termination, all
remaining tasks are marked cancelled, worktrees are cleaned up, and the
session ends with status cancelled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(args, models.SignalCancel, "cancelled")
	},
}

// sendSignal inserts a signal row for the resolved session.
func sendSignal(args []string, kind models.SignalKind, verb string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	session, err := resolveLiveSession(db, args)
	if err != nil {
		return err
	}
	if err := db.InsertSignal(session.ID, kind); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	fmt.Printf("Session %s will be %s on the orchestrator's next poll.\n", session.ID[:8], verb)
	return nil
}

// openProjectDB opens the store for the surrounding git repository.
func openProjectDB() (*state.DB, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	path := state.ProjectDBPath(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, usageError("no substrate state found; run 'substrate run <graph-file>' first")
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// resolveLiveSession finds the session a control command targets:
// the explicit id when given, otherwise the single active or paused
// session.
func resolveLiveSession(db *state.DB, args []string) (*models.Session, error) {
	if len(args) > 0 {
		session, err := db.GetSession(args[0])
		if err != nil {
			return nil, err
		}
		if session == nil {
			return nil, usageError("unknown session %q", args[0])
		}
		return session, nil
	}

	var live []*models.Session
	for _, status := range []models.SessionStatus{models.SessionActive, models.SessionPaused} {
		s := status
		sessions, err := db.ListSessions(&s)
		if err != nil {
			return nil, err
		}
		live = append(live, sessions...)
	}
	switch len(live) {
	case 0:
		return nil, usageError("no active session")
	case 1:
		return live[0], nil
	default:
		return nil, usageError("multiple live sessions; specify a session id")
	}
}
