package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/pkg/models"
)

var (
	sessionsPurge   bool
	sessionsArchive string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List orchestration sessions",
	Long: `List all sessions recorded in this project, most recent first.

With --archive <id>, marks a session abandoned: it stays in history but
can never be resumed.

With --purge, deletes abandoned sessions older than 30 days.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsPurge, "purge", false,
		"Delete abandoned sessions older than 30 days")
	sessionsCmd.Flags().StringVar(&sessionsArchive, "archive", "",
		"Mark the given session abandoned")
}

func runSessions(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if sessionsArchive != "" {
		session, err := db.GetSession(sessionsArchive)
		if err != nil {
			return err
		}
		if session == nil {
			return usageError("unknown session %q", sessionsArchive)
		}
		if err := db.ArchiveSession(session.ID); err != nil {
			return err
		}
		fmt.Printf("Archived session %s.\n", session.ID[:8])
		return nil
	}

	if sessionsPurge {
		n, err := db.PurgeAbandonedSessions(30 * 24 * time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d abandoned session(s).\n", n)
		return nil
	}

	sessions, err := db.ListSessions(nil)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	for _, s := range sessions {
		counts, err := db.CountTasksByStatus(s.ID)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("%s  %-11s  %-30s  %d/%d tasks  $%.4f  %s\n",
			s.ID[:8],
			colorSessionStatus(s.Status),
			truncate(s.Name, 30),
			counts[models.TaskCompleted], total,
			s.TotalCostUSD,
			statusFaint(s.UpdatedAt.Local().Format(time.RFC822)))
	}
	return nil
}
