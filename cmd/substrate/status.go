package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session state",
	Long: `Display the state of a session: its status, cost against budget,
and a per-task breakdown.

Without a session id, shows the most recently updated session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusGreen  = color.New(color.FgGreen).SprintFunc()
	statusYellow = color.New(color.FgYellow).SprintFunc()
	statusRed    = color.New(color.FgRed).SprintFunc()
	statusFaint  = color.New(color.Faint).SprintFunc()
	statusBold   = color.New(color.Bold).SprintFunc()
)

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var session *models.Session
	if len(args) > 0 {
		session, err = db.GetSession(args[0])
		if err != nil {
			return err
		}
		if session == nil {
			return usageError("unknown session %q", args[0])
		}
	} else {
		sessions, err := db.ListSessions(nil)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions. Run 'substrate run <graph-file>' to start.")
			return nil
		}
		session = sessions[0]
	}

	fmt.Printf("%s %s\n", statusBold(session.Name), statusFaint("("+session.ID[:8]+")"))
	fmt.Printf("  Status:  %s\n", colorSessionStatus(session.Status))
	if session.BudgetUSD > 0 {
		fmt.Printf("  Cost:    $%.4f of $%.2f\n", session.TotalCostUSD, session.BudgetUSD)
	} else {
		fmt.Printf("  Cost:    $%.4f\n", session.TotalCostUSD)
	}
	if session.PlanningCostUSD > 0 {
		fmt.Printf("  Planning: $%.4f\n", session.PlanningCostUSD)
	}
	fmt.Printf("  Started: %s\n", session.CreatedAt.Local().Format(time.RFC822))
	fmt.Println()

	tasks, err := db.ListTasks(session.ID, nil)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	counts := map[models.TaskStatus]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	fmt.Printf("Tasks: %d total, %d completed, %d running, %d failed\n\n",
		len(tasks), counts[models.TaskCompleted], counts[models.TaskRunning], counts[models.TaskFailed])

	for _, t := range tasks {
		line := fmt.Sprintf("  %-12s %-24s %s", colorTaskStatus(t.Status), t.ID, statusFaint(t.Name))
		if t.CostUSD > 0 {
			line += fmt.Sprintf("  $%.4f", t.CostUSD)
		}
		if t.RetryCount > 0 {
			line += statusFaint(fmt.Sprintf("  (retries: %d/%d)", t.RetryCount, t.MaxRetries))
		}
		fmt.Println(line)
		if t.Status == models.TaskFailed && t.Error != "" {
			fmt.Printf("    %s\n", statusRed(truncate(t.Error, 100)))
		}
	}
	return nil
}

func colorSessionStatus(s models.SessionStatus) string {
	switch s {
	case models.SessionCompleted:
		return statusGreen(string(s))
	case models.SessionActive, models.SessionPaused:
		return statusYellow(string(s))
	case models.SessionFailed, models.SessionCancelled:
		return statusRed(string(s))
	default:
		return string(s)
	}
}

func colorTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskCompleted:
		return statusGreen(string(s))
	case models.TaskRunning:
		return statusYellow(string(s))
	case models.TaskFailed:
		return statusRed(string(s))
	default:
		return statusFaint(string(s))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
