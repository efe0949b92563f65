package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/substrate-sh/substrate/internal/config"
	"github.com/substrate-sh/substrate/internal/graph"
	"github.com/substrate-sh/substrate/internal/orchestrator"
	"github.com/substrate-sh/substrate/pkg/models"
)

var (
	runMaxConcurrency int
	runFormat         string
)

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Execute a task graph",
	Long: `Load a task graph from a YAML or JSON file and execute it.

Each task runs in an isolated git worktree on its own branch. Tasks are
dispatched as their dependencies complete, up to the concurrency limit.
Cost is recorded per task; budget caps from the graph file or the
config are enforced mid-flight.

The run can be controlled from another terminal with
'substrate pause', 'substrate resume', and 'substrate cancel'.

Exit codes: 0 success, 1 system error, 2 invalid graph, 3 budget
exceeded, 4 all tasks failed, 130 interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func init() {
	runCmd.Flags().IntVarP(&runMaxConcurrency, "max-concurrency", "c", 0,
		"Maximum simultaneous agents (overrides config)")
	runCmd.Flags().StringVar(&runFormat, "format", "",
		"Graph file format: yaml or json (default: inferred from extension)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runMaxConcurrency > 0 {
		cfg.MaxConcurrency = runMaxConcurrency
	}

	var doc *graph.Document
	if runFormat != "" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return usageError("read graph file: %v", err)
		}
		doc, err = graph.Parse(string(data), graph.Format(runFormat))
		if err != nil {
			return usageError("%v", err)
		}
	} else {
		doc, err = graph.ParseFile(args[0])
		if err != nil {
			return usageError("%v", err)
		}
	}

	orch := orchestrator.New(root, cfg)
	if err := orch.Initialize(); err != nil {
		return err
	}
	defer orch.Close()

	stopWatch, err := config.Watch(func(fresh *config.Config) {
		orch.Enforcer.SetWarningThreshold(fresh.Budget.WarningThresholdPct)
	})
	if err == nil {
		defer stopWatch()
	}

	session, err := orch.Engine.Load(doc, args[0], orch.Registry.Known())
	if err != nil {
		return usageError("%v", err)
	}
	fmt.Printf("Session %s: %s (%d tasks)\n", session.ID[:8], session.Name, len(doc.Tasks))
	if order, err := graph.TopologicalOrder(doc.Edges()); err == nil && len(order) > 0 {
		fmt.Printf("Order: %s\n", strings.Join(order, " -> "))
	}

	code := orch.Run(session.ID)
	orch.Shutdown("run finished")
	printSummary(orch, session.ID)
	if code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

// printSummary reports the final session state, including tasks left
// stranded by failed dependencies.
func printSummary(orch *orchestrator.Orchestrator, sessionID string) {
	session, err := orch.DB.GetSession(sessionID)
	if err != nil || session == nil {
		return
	}
	counts, err := orch.DB.CountTasksByStatus(sessionID)
	if err != nil {
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("\nSession %s: %d/%d tasks completed, $%.4f spent\n",
		colorSessionStatus(session.Status), counts[models.TaskCompleted], total, session.TotalCostUSD)

	stranded, err := orch.Engine.StrandedTasks(sessionID)
	if err == nil && len(stranded) > 0 {
		fmt.Printf("%d task(s) never ran because a dependency failed:\n", len(stranded))
		for _, task := range stranded {
			fmt.Printf("  - %s (%s)\n", task.ID, task.Name)
		}
	}
}
