package budget

import (
	"database/sql"
	"testing"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/pkg/models"
)

func testEnforcer(t *testing.T, cfg Config) (*Enforcer, *state.DB, *bus.Bus) {
	t.Helper()
	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events := bus.New()
	return New(db, events, cfg), db, events
}

func seedSession(t *testing.T, db *state.DB, budgetUSD float64) {
	t.Helper()
	if err := db.CreateSession(&models.Session{ID: "s1", Name: "test", BudgetUSD: budgetUSD}); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func seedTask(t *testing.T, db *state.DB, id string, budgetUSD float64) {
	t.Helper()
	err := db.Transaction(func(tx *sql.Tx) error {
		return state.CreateTaskTx(tx, &models.Task{
			SessionID: "s1", ID: id, Name: id, Type: "coding",
			Prompt: "p", Status: models.TaskRunning, BudgetUSD: budgetUSD,
		})
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func recordCost(t *testing.T, db *state.DB, taskID string, usd float64) {
	t.Helper()
	err := db.Transaction(func(tx *sql.Tx) error {
		return state.InsertCostEntryTx(tx, &models.CostEntry{
			SessionID: "s1", TaskID: taskID, Agent: "claude",
			BillingMode: models.BillingAPI, EstimatedCostUSD: usd,
		})
	})
	if err != nil {
		t.Fatalf("record cost: %v", err)
	}
}

func collect(events *bus.Bus, kind bus.Kind) *[]bus.Event {
	var got []bus.Event
	events.Subscribe(kind, func(ev bus.Event) { got = append(got, ev) })
	return &got
}

func TestTaskBudgetUnlimited(t *testing.T) {
	e, db, events := testEnforcer(t, Config{})
	seedSession(t, db, 0)
	seedTask(t, db, "t1", 0)
	recordCost(t, db, "t1", 999)

	warnings := collect(events, bus.BudgetWarningTask)
	exceeded := collect(events, bus.BudgetExceededTask)

	action, err := e.CheckTaskBudget("s1", "t1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionContinue {
		t.Errorf("action: %s", action)
	}
	if len(*warnings) != 0 || len(*exceeded) != 0 {
		t.Error("zero cap must never emit budget events")
	}
}

func TestTaskBudgetWarning(t *testing.T) {
	e, db, events := testEnforcer(t, Config{})
	seedSession(t, db, 0)
	seedTask(t, db, "t1", 1.00)
	recordCost(t, db, "t1", 0.85)

	warnings := collect(events, bus.BudgetWarningTask)

	action, err := e.CheckTaskBudget("s1", "t1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionContinue {
		t.Errorf("action: %s", action)
	}
	if len(*warnings) != 1 {
		t.Fatalf("warnings: %d", len(*warnings))
	}
	if (*warnings)[0].PercentUsed < 80 {
		t.Errorf("percent: %v", (*warnings)[0].PercentUsed)
	}

	// Warning fires once per task.
	if _, err := e.CheckTaskBudget("s1", "t1", 0); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if len(*warnings) != 1 {
		t.Errorf("warning repeated: %d", len(*warnings))
	}
}

func TestTaskBudgetExceeded(t *testing.T) {
	e, db, events := testEnforcer(t, Config{})
	seedSession(t, db, 0)
	seedTask(t, db, "t1", 1.00)
	recordCost(t, db, "t1", 1.10)

	exceeded := collect(events, bus.BudgetExceededTask)

	action, err := e.CheckTaskBudget("s1", "t1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionTerminate {
		t.Errorf("action: %s", action)
	}
	if len(*exceeded) != 1 || (*exceeded)[0].Action != string(ActionTerminate) {
		t.Errorf("exceeded events: %+v", *exceeded)
	}
}

func TestTaskBudgetIncludesUncommittedDelta(t *testing.T) {
	e, db, _ := testEnforcer(t, Config{})
	seedSession(t, db, 0)
	seedTask(t, db, "t1", 1.00)
	recordCost(t, db, "t1", 0.60)

	action, err := e.CheckTaskBudget("s1", "t1", 0.50)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionTerminate {
		t.Errorf("action: %s", action)
	}
}

func TestTaskBudgetDefaultCap(t *testing.T) {
	e, db, _ := testEnforcer(t, Config{DefaultTaskBudgetUSD: 0.50})
	seedSession(t, db, 0)
	seedTask(t, db, "t1", 0)
	recordCost(t, db, "t1", 0.60)

	action, err := e.CheckTaskBudget("s1", "t1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionTerminate {
		t.Errorf("default cap not applied: %s", action)
	}
}

func TestSessionBudgetWarningThenExceeded(t *testing.T) {
	e, db, events := testEnforcer(t, Config{})
	seedSession(t, db, 1.00)
	seedTask(t, db, "y", 0)
	seedTask(t, db, "z", 0)

	warnings := collect(events, bus.BudgetWarningSession)
	exceeded := collect(events, bus.BudgetExceededSession)

	recordCost(t, db, "y", 0.95)
	action, err := e.CheckSessionBudget("s1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionContinue {
		t.Errorf("action after warning: %s", action)
	}
	if len(*warnings) != 1 {
		t.Fatalf("warnings: %d", len(*warnings))
	}

	recordCost(t, db, "z", 0.10)
	action, err = e.CheckSessionBudget("s1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionTerminateAll {
		t.Errorf("action after exceedance: %s", action)
	}
	if len(*exceeded) != 1 || (*exceeded)[0].Action != string(ActionTerminateAll) {
		t.Errorf("exceeded events: %+v", *exceeded)
	}
}

func TestSessionBudgetPlanningIsolation(t *testing.T) {
	e, db, _ := testEnforcer(t, Config{})
	seedSession(t, db, 1.00)
	seedTask(t, db, "t1", 0)

	// Planning spend of 0.50 plus execution spend of 0.60. With
	// isolation on (the default) only the execution spend counts.
	err := db.Transaction(func(tx *sql.Tx) error {
		return state.AddSessionCostTx(tx, "s1", 0.50, true)
	})
	if err != nil {
		t.Fatalf("add planning cost: %v", err)
	}
	recordCost(t, db, "t1", 0.50)
	err = db.Transaction(func(tx *sql.Tx) error {
		return state.InsertCostEntryTx(tx, &models.CostEntry{
			SessionID: "s1", Agent: "claude",
			BillingMode: models.BillingAPI, EstimatedCostUSD: 0.50,
		})
	})
	if err != nil {
		t.Fatalf("planning entry: %v", err)
	}

	action, err := e.CheckSessionBudget("s1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionContinue {
		t.Errorf("planning spend counted against cap: %s", action)
	}

	// With planning counting, the same totals exceed the cap.
	e2 := New(db, bus.New(), Config{PlanningCounts: true})
	action, err = e2.CheckSessionBudget("s1", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != ActionTerminateAll {
		t.Errorf("planning spend ignored when it should count: %s", action)
	}
}
