package engine

import (
	"strings"
	"testing"

	"github.com/substrate-sh/substrate/internal/bus"
	"github.com/substrate-sh/substrate/internal/graph"
	"github.com/substrate-sh/substrate/internal/state"
	"github.com/substrate-sh/substrate/pkg/models"
)

const chainGraph = `
version: "1"
session:
  name: chain
tasks:
  a:
    name: first
    prompt: do a
    type: coding
  b:
    name: second
    prompt: do b
    type: testing
    depends_on: [a]
  c:
    name: third
    prompt: do c
    type: docs
    depends_on: [b]
`

func testEngine(t *testing.T) (*Engine, *state.DB, *bus.Bus) {
	t.Helper()
	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	events := bus.New()
	return New(db, events), db, events
}

func loadChain(t *testing.T, e *Engine) *models.Session {
	t.Helper()
	doc, err := graph.Parse(chainGraph, graph.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	session, err := e.Load(doc, chainGraph, map[string]bool{"claude": true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return session
}

func collect(events *bus.Bus, kind bus.Kind) *[]bus.Event {
	var got []bus.Event
	events.Subscribe(kind, func(ev bus.Event) { got = append(got, ev) })
	return &got
}

func TestLoadPersistsGraph(t *testing.T) {
	e, db, events := testEngine(t)
	loaded := collect(events, bus.GraphLoaded)

	session := loadChain(t, e)

	tasks, err := db.ListTasks(session.ID, nil)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks persisted: %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.TaskPending {
			t.Errorf("task %s initial status %s", task.ID, task.Status)
		}
	}
	if len(*loaded) != 1 {
		t.Errorf("graph:loaded events: %d", len(*loaded))
	}

	entries, err := db.ListLog(session.ID, "")
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != string(bus.GraphLoaded) {
		t.Errorf("log entries: %+v", entries)
	}
}

func TestLoadRejectsInvalidGraphAtomically(t *testing.T) {
	e, db, _ := testEngine(t)

	doc, err := graph.Parse(strings.Replace(chainGraph, "depends_on: [a]", "depends_on: [ghost]", 1), graph.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := e.Load(doc, "", nil); err == nil {
		t.Fatal("expected validation error")
	}

	sessions, err := db.ListSessions(nil)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Error("invalid graph must write no rows")
	}
}

func TestStartExecutionAnnouncesReadySet(t *testing.T) {
	e, _, events := testEngine(t)
	session := loadChain(t, e)

	ready := collect(events, bus.TaskReady)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.State() != StateExecuting {
		t.Errorf("state: %s", e.State())
	}
	if len(*ready) != 1 || (*ready)[0].TaskID != "a" {
		t.Errorf("initial ready set: %+v", *ready)
	}
}

func TestStartExecutionEmptyGraphCompletes(t *testing.T) {
	e, db, events := testEngine(t)
	doc, err := graph.Parse("version: \"1\"\nsession:\n  name: empty\ntasks: {}\n", graph.FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	session, err := e.Load(doc, "", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	complete := collect(events, bus.GraphComplete)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(*complete) != 1 {
		t.Fatalf("graph:complete events: %d", len(*complete))
	}
	s, err := db.GetSession(session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionCompleted {
		t.Errorf("session status: %s", s.Status)
	}
}

func TestCompleteUnlocksSuccessors(t *testing.T) {
	e, _, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ready := collect(events, bus.TaskReady)
	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := e.MarkTaskComplete(session.ID, "a", "done", 0.05); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(*ready) != 1 || (*ready)[0].TaskID != "b" {
		t.Errorf("successor not announced: %+v", *ready)
	}
}

func TestClaimIsExactlyOnce(t *testing.T) {
	e, _, _ := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok1, err := e.MarkTaskRunning(session.ID, "a", "w1")
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	ok2, err := e.MarkTaskRunning(session.ID, "a", "w2")
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if !ok1 || ok2 {
		t.Errorf("claims: first=%v second=%v", ok1, ok2)
	}
}

func TestFailureRetriesThenFails(t *testing.T) {
	e, db, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	ready := collect(events, bus.TaskReady)
	failed := collect(events, bus.TaskFailed)

	for attempt := 0; attempt <= models.DefaultMaxRetries; attempt++ {
		if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
			t.Fatalf("claim attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		if err := e.MarkTaskFailed(session.ID, "a", "boom", 1); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
	}

	if len(*ready) != models.DefaultMaxRetries {
		t.Errorf("retry announcements: %d", len(*ready))
	}
	if len(*failed) != 1 {
		t.Errorf("task:failed events: %d", len(*failed))
	}

	task, err := db.GetTask(session.ID, "a")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.TaskFailed || task.RetryCount != models.DefaultMaxRetries {
		t.Errorf("final task: status=%s retries=%d", task.Status, task.RetryCount)
	}
}

func TestGraphCompleteAndStranded(t *testing.T) {
	e, db, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	complete := collect(events, bus.GraphComplete)

	// Exhaust a's retries so b and c become stranded.
	for attempt := 0; attempt <= models.DefaultMaxRetries; attempt++ {
		if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if err := e.MarkTaskFailed(session.ID, "a", "boom", 1); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	if len(*complete) != 1 {
		t.Fatalf("graph:complete events: %d", len(*complete))
	}

	stranded, err := e.StrandedTasks(session.ID)
	if err != nil {
		t.Fatalf("stranded: %v", err)
	}
	if len(stranded) != 2 {
		t.Errorf("stranded tasks: %d", len(stranded))
	}

	s, err := db.GetSession(session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionFailed {
		t.Errorf("session status: %s", s.Status)
	}
}

func TestHappyPathCompletesSession(t *testing.T) {
	e, db, _ := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if ok, err := e.MarkTaskRunning(session.ID, id, "w1"); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
		}
		if err := e.MarkTaskComplete(session.ID, id, "ok", 0.01); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	s, err := db.GetSession(session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionCompleted {
		t.Errorf("session status: %s", s.Status)
	}
	if e.State() != StateIdle {
		t.Errorf("engine state: %s", e.State())
	}
}

func TestPauseSuppressesReadyAnnouncements(t *testing.T) {
	e, _, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	e.Pause()

	ready := collect(events, bus.TaskReady)
	if err := e.MarkTaskComplete(session.ID, "a", "ok", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(*ready) != 0 {
		t.Errorf("paused engine announced ready tasks: %+v", *ready)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(*ready) != 1 || (*ready)[0].TaskID != "b" {
		t.Errorf("resume did not re-announce: %+v", *ready)
	}
}

func TestCancelRemaining(t *testing.T) {
	e, db, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelled := collect(events, bus.TaskCancelled)
	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	n, err := e.CancelRemaining(session.ID)
	if err != nil {
		t.Fatalf("cancel remaining: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled count: %d", n)
	}
	if len(*cancelled) != 3 {
		t.Errorf("task:cancelled events: %d", len(*cancelled))
	}

	for _, id := range []string{"a", "b", "c"} {
		task, err := db.GetTask(session.ID, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != models.TaskCancelled {
			t.Errorf("task %s: %s", id, task.Status)
		}
	}
}

func TestCancelIsNoOpOnTerminal(t *testing.T) {
	e, _, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := e.MarkTaskComplete(session.ID, "a", "ok", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	cancelled := collect(events, bus.TaskCancelled)
	if err := e.MarkTaskCancelled(session.ID, "a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(*cancelled) != 0 {
		t.Error("terminal task emitted task:cancelled")
	}
}

func TestFailRejectsNonRunningTask(t *testing.T) {
	e, db, _ := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// a was never claimed; a stale failure report must not stick.
	if err := e.MarkTaskFailed(session.ID, "a", "stale report", 1); err == nil {
		t.Fatal("expected error for non-running task")
	}
	task, err := db.GetTask(session.ID, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if task.Status != models.TaskPending || task.RetryCount != 0 {
		t.Errorf("task mutated: status=%s retries=%d", task.Status, task.RetryCount)
	}
}

func TestTerminateSessionCompletesGraph(t *testing.T) {
	e, db, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	complete := collect(events, bus.GraphComplete)
	ready := collect(events, bus.TaskReady)
	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	n, err := e.TerminateSession(session.ID)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled count: %d", n)
	}
	if len(*complete) != 1 || (*complete)[0].Message != string(models.SessionFailed) {
		t.Fatalf("graph:complete events: %+v", *complete)
	}
	if len(*ready) != 0 {
		t.Errorf("termination announced ready tasks: %+v", *ready)
	}

	s, err := db.GetSession(session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionFailed {
		t.Errorf("session status: %s", s.Status)
	}
	if e.State() != StateIdle {
		t.Errorf("engine state: %s", e.State())
	}

	// A second terminate finds nothing left to drive.
	if _, err := e.TerminateSession(session.ID); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if len(*complete) != 1 {
		t.Errorf("graph:complete re-emitted: %d", len(*complete))
	}
}

func TestBeginTerminationForcesFailedCompletion(t *testing.T) {
	e, db, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	complete := collect(events, bus.GraphComplete)
	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// The latch lands before a's completion; the graph must finish
	// failed even though a itself succeeded.
	e.BeginTermination()
	if err := e.MarkTaskComplete(session.ID, "a", "ok", 0.05); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if len(*complete) != 1 || (*complete)[0].Message != string(models.SessionFailed) {
		t.Fatalf("graph:complete events: %+v", *complete)
	}
	s, err := db.GetSession(session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Status != models.SessionFailed {
		t.Errorf("session status: %s", s.Status)
	}
}

func TestHandlersMayCallBackIntoEngine(t *testing.T) {
	e, db, events := testEngine(t)
	session := loadChain(t, e)
	if err := e.StartExecution(session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A dispatcher may claim a successor the moment it is announced;
	// events are delivered outside the engine's critical section.
	claimed := make(chan error, 1)
	events.Subscribe(bus.TaskReady, func(ev bus.Event) {
		if ev.TaskID != "b" {
			return
		}
		_, err := e.MarkTaskRunning(session.ID, "b", "w2")
		claimed <- err
	})

	if ok, err := e.MarkTaskRunning(session.ID, "a", "w1"); err != nil || !ok {
		t.Fatalf("claim a: ok=%v err=%v", ok, err)
	}
	if err := e.MarkTaskComplete(session.ID, "a", "ok", 0); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	select {
	case err := <-claimed:
		if err != nil {
			t.Fatalf("claim b from handler: %v", err)
		}
	default:
		t.Fatal("task:ready for b was not delivered synchronously")
	}
	task, err := db.GetTask(session.ID, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if task.Status != models.TaskRunning {
		t.Errorf("b: %s", task.Status)
	}
}
