package graph

import (
	"strings"
	"testing"
)

const validYAML = `
version: "1"
session:
  name: build auth
  budget_usd: 2.5
tasks:
  a:
    name: scaffold
    prompt: scaffold the module
    type: coding
  b:
    name: tests
    prompt: write tests
    type: testing
    depends_on: [a]
`

func TestParseYAML(t *testing.T) {
	doc, err := Parse(validYAML, FormatYAML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Version != "1" {
		t.Errorf("version: got %q", doc.Version)
	}
	if doc.Session.Name != "build auth" || doc.Session.BudgetUSD != 2.5 {
		t.Errorf("session: %+v", doc.Session)
	}
	if len(doc.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(doc.Tasks))
	}
	if got := doc.Tasks["b"].DependsOn; len(got) != 1 || got[0] != "a" {
		t.Errorf("depends_on: %v", got)
	}
}

func TestParseJSON(t *testing.T) {
	content := `{
		"version": "1.0",
		"session": {"name": "s"},
		"tasks": {
			"x": {"name": "x", "prompt": "p", "type": "coding"}
		}
	}`
	doc, err := Parse(content, FormatJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Version != "1.0" || doc.Tasks["x"].Prompt != "p" {
		t.Errorf("unexpected doc: %+v", doc)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	if _, err := Parse("   ", FormatYAML); err == nil {
		t.Error("expected error for empty document")
	}
}

func TestValidateAccepts(t *testing.T) {
	doc, _ := Parse(validYAML, FormatYAML)
	res := Validate(doc, nil)
	if !res.OK() {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}

func TestValidateShapeErrors(t *testing.T) {
	doc := &Document{
		Version: "1",
		Session: SessionDef{Name: "s"},
		Tasks: map[string]TaskDef{
			"a": {Name: "", Prompt: "", Type: "sorcery"},
		},
	}
	res := Validate(doc, nil)
	if res.OK() {
		t.Fatal("expected shape errors")
	}
	for _, e := range res.Errors {
		if e.Phase != "shape" {
			t.Errorf("expected only shape errors, got phase %q", e.Phase)
		}
	}
}

func TestValidateUnsupportedVersion(t *testing.T) {
	doc := &Document{
		Version: "2",
		Session: SessionDef{Name: "s"},
		Tasks:   map[string]TaskDef{"a": {Name: "a", Prompt: "p"}},
	}
	res := Validate(doc, nil)
	if res.OK() || res.Errors[0].Phase != "version" {
		t.Errorf("expected version error, got %v", res.Errors)
	}
}

func TestValidateMissingDependencyNamesReferrer(t *testing.T) {
	doc := &Document{
		Version: "1",
		Session: SessionDef{Name: "s"},
		Tasks: map[string]TaskDef{
			"a": {Name: "a", Prompt: "p", DependsOn: []string{"ghost"}},
		},
	}
	res := Validate(doc, nil)
	if res.OK() {
		t.Fatal("expected dependency error")
	}
	e := res.Errors[0]
	if e.Phase != "dependencies" || e.TaskID != "a" || !strings.Contains(e.Msg, "ghost") {
		t.Errorf("error should name referrer and missing id: %v", e)
	}
}

func TestValidateCycleReportsPath(t *testing.T) {
	doc := &Document{
		Version: "1",
		Session: SessionDef{Name: "s"},
		Tasks: map[string]TaskDef{
			"a": {Name: "a", Prompt: "p", DependsOn: []string{"b"}},
			"b": {Name: "b", Prompt: "p", DependsOn: []string{"a"}},
		},
	}
	res := Validate(doc, nil)
	if res.OK() {
		t.Fatal("expected cycle error")
	}
	msg := res.Errors[0].Msg
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") {
		t.Errorf("cycle path should contain both nodes: %q", msg)
	}
}

func TestValidateWarnsOnUnknownAgent(t *testing.T) {
	doc := &Document{
		Version: "1",
		Session: SessionDef{Name: "s"},
		Tasks: map[string]TaskDef{
			"a": {Name: "a", Prompt: "p", Agent: "mystery"},
		},
	}
	res := Validate(doc, map[string]bool{"claude": true})
	if !res.OK() {
		t.Fatalf("warnings must not fail validation: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected unknown-agent warning")
	}
}

func TestFindCycleReturnsClosedPath(t *testing.T) {
	edges := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}
	cycle := FindCycle(edges)
	if cycle == nil {
		t.Fatal("expected cycle")
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("cycle should start and end at the same node: %v", cycle)
	}
}

func TestFindCycleNilOnDAG(t *testing.T) {
	edges := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}
	if cycle := FindCycle(edges); cycle != nil {
		t.Errorf("expected no cycle, got %v", cycle)
	}
}

func TestTopologicalOrder(t *testing.T) {
	edges := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}
	order, err := TopologicalOrder(edges)
	if err != nil {
		t.Fatalf("topo: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for id, deps := range edges {
		for _, dep := range deps {
			if pos[dep] > pos[id] {
				t.Errorf("dependency %s should precede %s in %v", dep, id, order)
			}
		}
	}
}

func TestUnreachableMarksTransitiveDependents(t *testing.T) {
	edges := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": nil,
	}
	blocked := map[string]bool{"a": true}
	un := Unreachable(edges, blocked)
	if !un["b"] || !un["c"] {
		t.Errorf("expected b and c unreachable, got %v", un)
	}
	if un["d"] {
		t.Error("d should remain reachable")
	}
}
