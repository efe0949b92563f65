package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycleDetected indicates a circular dependency was found in the
// task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// taskTypes is the set of recognized task type tags.
var taskTypes = map[string]bool{
	"coding":      true,
	"testing":     true,
	"debugging":   true,
	"refactoring": true,
	"docs":        true,
}

// ValidationError describes one problem found in a graph document.
type ValidationError struct {
	// Phase is the validation phase that produced the error: "shape",
	// "version", "dependencies", or "cycle".
	Phase  string
	TaskID string
	Msg    string
}

func (e ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: task %s: %s", e.Phase, e.TaskID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Msg)
}

// Warning is a soft finding that does not block loading.
type Warning struct {
	TaskID string
	Msg    string
}

// Result carries the outcome of validation. Errors from the first
// failing phase only; validation halts there.
type Result struct {
	Errors   []ValidationError
	Warnings []Warning
}

// OK reports whether the document passed validation.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Err folds the errors into a single error, or nil when validation
// passed.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid task graph: %s", strings.Join(msgs, "; "))
}

// Validate checks a parsed document in phases, halting at the first
// phase that reports errors: shape, version compatibility, dependency
// resolution, acyclicity. Soft checks (unknown agent references, zero
// budgets) are returned as warnings and never block. knownAgents may be
// nil to skip the agent check.
func Validate(doc *Document, knownAgents map[string]bool) *Result {
	res := &Result{}

	validateShape(doc, res)
	if !res.OK() {
		return res
	}

	validateVersion(doc, res)
	if !res.OK() {
		return res
	}

	validateDependencies(doc, res)
	if !res.OK() {
		return res
	}

	validateAcyclic(doc, res)
	if !res.OK() {
		return res
	}

	softChecks(doc, knownAgents, res)
	return res
}

func validateShape(doc *Document, res *Result) {
	if doc.Session.Name == "" {
		res.Errors = append(res.Errors, ValidationError{Phase: "shape", Msg: "session.name is required"})
	}
	if doc.Session.BudgetUSD < 0 {
		res.Errors = append(res.Errors, ValidationError{Phase: "shape", Msg: "session.budget_usd must be non-negative"})
	}
	// A graph with zero tasks is legal: the session is created and
	// completes immediately on startExecution.
	for _, id := range sortedTaskIDs(doc) {
		def := doc.Tasks[id]
		if strings.TrimSpace(id) == "" {
			res.Errors = append(res.Errors, ValidationError{Phase: "shape", Msg: "task identifier must be non-empty"})
			continue
		}
		if def.Name == "" {
			res.Errors = append(res.Errors, ValidationError{Phase: "shape", TaskID: id, Msg: "name is required"})
		}
		if strings.TrimSpace(def.Prompt) == "" {
			res.Errors = append(res.Errors, ValidationError{Phase: "shape", TaskID: id, Msg: "prompt is required"})
		}
		if def.Type != "" && !taskTypes[def.Type] {
			res.Errors = append(res.Errors, ValidationError{Phase: "shape", TaskID: id,
				Msg: fmt.Sprintf("unknown task type %q", def.Type)})
		}
		if def.BudgetUSD < 0 {
			res.Errors = append(res.Errors, ValidationError{Phase: "shape", TaskID: id, Msg: "budget_usd must be non-negative"})
		}
		if def.MaxRetries != nil && *def.MaxRetries < 0 {
			res.Errors = append(res.Errors, ValidationError{Phase: "shape", TaskID: id, Msg: "max_retries must be non-negative"})
		}
		for _, dep := range def.DependsOn {
			if dep == id {
				res.Errors = append(res.Errors, ValidationError{Phase: "shape", TaskID: id, Msg: "task cannot depend on itself"})
			}
		}
	}
}

func validateVersion(doc *Document, res *Result) {
	if doc.Version == "" {
		res.Errors = append(res.Errors, ValidationError{Phase: "version", Msg: "version is required"})
		return
	}
	for _, v := range SupportedVersions {
		if doc.Version == v {
			return
		}
	}
	res.Errors = append(res.Errors, ValidationError{Phase: "version",
		Msg: fmt.Sprintf("unsupported version %q (supported: %s)", doc.Version, strings.Join(SupportedVersions, ", "))})
}

func validateDependencies(doc *Document, res *Result) {
	for _, id := range sortedTaskIDs(doc) {
		for _, dep := range doc.Tasks[id].DependsOn {
			if _, ok := doc.Tasks[dep]; !ok {
				res.Errors = append(res.Errors, ValidationError{Phase: "dependencies", TaskID: id,
					Msg: fmt.Sprintf("depends on unknown task %q", dep)})
			}
		}
	}
}

func validateAcyclic(doc *Document, res *Result) {
	if cycle := FindCycle(doc.Edges()); cycle != nil {
		res.Errors = append(res.Errors, ValidationError{Phase: "cycle",
			Msg: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> "))})
	}
}

func softChecks(doc *Document, knownAgents map[string]bool, res *Result) {
	for _, id := range sortedTaskIDs(doc) {
		def := doc.Tasks[id]
		if def.Agent != "" && knownAgents != nil && !knownAgents[def.Agent] {
			res.Warnings = append(res.Warnings, Warning{TaskID: id,
				Msg: fmt.Sprintf("agent %q is not registered", def.Agent)})
		}
		if def.BudgetUSD == 0 && doc.Session.BudgetUSD > 0 {
			res.Warnings = append(res.Warnings, Warning{TaskID: id,
				Msg: "task has no budget cap while the session is capped"})
		}
	}
}

func sortedTaskIDs(doc *Document) []string {
	ids := make([]string, 0, len(doc.Tasks))
	for id := range doc.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
