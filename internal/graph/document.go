// Package graph parses, validates, and models the task graph documents
// that describe an orchestration run.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format tags the wire format of a graph document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// SupportedVersions enumerates accepted document versions.
var SupportedVersions = []string{"1", "1.0"}

// Document is the external task graph description.
type Document struct {
	Version string             `yaml:"version" json:"version"`
	Session SessionDef         `yaml:"session" json:"session"`
	Tasks   map[string]TaskDef `yaml:"tasks" json:"tasks"`
}

// SessionDef describes the session-level attributes of a run.
type SessionDef struct {
	Name       string  `yaml:"name" json:"name"`
	BudgetUSD  float64 `yaml:"budget_usd" json:"budget_usd"`
	BaseBranch string  `yaml:"base_branch" json:"base_branch"`
}

// TaskDef describes one task in the document.
type TaskDef struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Type        string   `yaml:"type" json:"type"`
	Agent       string   `yaml:"agent" json:"agent"`
	Model       string   `yaml:"model" json:"model"`
	BudgetUSD   float64  `yaml:"budget_usd" json:"budget_usd"`
	MaxRetries  *int     `yaml:"max_retries" json:"max_retries"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on"`
}

// Edges returns the document's dependency edge map: task id to the ids
// it depends on.
func (d *Document) Edges() map[string][]string {
	edges := make(map[string][]string, len(d.Tasks))
	for id, def := range d.Tasks {
		edges[id] = def.DependsOn
	}
	return edges
}

// ParseFile reads and parses a graph document, inferring the format
// from the file extension (.json means JSON, anything else YAML).
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return Parse(string(data), format)
}

// Parse parses a graph document from a string with an explicit format
// tag.
func Parse(content string, format Format) (*Document, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty graph document")
	}

	var doc Document
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown graph format %q", format)
	}
	return &doc, nil
}
