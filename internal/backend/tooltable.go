package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentwire/agentwire/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// ToolTable is the declarative per-backend mapping from tool names to the
// presentation the bridge derives for them: a title template, a tool kind,
// and the file locations or diff content implied by the tool's structured
// input. It is owned by the backend binding and injected into the translator;
// resolution is total via an "other" fallback.
type ToolTable struct {
	// PlanTool is the designated tool whose input is a structured plan;
	// its invocations become plan updates instead of generic tool calls.
	PlanTool string

	// ExitPlanTool is the designated "exit planning mode" tool with the
	// bespoke three-option permission flow.
	ExitPlanTool string

	specs map[string]ToolSpec
}

// ToolSpec declares how one tool renders.
type ToolSpec struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"` // template with {input_key} placeholders
	Kind  string `yaml:"kind"`

	// Locations lists input keys holding file paths.
	Locations []string `yaml:"locations,omitempty"`

	// Diff, when set, renders the tool's content as a diff built from the
	// named input keys.
	Diff *DiffSpec `yaml:"diff,omitempty"`

	// Content, when set, names the input key rendered as text content.
	Content string `yaml:"content,omitempty"`
}

// DiffSpec names the input keys a diff is built from. For full-file writes
// OldKey is empty.
type DiffSpec struct {
	PathKey string `yaml:"path"`
	OldKey  string `yaml:"old,omitempty"`
	NewKey  string `yaml:"new"`
}

// tableFile is the YAML document shape.
type tableFile struct {
	PlanTool     string     `yaml:"plan_tool"`
	ExitPlanTool string     `yaml:"exit_plan_tool"`
	Tools        []ToolSpec `yaml:"tools"`
}

// LoadToolTable parses a YAML tool table document.
func LoadToolTable(data []byte) (*ToolTable, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tool table: %w", err)
	}

	t := &ToolTable{
		PlanTool:     f.PlanTool,
		ExitPlanTool: f.ExitPlanTool,
		specs:        make(map[string]ToolSpec, len(f.Tools)),
	}
	for _, spec := range f.Tools {
		if spec.Name == "" {
			return nil, fmt.Errorf("tool table entry missing name")
		}
		if spec.Kind == "" {
			spec.Kind = protocol.ToolKindOther
		}
		t.specs[spec.Name] = spec
	}
	return t, nil
}

// ResolvedTool is a tool invocation rendered through the table.
type ResolvedTool struct {
	Title     string
	Kind      string
	Locations []protocol.ToolCallLocation
	Content   []protocol.ToolCallContent
}

// Resolve renders a tool invocation. Unknown tool names fall back to kind
// "other" with the raw input rendered as JSON text, so resolution never
// fails.
func (t *ToolTable) Resolve(name string, input map[string]any) ResolvedTool {
	spec, ok := t.specs[name]
	if !ok {
		return ResolvedTool{
			Title:   name,
			Kind:    protocol.ToolKindOther,
			Content: rawInputContent(input),
		}
	}

	resolved := ResolvedTool{
		Title: expandTitle(spec.Title, name, input),
		Kind:  spec.Kind,
	}

	for _, key := range spec.Locations {
		if path := stringInput(input, key); path != "" {
			resolved.Locations = append(resolved.Locations, protocol.ToolCallLocation{Path: path})
		}
	}

	switch {
	case spec.Diff != nil:
		path := stringInput(input, spec.Diff.PathKey)
		newText := stringInput(input, spec.Diff.NewKey)
		var oldText *string
		if spec.Diff.OldKey != "" {
			s := stringInput(input, spec.Diff.OldKey)
			oldText = &s
		}
		resolved.Content = append(resolved.Content, protocol.DiffToolContent(path, oldText, newText))
	case spec.Content != "":
		if text := stringInput(input, spec.Content); text != "" {
			resolved.Content = append(resolved.Content, protocol.ContentToolContent(protocol.TextBlock(text)))
		}
	}

	return resolved
}

// Kind returns the declared kind for a tool name, or "other".
func (t *ToolTable) Kind(name string) string {
	if spec, ok := t.specs[name]; ok {
		return spec.Kind
	}
	return protocol.ToolKindOther
}

// expandTitle substitutes {key} placeholders with string values from input.
// Placeholders with no matching input value expand to nothing; a title that
// comes out empty falls back to the tool name.
func expandTitle(template, name string, input map[string]any) string {
	if template == "" {
		return name
	}
	// Scan left to right so braces inside substituted values are left alone.
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		b.WriteString(stringInput(input, rest[start+1:start+end]))
		rest = rest[start+end+1:]
	}
	if trimmed := strings.TrimSpace(b.String()); trimmed != "" {
		return trimmed
	}
	return name
}

func rawInputContent(input map[string]any) []protocol.ToolCallContent {
	if len(input) == 0 {
		return nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	return []protocol.ToolCallContent{protocol.ContentToolContent(protocol.TextBlock(string(data)))}
}

func stringInput(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}
