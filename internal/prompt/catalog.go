package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const DefaultAnalysisType = "comprehensive"

// Template is a resolved catalog entry. Text carries {speaker} and
// {messages} placeholders; Schema, when set, is a JSON schema the analysis
// result is checked against.
type Template struct {
	AnalysisType string
	Text         string
	Schema       []byte
}

// Catalog maps an analysis type and optional relationship context to a
// template.
type Catalog interface {
	Template(ctx context.Context, analysisType, relationshipContext string) (Template, error)
	Types() []string
}

type Entry struct {
	Template           string `yaml:"template"`
	RelationshipSuffix string `yaml:"relationship_suffix"`
	Schema             string `yaml:"schema"`
}

// StaticCatalog is an immutable in-memory catalog.
type StaticCatalog struct {
	entries map[string]Entry
}

var _ Catalog = (*StaticCatalog)(nil)

func NewStaticCatalog(entries map[string]Entry) *StaticCatalog {
	copied := make(map[string]Entry, len(entries))
	for name, entry := range entries {
		copied[normalizeType(name)] = entry
	}
	return &StaticCatalog{entries: copied}
}

// BuiltinCatalog returns the analysis types shipped with the binary.
func BuiltinCatalog() *StaticCatalog {
	return NewStaticCatalog(builtinEntries)
}

func (c *StaticCatalog) Template(_ context.Context, analysisType, relationshipContext string) (Template, error) {
	name := normalizeType(analysisType)
	entry, ok := c.entries[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: unknown analysis type %q", ErrTemplateUnavailable, name)
	}
	return resolveEntry(name, entry, relationshipContext), nil
}

func (c *StaticCatalog) Types() []string {
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func resolveEntry(name string, entry Entry, relationshipContext string) Template {
	text := entry.Template
	relationshipContext = strings.TrimSpace(relationshipContext)
	if relationshipContext != "" {
		suffix := entry.RelationshipSuffix
		if strings.TrimSpace(suffix) == "" {
			suffix = defaultRelationshipSuffix
		}
		text += suffix
	}
	var schema []byte
	if s := strings.TrimSpace(entry.Schema); s != "" {
		schema = []byte(s)
	}
	return Template{AnalysisType: name, Text: text, Schema: schema}
}

func normalizeType(analysisType string) string {
	name := strings.ToLower(strings.TrimSpace(analysisType))
	if name == "" {
		return DefaultAnalysisType
	}
	return name
}
