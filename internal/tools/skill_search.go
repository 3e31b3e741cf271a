package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
)

// SkillSearchTool implements the skill_search tool with BM25 search
// over the loaded skill set.
type SkillSearchTool struct {
	index       *skills.Index
	loader      *skills.Loader
	lastVersion int64 // tracks loader version for lazy rebuild
}

// NewSkillSearchTool creates a skill_search tool backed by a BM25 index.
func NewSkillSearchTool(loader *skills.Loader) *SkillSearchTool {
	idx := skills.NewIndex()
	t := &SkillSearchTool{index: idx, loader: loader}
	t.rebuildIndex()
	return t
}

// rebuildIndex refreshes the BM25 index from the current skill set.
func (t *SkillSearchTool) rebuildIndex() {
	all := t.loader.List()
	t.index.Build(all)
	t.lastVersion = t.loader.Version()
	slog.Info("skill_search index rebuilt", "docs", len(all), "version", t.lastVersion)
}

// ensureIndex rebuilds the BM25 index if skills have changed since last build.
func (t *SkillSearchTool) ensureIndex() {
	if current := t.loader.Version(); current > t.lastVersion {
		t.rebuildIndex()
	}
}

func (t *SkillSearchTool) Name() string { return "skill_search" }

func (t *SkillSearchTool) Description() string {
	return "Search for available skills by keyword. Returns matching skills with ID, description, tags, and any bound workflow."
}

func (t *SkillSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search keywords to find relevant skills",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results to return (default: 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SkillSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query parameter is required")
	}

	maxResults := 5
	if mr, ok := args["max_results"].(float64); ok && int(mr) > 0 {
		maxResults = int(mr)
	}

	// Lazy rebuild: check if skills changed since last index build
	t.ensureIndex()

	results := t.index.Search(query, maxResults)

	slog.Debug("skill_search executed", "query", query, "results", len(results))

	if len(results) == 0 {
		return NewResult(fmt.Sprintf("No skills found matching: %s", query))
	}

	// Attach workflow bindings so the model can dispatch directly.
	type hit struct {
		skills.SearchResult
		Workflow string `json:"workflow,omitempty"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		h := hit{SearchResult: r}
		if info, ok := t.loader.Get(r.ID); ok {
			h.Workflow = info.Workflow
		}
		hits = append(hits, h)
	}

	data, _ := json.MarshalIndent(map[string]interface{}{
		"results": hits,
		"count":   len(hits),
	}, "", "  ")
	return NewResult(string(data))
}
