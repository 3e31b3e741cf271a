package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
)

func writeTestSkill(t *testing.T, dir, id, frontmatter, body string) {
	t.Helper()
	skillDir := filepath.Join(dir, id)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "---\n" + frontmatter + "\n---\n\n" + body
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func newSearchLoader(t *testing.T) *skills.Loader {
	t.Helper()
	dir := t.TempDir()
	writeTestSkill(t, dir, "token-swap",
		"id: token-swap\nname: Token Swap\ndescription: Swap tokens on a DEX\ntags: [swap, dex]\nexamples: [\"swap 10 USDC for ETH\"]\nworkflow: swap",
		"Swap instructions.")
	writeTestSkill(t, dir, "lending",
		"id: lending\nname: Lending\ndescription: Supply and borrow on lending markets\ntags: [lend, borrow]",
		"Lending instructions.")
	return skills.NewLoader([]skills.Source{{Dir: dir, Label: "test"}}, nil)
}

func TestSkillSearchTool_FindsRelevantSkill(t *testing.T) {
	tool := NewSkillSearchTool(newSearchLoader(t))

	result := tool.Execute(context.Background(), map[string]interface{}{"query": "swap USDC"})
	if result.IsError {
		t.Fatalf("search errored: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "token-swap") {
		t.Errorf("expected token-swap in results, got: %s", result.ForLLM)
	}
	// Bound workflows ride along so the model can dispatch directly.
	if !strings.Contains(result.ForLLM, `"workflow": "swap"`) {
		t.Errorf("expected workflow binding in results, got: %s", result.ForLLM)
	}
}

func TestSkillSearchTool_RequiresQuery(t *testing.T) {
	tool := NewSkillSearchTool(newSearchLoader(t))

	result := tool.Execute(context.Background(), map[string]interface{}{})
	if !result.IsError {
		t.Error("missing query should produce an error result")
	}
}

func TestSkillSearchTool_NoMatches(t *testing.T) {
	tool := NewSkillSearchTool(newSearchLoader(t))

	result := tool.Execute(context.Background(), map[string]interface{}{"query": "quantum chromodynamics"})
	if result.IsError {
		t.Fatalf("no-match search should not error: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "No skills found") {
		t.Errorf("expected no-match message, got: %s", result.ForLLM)
	}
}

func TestSkillSearchTool_RebuildsAfterVersionBump(t *testing.T) {
	dir := t.TempDir()
	writeTestSkill(t, dir, "lending",
		"id: lending\nname: Lending\ndescription: Supply and borrow on lending markets",
		"Lending instructions.")
	loader := skills.NewLoader([]skills.Source{{Dir: dir, Label: "test"}}, nil)
	tool := NewSkillSearchTool(loader)

	result := tool.Execute(context.Background(), map[string]interface{}{"query": "bridge tokens"})
	if !strings.Contains(result.ForLLM, "No skills found") {
		t.Fatalf("expected no match before the skill exists, got: %s", result.ForLLM)
	}

	// A new skill appears on disk; the watcher would bump the version.
	writeTestSkill(t, dir, "bridge",
		"id: bridge\nname: Bridge\ndescription: Bridge tokens between chains\ntags: [bridge]",
		"Bridge instructions.")
	loader.BumpVersion()

	result = tool.Execute(context.Background(), map[string]interface{}{"query": "bridge tokens"})
	if !strings.Contains(result.ForLLM, "bridge") {
		t.Errorf("index should pick up the new skill after a version bump, got: %s", result.ForLLM)
	}
}
