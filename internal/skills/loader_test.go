package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	base := filepath.Join(root, dir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "SKILL.md"), []byte(content), 0o600); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

const swapSkill = `---
name: Token Swapper
description: Swaps tokens on a DEX
tags: [swap, dex, trading]
examples:
  - swap 10 USDC to ETH
routing: direct
workflow: token-swap
priority: 5
---
Use the token-swap workflow for all swap requests.
Schema lives at {baseDir}/schema.json.
`

func TestLoader_ListParsesFrontmatter(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "swap", swapSkill)
	writeSkill(t, root, "lending", "---\ndescription: Lending rates\n---\nLending prompt.\n")

	l := NewLoader([]Source{{Dir: root, Label: "config"}}, nil)
	list := l.List()
	if len(list) != 2 {
		t.Fatalf("got %d skills", len(list))
	}

	// swap has priority 5, lending 0, so swap sorts first
	if list[0].ID != "swap" || list[1].ID != "lending" {
		t.Errorf("order = %s, %s", list[0].ID, list[1].ID)
	}
	if list[0].Name != "Token Swapper" {
		t.Errorf("name = %q", list[0].Name)
	}
	if list[0].Routing != "direct" || list[0].Workflow != "token-swap" {
		t.Errorf("routing = %q workflow = %q", list[0].Routing, list[0].Workflow)
	}
	if len(list[0].Tags) != 3 {
		t.Errorf("tags = %v", list[0].Tags)
	}
	if list[1].ID != "lending" || list[1].Name != "lending" {
		t.Errorf("id should default to dir name, got %+v", list[1].Metadata)
	}
}

func TestLoader_EarlierSourceShadows(t *testing.T) {
	high := t.TempDir()
	low := t.TempDir()
	writeSkill(t, high, "swap", "---\ndescription: high priority copy\n---\nHigh.\n")
	writeSkill(t, low, "swap", "---\ndescription: low priority copy\n---\nLow.\n")

	l := NewLoader([]Source{{Dir: high, Label: "config"}, {Dir: low, Label: "global"}}, nil)
	list := l.List()
	if len(list) != 1 {
		t.Fatalf("got %d skills", len(list))
	}
	if list[0].Source != "config" || list[0].Description != "high priority copy" {
		t.Errorf("wrong copy won: %+v", list[0])
	}
}

func TestLoader_DisabledSkillsSkipped(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "swap", swapSkill)
	writeSkill(t, root, "lending", "Lending prompt.\n")

	l := NewLoader([]Source{{Dir: root, Label: "config"}}, []string{"swap"})
	list := l.List()
	if len(list) != 1 || list[0].ID != "lending" {
		t.Errorf("list = %+v", list)
	}
}

func TestLoader_LoadStripsFrontmatterAndExpandsBaseDir(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "swap", swapSkill)

	l := NewLoader([]Source{{Dir: root, Label: "config"}}, nil)
	content, ok := l.Load("swap")
	if !ok {
		t.Fatal("Load failed")
	}
	if strings.Contains(content, "---") || strings.Contains(content, "Token Swapper") {
		t.Errorf("frontmatter should be stripped:\n%s", content)
	}
	wantPath := filepath.Join(root, "swap", "schema.json")
	if !strings.Contains(content, wantPath) {
		t.Errorf("baseDir not expanded:\n%s", content)
	}
}

func TestLoader_LoadForContext(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "swap", swapSkill)
	writeSkill(t, root, "lending", "Lending prompt.\n")

	l := NewLoader([]Source{{Dir: root, Label: "config"}}, nil)

	all := l.LoadForContext(nil)
	if !strings.Contains(all, "### Skill: swap") || !strings.Contains(all, "### Skill: lending") {
		t.Errorf("missing sections:\n%s", all)
	}

	only := l.LoadForContext([]string{"lending"})
	if strings.Contains(only, "swap") {
		t.Errorf("allowList not respected:\n%s", only)
	}

	if got := l.LoadForContext([]string{}); got != "" {
		t.Errorf("empty allowList should produce nothing, got %q", got)
	}
}

func TestLoader_BuildSummary(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "swap", swapSkill)

	l := NewLoader([]Source{{Dir: root, Label: "config"}}, nil)
	xml := l.BuildSummary(nil)
	if !strings.Contains(xml, "<available_skills>") || !strings.Contains(xml, "<id>swap</id>") {
		t.Errorf("summary:\n%s", xml)
	}
	if !strings.Contains(xml, "<workflow>token-swap</workflow>") {
		t.Errorf("workflow binding missing:\n%s", xml)
	}
}

func TestLoader_MatchTag(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "swap", swapSkill)

	l := NewLoader([]Source{{Dir: root, Label: "config"}}, nil)
	if info, ok := l.MatchTag("DEX"); !ok || info.ID != "swap" {
		t.Errorf("MatchTag(DEX) = %v, %v", info, ok)
	}
	if _, ok := l.MatchTag("nonexistent"); ok {
		t.Error("unknown tag should not match")
	}
}

func TestLoader_MissingDir(t *testing.T) {
	l := NewLoader([]Source{{Dir: filepath.Join(t.TempDir(), "nope"), Label: "config"}}, nil)
	if list := l.List(); len(list) != 0 {
		t.Errorf("missing dir should list nothing, got %v", list)
	}
}
