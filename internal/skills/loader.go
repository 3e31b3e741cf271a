// Package skills loads and manages SKILL.md files from layered source
// directories. Skill prompts are injected into the agent's system prompt;
// skill metadata feeds the agent card and message routing.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Metadata holds parsed SKILL.md frontmatter.
type Metadata struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Version     string   `yaml:"version" json:"version,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Examples    []string `yaml:"examples" json:"examples,omitempty"`
	Routing     string   `yaml:"routing" json:"routing,omitempty"`   // "llm" (default) or "direct"
	Workflow    string   `yaml:"workflow" json:"workflow,omitempty"` // workflow plugin bound for direct routing
	Priority    int      `yaml:"priority" json:"priority,omitempty"`
}

// Info describes a discovered skill.
type Info struct {
	Metadata
	Path    string `json:"path"`    // absolute path to SKILL.md
	BaseDir string `json:"baseDir"` // skill directory (parent of SKILL.md)
	Source  string `json:"source"`  // source label ("config", "global", "builtin", ...)
}

// Source is one skill directory with a display label. Earlier sources
// shadow later ones when skill IDs collide.
type Source struct {
	Dir   string
	Label string
}

// Loader discovers and loads SKILL.md files from layered directories.
type Loader struct {
	sources  []Source
	disabled map[string]bool

	mu    sync.RWMutex
	cache map[string]*Info // id → info, populated by List

	// Version tracking for hot reload. Bumped by the watcher on SKILL.md
	// changes; consumers compare to detect staleness.
	version atomic.Int64
}

// NewLoader creates a skills loader over sources, skipping disabled IDs.
func NewLoader(sources []Source, disabled []string) *Loader {
	dis := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		dis[id] = true
	}
	return &Loader{
		sources:  sources,
		disabled: dis,
		cache:    make(map[string]*Info),
	}
}

// DefaultSources builds the layered directory list: configured dirs
// first, then the user-global skills directory.
func DefaultSources(configDirs []string, globalDir string) []Source {
	var sources []Source
	for _, d := range configDirs {
		sources = append(sources, Source{Dir: d, Label: "config"})
	}
	if globalDir != "" {
		sources = append(sources, Source{Dir: globalDir, Label: "global"})
	}
	return sources
}

// List returns all enabled skills. Earlier sources shadow later ones by
// ID; the result is ordered by priority (highest first), then ID.
func (l *Loader) List() []Info {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []Info

	for _, src := range l.sources {
		if src.Dir == "" {
			continue
		}
		entries, err := os.ReadDir(src.Dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillFile := filepath.Join(src.Dir, e.Name(), "SKILL.md")
			if _, err := os.Stat(skillFile); err != nil {
				continue
			}

			info := Info{
				Path:    skillFile,
				BaseDir: filepath.Join(src.Dir, e.Name()),
				Source:  src.Label,
			}
			info.Metadata = parseMetadata(skillFile)
			if info.ID == "" {
				info.ID = e.Name()
			}
			if info.Name == "" {
				info.Name = info.ID
			}

			if seen[info.ID] || l.disabled[info.ID] {
				continue
			}
			seen[info.ID] = true
			out = append(out, info)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	l.cache = make(map[string]*Info, len(out))
	for i := range out {
		l.cache[out[i].ID] = &out[i]
	}
	return out
}

// Get returns info about a specific skill by ID.
func (l *Loader) Get(id string) (*Info, bool) {
	l.List()

	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.cache[id]
	return info, ok
}

// Load reads and returns a skill's prompt content by ID (frontmatter
// stripped). The {baseDir} placeholder is replaced with the skill's
// absolute directory path.
func (l *Loader) Load(id string) (string, bool) {
	info, ok := l.Get(id)
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return "", false
	}
	content := stripFrontmatter(string(data))
	content = strings.ReplaceAll(content, "{baseDir}", info.BaseDir)
	return strings.TrimSpace(content), true
}

// LoadForContext loads skill prompts and formats them for system prompt
// injection. If allowList is nil, all enabled skills load in priority
// order; otherwise only the listed IDs load, in the given order.
func (l *Loader) LoadForContext(allowList []string) string {
	var ids []string
	if allowList == nil {
		for _, s := range l.List() {
			ids = append(ids, s.ID)
		}
	} else {
		ids = allowList
	}
	if len(ids) == 0 {
		return ""
	}

	var parts []string
	for _, id := range ids {
		content, ok := l.Load(id)
		if !ok || content == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", id, content))
	}
	if len(parts) == 0 {
		return ""
	}
	return "## Available Skills\n\n" + strings.Join(parts, "\n\n---\n\n")
}

// BuildSummary returns an XML summary of skills for system prompt
// injection, so the model can pick skills without their full prompts.
func (l *Loader) BuildSummary(allowList []string) string {
	all := l.List()
	if len(all) == 0 {
		return ""
	}

	var filtered []Info
	if allowList == nil {
		filtered = all
	} else {
		allowed := make(map[string]bool, len(allowList))
		for _, id := range allowList {
			allowed[id] = true
		}
		for _, s := range all {
			if allowed[s.ID] {
				filtered = append(filtered, s)
			}
		}
	}
	if len(filtered) == 0 {
		return ""
	}

	var lines []string
	lines = append(lines, "<available_skills>")
	for _, s := range filtered {
		lines = append(lines, "  <skill>")
		lines = append(lines, fmt.Sprintf("    <id>%s</id>", escapeXML(s.ID)))
		lines = append(lines, fmt.Sprintf("    <description>%s</description>", escapeXML(s.Description)))
		if len(s.Tags) > 0 {
			lines = append(lines, fmt.Sprintf("    <tags>%s</tags>", escapeXML(strings.Join(s.Tags, ", "))))
		}
		if s.Workflow != "" {
			lines = append(lines, fmt.Sprintf("    <workflow>%s</workflow>", escapeXML(s.Workflow)))
		}
		lines = append(lines, "  </skill>")
	}
	lines = append(lines, "</available_skills>")
	return strings.Join(lines, "\n")
}

// MatchTag returns the first skill carrying the given tag.
func (l *Loader) MatchTag(tag string) (*Info, bool) {
	for _, s := range l.List() {
		for _, t := range s.Tags {
			if strings.EqualFold(t, tag) {
				return &s, true
			}
		}
	}
	return nil, false
}

// Version returns the current skill snapshot version. Consumers compare
// this to their cached version to detect changes.
func (l *Loader) Version() int64 {
	return l.version.Load()
}

// BumpVersion records a new snapshot version (called by the watcher).
func (l *Loader) BumpVersion() {
	l.version.Store(time.Now().UnixMilli())
}

// Dirs returns all non-empty skill directories for the watcher.
func (l *Loader) Dirs() []string {
	var dirs []string
	for _, s := range l.sources {
		if s.Dir != "" {
			dirs = append(dirs, s.Dir)
		}
	}
	return dirs
}

// --- Frontmatter parsing ---

var frontmatterRe = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?`)

func parseMetadata(path string) Metadata {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta
	}
	fm := extractFrontmatter(string(data))
	if fm == "" {
		return meta
	}
	// YAML is a JSON superset, so JSON frontmatter parses too.
	_ = yaml.Unmarshal([]byte(fm), &meta)
	return meta
}

func extractFrontmatter(content string) string {
	match := frontmatterRe.FindStringSubmatch(content)
	if len(match) > 1 {
		return match[1]
	}
	return ""
}

func stripFrontmatter(content string) string {
	return frontmatterRe.ReplaceAllString(content, "")
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
