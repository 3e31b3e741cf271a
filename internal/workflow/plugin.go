package workflow

import "fmt"

// Plugin is a named, versioned unit of step logic. Immutable once
// registered; re-registering the same ID replaces the previous entry.
type Plugin struct {
	ID          string
	Name        string
	Version     string
	Description string

	// InputSchema is a JSON schema validating dispatch parameters.
	// Nil skips validation.
	InputSchema map[string]interface{}

	// Defaults are merged under dispatch params before validation, so a
	// registration can satisfy required fields. Explicit params win.
	Defaults map[string]interface{}

	// Start builds a fresh machine for one dispatch.
	Start func(wctx Context) Machine
}

// Validate checks the plugin is registrable.
func (p *Plugin) Validate() error {
	if p == nil {
		return fmt.Errorf("nil plugin")
	}
	if p.ID == "" {
		return fmt.Errorf("plugin id is required")
	}
	if p.Start == nil {
		return fmt.Errorf("plugin %s: Start is required", p.ID)
	}
	return nil
}

// Info is the read-only registry listing of a plugin.
type Info struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// NewSequencePlugin builds a plugin whose machine is a Sequence over steps.
func NewSequencePlugin(id, name, version, description string, schema map[string]interface{}, steps ...StepFunc) *Plugin {
	return &Plugin{
		ID:          id,
		Name:        name,
		Version:     version,
		Description: description,
		InputSchema: schema,
		Start: func(wctx Context) Machine {
			return NewSequence(wctx, steps...)
		},
	}
}
