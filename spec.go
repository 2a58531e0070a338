package acpmux

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
)

// Framing selects how messages are delimited on the agent's stdio streams.
type Framing string

const (
	// FramingNDJSON is one JSON object per line. ACP agents use this.
	FramingNDJSON Framing = "ndjson"

	// FramingContentLength prefixes each message with a
	// "Content-Length: N" header block, as LSP-style servers do.
	FramingContentLength Framing = "content-length"
)

// Valid reports whether f is a known framing. The empty value is valid and
// means FramingNDJSON.
func (f Framing) Valid() bool {
	switch f {
	case "", FramingNDJSON, FramingContentLength:
		return true
	}
	return false
}

// AgentSpec describes how to launch one agent process.
//
// AgentSpec is a value type. A Session copies it at start, so later changes
// by the caller never reach a running agent.
type AgentSpec struct {
	// Name is a human-readable label (e.g., "claude-code", "gemini").
	Name string `json:"name" yaml:"name"`

	// Command is the executable name or path.
	Command string `json:"command" yaml:"command"`

	// Args are passed to Command verbatim.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Dir is the working directory for the agent and the project root for
	// client file system requests. Must be absolute when set.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Env overrides entries of the host environment for the child process.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Framing selects the wire framing. Empty means FramingNDJSON.
	Framing Framing `json:"framing,omitempty" yaml:"framing,omitempty"`

	// Options holds capability hints and session configuration using the
	// Option* keys (see options.go).
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Clone returns a deep copy of s.
func (s AgentSpec) Clone() AgentSpec {
	s.Args = slices.Clone(s.Args)
	if s.Env != nil {
		s.Env = maps.Clone(s.Env)
	}
	if s.Options != nil {
		s.Options = maps.Clone(s.Options)
	}
	return s
}

// Validate checks that s can be used to start a process.
func (s AgentSpec) Validate() error {
	var errs []error
	if s.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if s.Dir != "" && !filepath.IsAbs(s.Dir) {
		errs = append(errs, fmt.Errorf("dir must be an absolute path, got %q", s.Dir))
	}
	if err := ValidateEnv(s.Env); err != nil {
		errs = append(errs, err)
	}
	if !s.Framing.Valid() {
		errs = append(errs, fmt.Errorf("unknown framing %q", s.Framing))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("acpmux: invalid agent spec %q: %w", s.Name, err)
	}
	return nil
}

// Label returns Name, falling back to Command.
func (s AgentSpec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command
}
