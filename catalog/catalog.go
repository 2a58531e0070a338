// Package catalog loads agent definitions from YAML.
//
// A catalog names the agents a host can launch and the session settings
// for each:
//
//	defaults:
//	  turn_timeout: 30m
//	  policy: ask
//	agents:
//	  gemini:
//	    command: gemini
//	    args: [--experimental-acp]
//	    dir: ${HOME}/src/project
//	    env:
//	      GEMINI_API_KEY: ${GEMINI_API_KEY}
//	    options:
//	      mode: plan
//
// ${VAR} and $VAR references in string values are expanded from the
// environment. An undefined variable is an error; write $$ for a literal
// dollar sign.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/session"
)

// Settings are the session options a catalog can set. Zero values leave
// the session defaults in place.
type Settings struct {
	HandshakeTimeout Duration                `yaml:"handshake_timeout,omitempty"`
	RequestTimeout   Duration                `yaml:"request_timeout,omitempty"`
	TurnTimeout      Duration                `yaml:"turn_timeout,omitempty"`
	ShutdownTimeout  Duration                `yaml:"shutdown_timeout,omitempty"`
	GracePeriod      Duration                `yaml:"grace_period,omitempty"`
	MaxMessageSize   int                     `yaml:"max_message_size,omitempty"`
	MaxLogEntries    int                     `yaml:"max_log_entries,omitempty"`
	Policy           acpmux.PermissionPolicy `yaml:"policy,omitempty"`
}

// Entry is one agent of the catalog.
type Entry struct {
	acpmux.AgentSpec `yaml:",inline"`
	Settings         `yaml:",inline"`
}

// Catalog is a parsed agent catalog.
type Catalog struct {
	Defaults Settings          `yaml:"defaults"`
	Agents   map[string]*Entry `yaml:"agents"`
}

// Load reads and parses the catalog at path, expanding variables from the
// process environment.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog. lookup resolves variable references; nil means
// no variables are defined. All validation problems are reported together.
func Parse(data []byte, lookup func(string) (string, bool)) (*Catalog, error) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if err := expandNode(&root, lookup); err != nil {
		return nil, err
	}

	c := &Catalog{}
	if err := root.Decode(c); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	for name, e := range c.Agents {
		if e == nil {
			e = &Entry{}
			c.Agents[name] = e
		}
		if e.Name == "" {
			e.Name = name
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	var errs []error
	if err := c.Defaults.validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	for _, name := range c.Names() {
		e := c.Agents[name]
		if err := e.AgentSpec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", name, err))
		}
		if err := e.Settings.validate(); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("catalog: invalid:\n%w", err)
	}
	return nil
}

func (s Settings) validate() error {
	var errs []error
	durations := []struct {
		name string
		d    Duration
	}{
		{"handshake_timeout", s.HandshakeTimeout},
		{"request_timeout", s.RequestTimeout},
		{"turn_timeout", s.TurnTimeout},
		{"shutdown_timeout", s.ShutdownTimeout},
		{"grace_period", s.GracePeriod},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if s.MaxMessageSize < 0 {
		errs = append(errs, errors.New("max_message_size must not be negative"))
	}
	if s.MaxLogEntries < 0 {
		errs = append(errs, errors.New("max_log_entries must not be negative"))
	}
	if !s.Policy.Valid() {
		errs = append(errs, fmt.Errorf("unknown policy %q", s.Policy))
	}
	return errors.Join(errs...)
}

// Names returns the agent names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Spec returns a copy of the named agent's spec.
func (c *Catalog) Spec(name string) (acpmux.AgentSpec, error) {
	e, ok := c.Agents[name]
	if !ok {
		return acpmux.AgentSpec{}, fmt.Errorf("catalog: unknown agent %q", name)
	}
	return e.AgentSpec.Clone(), nil
}

// SessionOptions returns the session options for the named agent: the
// catalog defaults, then the agent's own settings.
func (c *Catalog) SessionOptions(name string) ([]session.Option, error) {
	e, ok := c.Agents[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown agent %q", name)
	}
	return append(c.Defaults.options(), e.Settings.options()...), nil
}

// options turns the set fields of s into session options. The session
// option constructors ignore zero values.
func (s Settings) options() []session.Option {
	return []session.Option{
		session.WithHandshakeTimeout(time.Duration(s.HandshakeTimeout)),
		session.WithRequestTimeout(time.Duration(s.RequestTimeout)),
		session.WithTurnTimeout(time.Duration(s.TurnTimeout)),
		session.WithShutdownTimeout(time.Duration(s.ShutdownTimeout)),
		session.WithGracePeriod(time.Duration(s.GracePeriod)),
		session.WithMaxMessageSize(s.MaxMessageSize),
		session.WithMaxLogEntries(s.MaxLogEntries),
		session.WithPolicy(s.Policy),
	}
}

// Duration is a time.Duration written as a Go duration string ("90s",
// "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// expandNode replaces variable references in every string scalar of the
// tree. Mapping keys are left alone.
func expandNode(n *yaml.Node, lookup func(string) (string, bool)) error {
	var errs []error
	var walk func(n *yaml.Node, isKey bool)
	walk = func(n *yaml.Node, isKey bool) {
		switch n.Kind {
		case yaml.DocumentNode, yaml.SequenceNode:
			for _, c := range n.Content {
				walk(c, false)
			}
		case yaml.MappingNode:
			for i, c := range n.Content {
				walk(c, i%2 == 0)
			}
		case yaml.ScalarNode:
			if isKey || n.ShortTag() != "!!str" || !strings.Contains(n.Value, "$") {
				return
			}
			var missing []string
			n.Value = os.Expand(n.Value, func(name string) string {
				if name == "$" {
					return "$"
				}
				v, ok := lookup(name)
				if !ok {
					missing = append(missing, name)
				}
				return v
			})
			if n.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) == 0 {
				// Plain scalars are typed by their expanded value.
				n.Tag = ""
			}
			for _, name := range missing {
				errs = append(errs, fmt.Errorf("line %d: undefined variable %s", n.Line, name))
			}
		}
	}
	walk(n, false)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}
