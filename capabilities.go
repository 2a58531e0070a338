package acpmux

import (
	"maps"
	"slices"
)

// ClientCapabilities are the client-side services offered to an agent
// during initialize.
type ClientCapabilities struct {
	ReadTextFile  bool `json:"read_text_file"`
	WriteTextFile bool `json:"write_text_file"`
	Terminal      bool `json:"terminal"`
}

// Capabilities is the result of the initialize handshake.
type Capabilities struct {
	// ProtocolVersion is the version both sides agreed on.
	ProtocolVersion int `json:"protocol_version"`

	// Client lists the client services the agent may call. These are the
	// services this engine offered, since an agent cannot refuse them.
	Client ClientCapabilities `json:"client"`

	// Agent holds every boolean the agent advertised in agentCapabilities,
	// flattened with dots (e.g., "loadSession", "promptCapabilities.image").
	// Unknown flags are kept so newer agents stay inspectable.
	Agent map[string]bool `json:"agent,omitempty"`

	AgentName    string   `json:"agent_name,omitempty"`
	AgentVersion string   `json:"agent_version,omitempty"`
	AuthMethods  []string `json:"auth_methods,omitempty"`
}

// Has reports whether the agent advertised flag as true.
func (c *Capabilities) Has(flag string) bool {
	if c == nil {
		return false
	}
	return c.Agent[flag]
}

// Flags returns the agent flags that are true, sorted.
func (c *Capabilities) Flags() []string {
	if c == nil {
		return nil
	}
	var out []string
	for k, v := range c.Agent {
		if v {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy of c.
func (c *Capabilities) Clone() *Capabilities {
	if c == nil {
		return nil
	}
	out := *c
	out.Agent = maps.Clone(c.Agent)
	out.AuthMethods = slices.Clone(c.AuthMethods)
	return &out
}
