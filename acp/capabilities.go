package acp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// FlattenCapabilities turns the agentCapabilities object into dotted flag
// names ("loadSession", "promptCapabilities.image"). Only boolean leaves
// are kept. Unknown flags survive so newer agents stay inspectable.
func FlattenCapabilities(raw json.RawMessage) map[string]bool {
	flags := make(map[string]bool)
	if len(raw) == 0 {
		return flags
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return flags
	}
	flatten("", root, flags)
	return flags
}

func flatten(prefix string, v gjson.Result, flags map[string]bool) {
	v.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if prefix != "" {
			name = prefix + "." + name
		}
		switch {
		case value.IsBool():
			flags[name] = value.Bool()
		case value.IsObject():
			flatten(name, value, flags)
		}
		return true
	})
}

// ParseMCPServers parses "name=command arg1 arg2" lines into stdio MCP
// server descriptors.
func ParseMCPServers(lines []string) ([]MCPServer, error) {
	servers := make([]MCPServer, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		name, cmdline, ok := strings.Cut(line, "=")
		name = strings.TrimSpace(name)
		fields := strings.Fields(cmdline)
		if !ok || name == "" || len(fields) == 0 {
			return nil, fmt.Errorf("mcp server %q: want name=command [args...]", line)
		}
		if seen[name] {
			return nil, fmt.Errorf("mcp server %q: duplicate name", name)
		}
		seen[name] = true
		servers = append(servers, MCPServer{
			Name:    name,
			Command: fields[0],
			Args:    append([]string{}, fields[1:]...),
			Env:     []EnvVar{},
		})
	}
	return servers, nil
}
