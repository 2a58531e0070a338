package acpmux

import (
	"fmt"
	"strings"
)

// Well-known AgentSpec.Options keys. Values are strings so specs stay
// serializable; use the Parse* helpers to read them.
const (
	// OptionMode selects the agent operating mode via session/set_mode
	// after the session is created (e.g., "code", "plan").
	OptionMode = "mode"

	// OptionResumeID resumes an earlier agent session via session/load
	// instead of creating a new one. Requires the agent's loadSession
	// capability.
	OptionResumeID = "resume_id"

	// OptionFileSystem offers fs/read_text_file and fs/write_text_file to
	// the agent. Boolean, default true.
	OptionFileSystem = "fs"

	// OptionFileSystemWrite offers fs/write_text_file only when true.
	// Boolean, default true. Ignored when OptionFileSystem is false.
	OptionFileSystemWrite = "fs_write"

	// OptionTerminal offers the terminal/* methods. Boolean, default true.
	OptionTerminal = "terminal"

	// OptionMCPServers lists stdio MCP servers attached at session/new,
	// one per line, as "name=command arg1 arg2".
	OptionMCPServers = "mcp_servers"
)

// StringOption returns the value for key in opts, or defaultVal if the key
// is absent or empty.
func StringOption(opts map[string]string, key, defaultVal string) string {
	if v := opts[key]; v != "" {
		return v
	}
	return defaultVal
}

// ParseBoolOption returns the boolean value for key in opts.
// If the key is absent or empty, it returns (false, false, nil).
// Truthy values: "true", "on", "1", "yes" (case-insensitive).
// Falsy values: "false", "off", "0", "no" (case-insensitive).
// Unrecognized values return an error.
func ParseBoolOption(opts map[string]string, key string) (bool, bool, error) {
	v := opts[key]
	if v == "" {
		return false, false, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "on", "1", "yes":
		return true, true, nil
	case "false", "off", "0", "no":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("option %s: %q is not a recognized boolean value", key, v)
	}
}

// BoolOptionDefault is ParseBoolOption with a fallback for absent keys.
func BoolOptionDefault(opts map[string]string, key string, defaultVal bool) (bool, error) {
	v, ok, err := ParseBoolOption(opts, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return defaultVal, nil
	}
	return v, nil
}

// ParseListOption splits a newline-separated option into trimmed entries.
// Empty entries and entries containing null bytes are skipped.
func ParseListOption(opts map[string]string, key string) []string {
	v := opts[key]
	if v == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(v, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "\x00") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ValidateEnv rejects environment entries that cannot be passed to a child
// process: empty keys, keys containing '=', and null bytes anywhere.
func ValidateEnv(env map[string]string) error {
	for k, v := range env {
		if k == "" {
			return fmt.Errorf("env: empty key")
		}
		if strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("env: invalid key %q", k)
		}
		if strings.Contains(v, "\x00") {
			return fmt.Errorf("env %s: value contains null bytes", k)
		}
	}
	return nil
}
