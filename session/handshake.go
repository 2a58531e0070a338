package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/acp"
)

// agentSessionIDPattern matches safe agent session identifiers.
var agentSessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,256}$`)

func validateAgentSessionID(id string) error {
	if !agentSessionIDPattern.MatchString(id) {
		return fmt.Errorf("session ID %q does not match allowed pattern", id)
	}
	return nil
}

// clientCapabilities reads the fs, fs_write and terminal options.
func clientCapabilities(opts map[string]string) (acpmux.ClientCapabilities, error) {
	fs, err := acpmux.BoolOptionDefault(opts, acpmux.OptionFileSystem, true)
	if err != nil {
		return acpmux.ClientCapabilities{}, err
	}
	write, err := acpmux.BoolOptionDefault(opts, acpmux.OptionFileSystemWrite, true)
	if err != nil {
		return acpmux.ClientCapabilities{}, err
	}
	term, err := acpmux.BoolOptionDefault(opts, acpmux.OptionTerminal, true)
	if err != nil {
		return acpmux.ClientCapabilities{}, err
	}
	return acpmux.ClientCapabilities{
		ReadTextFile:  fs,
		WriteTextFile: fs && write,
		Terminal:      term,
	}, nil
}

func wireClientCapabilities(c acpmux.ClientCapabilities) *acp.ClientCapabilities {
	out := &acp.ClientCapabilities{Terminal: c.Terminal}
	if c.ReadTextFile || c.WriteTextFile {
		out.FS = &acp.FileSystemCapability{ReadTextFile: c.ReadTextFile, WriteTextFile: c.WriteTextFile}
	}
	return out
}

// handshake runs initialize, session/new (or session/load) and the
// optional session/set_mode. All of it shares one HandshakeTimeout
// deadline. Non-fatal problems are returned as warnings, to be emitted
// after handshake_complete.
func (s *Session) handshake(ctx context.Context) ([]string, error) {
	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	remaining := func() time.Duration {
		return max(time.Until(deadline), time.Millisecond)
	}

	// Step 1: Initialize.
	client, err := clientCapabilities(s.spec.Options)
	if err != nil {
		return nil, err
	}
	params := acp.InitializeParams{
		ProtocolVersion:    acp.ProtocolVersion,
		ClientCapabilities: wireClientCapabilities(client),
		ClientInfo:         &acp.Implementation{Name: acp.ClientName, Version: acp.ClientVersion},
	}
	resp, err := s.request(ctx, acp.MethodInitialize, params, remaining(), false)
	if err != nil {
		return nil, err
	}
	var init acp.InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return nil, fmt.Errorf("acpmux: initialize: decode result: %w", err)
	}
	if init.ProtocolVersion != acp.ProtocolVersion {
		return nil, fmt.Errorf("acpmux: initialize: agent speaks protocol version %d, client supports %d",
			init.ProtocolVersion, acp.ProtocolVersion)
	}
	caps := &acpmux.Capabilities{
		ProtocolVersion: init.ProtocolVersion,
		Client:          client,
		Agent:           acp.FlattenCapabilities(init.AgentCapabilities),
	}
	if init.AgentInfo != nil {
		caps.AgentName = init.AgentInfo.Name
		caps.AgentVersion = init.AgentInfo.Version
	}
	for _, m := range init.AuthMethods {
		caps.AuthMethods = append(caps.AuthMethods, m.ID)
	}

	// Step 2: Session, resumed or new.
	cwd, err := s.workDir()
	if err != nil {
		return nil, err
	}
	mcp, err := acp.ParseMCPServers(acpmux.ParseListOption(s.spec.Options, acpmux.OptionMCPServers))
	if err != nil {
		return nil, err
	}
	var warnings []string
	var modes *acp.ModeState
	var sid string
	resumeID := strings.TrimSpace(acpmux.StringOption(s.spec.Options, acpmux.OptionResumeID, ""))
	switch {
	case resumeID != "" && !caps.Has("loadSession"):
		warnings = append(warnings, fmt.Sprintf("agent cannot load sessions; %s %q ignored", acpmux.OptionResumeID, resumeID))
		sid, modes, err = s.openSession(ctx, cwd, mcp, remaining())
	case resumeID != "":
		sid, modes, err = s.resumeSession(ctx, resumeID, cwd, mcp, remaining())
	default:
		sid, modes, err = s.openSession(ctx, cwd, mcp, remaining())
	}
	if err != nil {
		return nil, err
	}
	if err := validateAgentSessionID(sid); err != nil {
		return nil, fmt.Errorf("acpmux: invalid session ID from agent: %w", err)
	}

	s.mu.Lock()
	s.caps = caps
	s.agentSID = sid
	s.mu.Unlock()

	// Step 3: Mode. A failed set_mode is fatal: the caller asked for a
	// restricted mode and must not silently get another one.
	if mode := acpmux.StringOption(s.spec.Options, acpmux.OptionMode, ""); mode != "" {
		if modes != nil && !modes.Has(mode) {
			warnings = append(warnings, fmt.Sprintf("agent does not advertise mode %q", mode))
		}
		_, err := s.request(ctx, acp.MethodSessionSetMode,
			acp.SetModeParams{SessionID: sid, ModeID: mode}, remaining(), false)
		if err != nil {
			return nil, fmt.Errorf("acpmux: session/set_mode failed (security-critical): %w", err)
		}
	}
	return warnings, nil
}

func (s *Session) openSession(ctx context.Context, cwd string, mcp []acp.MCPServer, timeout time.Duration) (string, *acp.ModeState, error) {
	params := acp.NewSessionParams{CWD: cwd, MCPServers: mcp}
	resp, err := s.request(ctx, acp.MethodSessionNew, params, timeout, false)
	if err != nil {
		return "", nil, err
	}
	var result acp.NewSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", nil, fmt.Errorf("acpmux: session/new: decode result: %w", err)
	}
	return result.SessionID, result.Modes, nil
}

// resumeSession loads an earlier session. The agent replays its history as
// session/update notifications before answering.
func (s *Session) resumeSession(ctx context.Context, resumeID, cwd string, mcp []acp.MCPServer, timeout time.Duration) (string, *acp.ModeState, error) {
	if err := validateAgentSessionID(resumeID); err != nil {
		return "", nil, fmt.Errorf("%w: invalid resume ID: %w", acpmux.ErrSessionNotFound, err)
	}
	params := acp.LoadSessionParams{SessionID: resumeID, CWD: cwd, MCPServers: mcp}
	resp, err := s.request(ctx, acp.MethodSessionLoad, params, timeout, false)
	if err != nil {
		var rpcErr *acpmux.RPCError
		if errors.As(err, &rpcErr) {
			return "", nil, fmt.Errorf("%w: %w", acpmux.ErrSessionNotFound, err)
		}
		return "", nil, err
	}
	var result acp.LoadSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", nil, fmt.Errorf("acpmux: session/load: decode result: %w", err)
	}
	// LoadSessionResult has no sessionId; the resumed id stays valid.
	return resumeID, result.Modes, nil
}
