package acp

import "encoding/json"

// ProtocolVersion is the ACP major version this client speaks. ACP uses a
// single integer, not semver.
const ProtocolVersion = 1

// Client identity sent in initialize.
const (
	ClientName    = "acpmux"
	ClientVersion = "0.1.0"
)

// --- Initialize ---

// InitializeParams opens the capability handshake.
type InitializeParams struct {
	ProtocolVersion    int                 `json:"protocolVersion"`
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation     `json:"clientInfo,omitempty"`
}

// InitializeResult is the agent's answer to initialize. AgentCapabilities is
// kept raw so every advertised flag survives, including ones this client
// does not know.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AgentInfo         *Implementation `json:"agentInfo,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
}

// Implementation identifies a client or an agent.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities declares the client-side services the agent may call.
type ClientCapabilities struct {
	FS       *FileSystemCapability `json:"fs,omitempty"`
	Terminal bool                  `json:"terminal,omitempty"`
}

// FileSystemCapability declares the fs/* methods the client serves.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// AuthMethod is an authentication method offered by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// --- Session setup ---

// NewSessionParams creates an agent session rooted at CWD.
type NewSessionParams struct {
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult is the answer to session/new.
type NewSessionResult struct {
	SessionID     string         `json:"sessionId"`
	Modes         *ModeState     `json:"modes,omitempty"`
	ConfigOptions []ConfigOption `json:"configOptions,omitempty"`
}

// LoadSessionParams resumes a session the agent persisted earlier.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	CWD        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// LoadSessionResult is the answer to session/load. It carries no session
// id: the resumed id stays valid.
type LoadSessionResult struct {
	Modes         *ModeState     `json:"modes,omitempty"`
	ConfigOptions []ConfigOption `json:"configOptions,omitempty"`
}

// MCPServer is a stdio MCP server the agent should attach to the session.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []EnvVar `json:"env"`
}

// EnvVar is one environment variable for an MCP server or terminal.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ModeState lists the agent's operating modes.
type ModeState struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes"`
}

// Mode is one operating mode.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Has reports whether the agent offers mode id.
func (m *ModeState) Has(id string) bool {
	if m == nil {
		return false
	}
	for _, mode := range m.AvailableModes {
		if mode.ID == id {
			return true
		}
	}
	return false
}

// ConfigOption is a configurable session option.
type ConfigOption struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Category     string `json:"category,omitempty"`
	CurrentValue string `json:"currentValue,omitempty"`
}

// SetModeParams switches the session's operating mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// --- Prompt ---

// ContentBlock is one element of a prompt. Only text is sent by this client.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptParams sends one user turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult ends a prompt turn.
type PromptResult struct {
	StopReason string     `json:"stopReason,omitempty"`
	Usage      *WireUsage `json:"usage,omitempty"`
}

// WireUsage is token usage as the agent reports it.
type WireUsage struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens"`
	ThoughtTokens     int `json:"thoughtTokens,omitempty"`
	CachedReadTokens  int `json:"cachedReadTokens,omitempty"`
	CachedWriteTokens int `json:"cachedWriteTokens,omitempty"`
}

// CancelParams is the payload of the session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// --- Permission ---

// RequestPermissionParams is the payload of session/request_permission.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallUpdate     `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOption is one option in a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionResult answers a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// Permission outcome values.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOutcome is the selected option, or cancelled.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// --- Client file system ---

// ReadTextFileParams is the payload of fs/read_text_file. Line is 1-based.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult answers fs/read_text_file.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is the payload of fs/write_text_file.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// --- Client terminals ---

// CreateTerminalParams is the payload of terminal/create.
type CreateTerminalParams struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Env             []EnvVar `json:"env,omitempty"`
	CWD             string   `json:"cwd,omitempty"`
	OutputByteLimit *int     `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult answers terminal/create.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalParams addresses an existing terminal. Used by terminal/output,
// terminal/wait_for_exit, terminal/kill and terminal/release.
type TerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus is how a terminal command ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode"`
	Signal   *string `json:"signal"`
}

// TerminalOutputResult answers terminal/output.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}
