package acp

// JSON-RPC 2.0 method names of the Agent Client Protocol.
const (
	// Client → agent.
	MethodInitialize       = "initialize"
	MethodAuthenticate     = "authenticate"
	MethodSessionNew       = "session/new"
	MethodSessionLoad      = "session/load"
	MethodSessionPrompt    = "session/prompt"
	MethodSessionCancel    = "session/cancel"
	MethodSessionSetMode   = "session/set_mode"
	MethodSessionSetConfig = "session/set_config_option"
	MethodShutdown         = "shutdown"

	// Agent → client.
	MethodSessionUpdate       = "session/update"
	MethodRequestPermission   = "session/request_permission"
	MethodReadTextFile        = "fs/read_text_file"
	MethodWriteTextFile       = "fs/write_text_file"
	MethodTerminalCreate      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodTerminalWaitForExit = "terminal/wait_for_exit"
	MethodTerminalKill        = "terminal/kill"
	MethodTerminalRelease     = "terminal/release"
)

// inboundMethods are the methods an agent may call on the client.
var inboundMethods = map[string]struct{}{
	MethodSessionUpdate:       {},
	MethodRequestPermission:   {},
	MethodReadTextFile:        {},
	MethodWriteTextFile:       {},
	MethodTerminalCreate:      {},
	MethodTerminalOutput:      {},
	MethodTerminalWaitForExit: {},
	MethodTerminalKill:        {},
	MethodTerminalRelease:     {},
}

// IsInboundMethod reports whether method is one the client implements.
func IsInboundMethod(method string) bool {
	_, ok := inboundMethods[method]
	return ok
}
