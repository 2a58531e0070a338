// Package stubagent is a scriptable ACP agent used by tests.
//
// Test binaries re-execute themselves as the agent: TestMain checks
// Enabled and calls Main. The agent speaks NDJSON on stdin/stdout. Its
// handshake behavior is chosen with the EnvScenario variable and each
// prompt's text selects what the turn does (see prompt).
package stubagent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmora/acpmux/acp"
	"github.com/dmora/acpmux/codec"
)

// Environment variables read by Main.
const (
	EnvEnable   = "ACPMUX_STUB_AGENT"
	EnvScenario = "ACPMUX_STUB_SCENARIO"
)

// Handshake scenarios.
const (
	ScenarioDefault     = ""
	ScenarioExitOnStart = "exit-on-start"
	ScenarioInitError   = "init-error"
	ScenarioInitHang    = "init-hang"
	ScenarioProtocol2   = "protocol-2"
	ScenarioNoShutdown  = "no-shutdown"
	ScenarioBanner      = "banner" // a non-JSON line before the handshake
	ScenarioDeaf        = "deaf"   // stops reading stdin after session/new
)

// SessionID is the agent session id the stub hands out.
const SessionID = "stub-session-1"

// Enabled reports whether the current process should run as the stub.
func Enabled() bool { return os.Getenv(EnvEnable) != "" }

// Env returns the environment a test passes in AgentSpec.Env.
func Env(scenario string) map[string]string {
	return map[string]string{EnvEnable: "1", EnvScenario: scenario}
}

// Main runs the stub on the process's stdio and returns its exit code.
func Main() int {
	return Run(os.Stdin, os.Stdout, os.Stderr, os.Getenv(EnvScenario))
}

type agent struct {
	out      io.Writer
	stderr   io.Writer
	scenario string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *codec.Response
	nextReq   atomic.Int64

	cancelMu sync.Mutex
	cancel   chan struct{}

	exit chan int
	deaf bool // set by the main loop only
}

// Run serves one agent connection until stdin closes, shutdown is
// requested, or a prompt asks the agent to die.
func Run(in io.Reader, out, stderr io.Writer, scenario string) int {
	if scenario == ScenarioExitOnStart {
		fmt.Fprintln(stderr, "fatal: missing API key")
		return 1
	}
	a := &agent{
		out:      out,
		stderr:   stderr,
		scenario: scenario,
		pending:  make(map[string]chan *codec.Response),
		exit:     make(chan int, 1),
	}

	if scenario == ScenarioBanner {
		fmt.Fprintln(out, "stub agent 1.0.0 starting")
	}

	// The reader takes the next line only when told to, so a deaf agent
	// really stops reading stdin.
	lines := make(chan []byte)
	resume := make(chan struct{})
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			lines <- append([]byte(nil), sc.Bytes()...)
			<-resume
		}
	}()

	for {
		select {
		case code := <-a.exit:
			return code
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			a.handle(line)
			if !a.deaf {
				resume <- struct{}{}
			}
		}
	}
}

func (a *agent) handle(line []byte) {
	msg, err := codec.Decode(line)
	if msg == nil {
		fmt.Fprintf(a.stderr, "stub: bad frame: %v\n", err)
		return
	}
	switch m := msg.(type) {
	case *codec.Request:
		a.request(m)
	case *codec.Notification:
		if m.Method == acp.MethodSessionCancel {
			a.cancelMu.Lock()
			if a.cancel != nil {
				close(a.cancel)
				a.cancel = nil
			}
			a.cancelMu.Unlock()
		}
	case *codec.Response:
		a.pendingMu.Lock()
		ch, ok := a.pending[m.ID.String()]
		delete(a.pending, m.ID.String())
		a.pendingMu.Unlock()
		if ok {
			ch <- m
		}
	}
}

func (a *agent) request(req *codec.Request) {
	switch req.Method {
	case acp.MethodInitialize:
		switch a.scenario {
		case ScenarioInitHang:
			return
		case ScenarioInitError:
			a.fail(req, codec.CodeInternalError, "authentication required")
			return
		}
		version := acp.ProtocolVersion
		if a.scenario == ScenarioProtocol2 {
			version = 2
		}
		a.reply(req, map[string]any{
			"protocolVersion": version,
			"agentCapabilities": map[string]any{
				"streaming":   true,
				"loadSession": true,
				"promptCapabilities": map[string]any{
					"image":           false,
					"embeddedContext": true,
				},
			},
			"agentInfo":   map[string]any{"name": "stub", "version": "1.0.0"},
			"authMethods": []map[string]any{{"id": "none", "name": "None"}},
		})

	case acp.MethodSessionNew:
		a.reply(req, map[string]any{
			"sessionId": SessionID,
			"modes": map[string]any{
				"currentModeId": "default",
				"availableModes": []map[string]any{
					{"id": "default", "name": "Default"},
					{"id": "plan", "name": "Plan"},
				},
			},
		})
		if a.scenario == ScenarioDeaf {
			a.deaf = true
		}

	case acp.MethodSessionLoad:
		var p acp.LoadSessionParams
		_ = json.Unmarshal(req.Params, &p)
		if p.SessionID == "missing" {
			a.fail(req, codec.CodeInvalidParams, "unknown session")
			return
		}
		a.update(p.SessionID, "user_message_chunk", map[string]any{"content": text("previous prompt")})
		a.update(p.SessionID, "agent_message_chunk", map[string]any{"content": text("previous answer")})
		a.reply(req, map[string]any{})

	case acp.MethodSessionSetMode:
		var p acp.SetModeParams
		_ = json.Unmarshal(req.Params, &p)
		if p.ModeID == "forbidden" {
			a.fail(req, codec.CodeInvalidParams, "unknown mode")
			return
		}
		a.reply(req, map[string]any{})
		a.update(p.SessionID, "current_mode_update", map[string]any{"currentModeId": p.ModeID})

	case acp.MethodSessionPrompt:
		a.cancelMu.Lock()
		cancel := make(chan struct{})
		a.cancel = cancel
		a.cancelMu.Unlock()
		go a.prompt(req, cancel)

	case acp.MethodShutdown:
		if a.scenario == ScenarioNoShutdown {
			return
		}
		a.reply(req, nil)
		a.exit <- 0

	default:
		a.fail(req, codec.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func text(s string) map[string]any {
	return map[string]any{"type": "text", "text": s}
}

// prompt runs one turn. The first word of the prompt text picks the
// behavior:
//
//	hello        three text chunks, then end_turn (the default)
//	echo <text>  one chunk with <text>
//	crash        one chunk, then exit status 1
//	orphan       one chunk, then exit status 3 while a child keeps stdout open
//	garbage      a line that is not JSON
//	noise        a plain text line, then one chunk and end_turn
//	unknown      unknown notification and unknown update, then end_turn
//	slow         one chunk, wait for session/cancel, late chunk, cancelled
//	hang         never answer
//	error        JSON-RPC error response
//	permission   tool call + permission request, report the outcome
//	read <path>  fs/read_text_file, report the content
//	write <path> <content>  fs/write_text_file
//	terminal     terminal/create echo, wait, output, release
//	plan         plan and available_commands_update
//	ask          an unknown request to the client, report the error code
func (a *agent) prompt(req *codec.Request, cancel <-chan struct{}) {
	var p acp.PromptParams
	_ = json.Unmarshal(req.Params, &p)
	var words []string
	if len(p.Prompt) > 0 {
		words = strings.Fields(p.Prompt[0].Text)
	}
	cmd := "hello"
	if len(words) > 0 {
		cmd = words[0]
	}
	sid := p.SessionID
	chunk := func(s string) { a.update(sid, "agent_message_chunk", map[string]any{"content": text(s)}) }
	done := func(reason string) {
		a.reply(req, map[string]any{
			"stopReason": reason,
			"usage":      map[string]any{"inputTokens": 10, "outputTokens": 3, "totalTokens": 13},
		})
	}

	switch cmd {
	case "echo":
		chunk(strings.Join(words[1:], " "))
		done("end_turn")

	case "crash":
		chunk("about to crash")
		fmt.Fprintln(a.stderr, "panic: something broke")
		a.exit <- 1

	case "orphan":
		chunk("detaching")
		a.orphan()
		a.exit <- 3

	case "garbage":
		a.writeLine([]byte("{this is not json"))

	case "noise":
		a.writeLine([]byte("debug: tool output leaked to stdout"))
		chunk("after noise")
		done("end_turn")

	case "unknown":
		a.notify("session/brand_new_notification", map[string]any{"x": 1})
		a.update(sid, "future_update_kind", map[string]any{"payload": true})
		chunk("ok")
		done("end_turn")

	case "slow":
		chunk("working")
		select {
		case <-cancel:
		case <-time.After(30 * time.Second):
		}
		chunk("late chunk after cancel")
		done("cancelled")

	case "hang":
		chunk("thinking forever")

	case "error":
		a.fail(req, codec.CodeInternalError, "model overloaded")

	case "permission":
		title := "Run rm -rf build"
		status := acp.ToolPending
		a.update(sid, "tool_call", map[string]any{"toolCallId": "call-1", "title": title, "kind": "execute", "status": status})
		resp := a.call(acp.MethodRequestPermission, map[string]any{
			"sessionId": sid,
			"toolCall":  map[string]any{"toolCallId": "call-1", "title": title},
			"options": []map[string]any{
				{"optionId": "allow-1", "name": "Allow", "kind": "allow_once"},
				{"optionId": "always-1", "name": "Always allow", "kind": "allow_always"},
				{"optionId": "reject-1", "name": "Reject", "kind": "reject_once"},
			},
		})
		outcome := "none"
		if resp != nil && resp.Error == nil {
			var r acp.RequestPermissionResult
			_ = json.Unmarshal(resp.Result, &r)
			outcome = r.Outcome.Outcome
			if r.Outcome.OptionID != "" {
				outcome += ":" + r.Outcome.OptionID
			}
		}
		a.update(sid, "tool_call_update", map[string]any{
			"toolCallId": "call-1",
			"status":     acp.ToolCompleted,
			"content":    []map[string]any{{"type": "content", "content": text("removed")}},
		})
		chunk("outcome " + outcome)
		done("end_turn")

	case "read":
		if len(words) < 2 {
			done("end_turn")
			return
		}
		resp := a.call(acp.MethodReadTextFile, map[string]any{"sessionId": sid, "path": words[1]})
		chunk(describe(resp, "content"))
		done("end_turn")

	case "write":
		if len(words) < 3 {
			done("end_turn")
			return
		}
		resp := a.call(acp.MethodWriteTextFile, map[string]any{
			"sessionId": sid, "path": words[1], "content": strings.Join(words[2:], " "),
		})
		if resp != nil && resp.Error == nil {
			chunk("written")
		} else {
			chunk(describe(resp, ""))
		}
		done("end_turn")

	case "terminal":
		resp := a.call(acp.MethodTerminalCreate, map[string]any{
			"sessionId": sid, "command": "echo", "args": []string{"hi", "from", "terminal"},
		})
		var created acp.CreateTerminalResult
		if resp == nil || resp.Error != nil || json.Unmarshal(resp.Result, &created) != nil {
			chunk(describe(resp, ""))
			done("end_turn")
			return
		}
		ref := map[string]any{"sessionId": sid, "terminalId": created.TerminalID}
		a.call(acp.MethodTerminalWaitForExit, ref)
		out := a.call(acp.MethodTerminalOutput, ref)
		a.call(acp.MethodTerminalRelease, ref)
		chunk(strings.TrimSpace(describe(out, "output")))
		done("end_turn")

	case "plan":
		a.update(sid, "plan", map[string]any{"entries": []map[string]any{
			{"content": "Read code", "priority": "high", "status": "completed"},
			{"content": "Write fix", "priority": "high", "status": "pending"},
		}})
		a.update(sid, "available_commands_update", map[string]any{"availableCommands": []map[string]any{
			{"name": "test", "description": "Run tests"},
		}})
		done("end_turn")

	case "ask":
		resp := a.call("x/custom_method", map[string]any{})
		if resp != nil && resp.Error != nil {
			chunk(fmt.Sprintf("error %d", resp.Error.Code))
		}
		done("end_turn")

	default:
		chunk("Hel")
		chunk("lo, ")
		chunk("world")
		done("end_turn")
	}
}

// describe renders a client response for a chunk: the string field of the
// result, or "error <code>: <message>".
func describe(resp *codec.Response, field string) string {
	switch {
	case resp == nil:
		return "no response"
	case resp.Error != nil:
		return fmt.Sprintf("error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var m map[string]any
	_ = json.Unmarshal(resp.Result, &m)
	s, _ := m[field].(string)
	return s
}

// --- wire helpers ---

func (a *agent) reply(req *codec.Request, result any) {
	resp, err := codec.NewResult(req.ID, result)
	if err != nil {
		a.fail(req, codec.CodeInternalError, err.Error())
		return
	}
	a.send(resp)
}

func (a *agent) fail(req *codec.Request, code int, msg string) {
	a.send(codec.NewError(req.ID, code, msg))
}

func (a *agent) notify(method string, params any) {
	n, err := codec.NewNotification(method, params)
	if err != nil {
		return
	}
	a.send(n)
}

func (a *agent) update(sessionID, kind string, fields map[string]any) {
	fields["sessionUpdate"] = kind
	a.notify(acp.MethodSessionUpdate, map[string]any{"sessionId": sessionID, "update": fields})
}

// call sends a request to the client and waits for its response. String
// ids exercise the client's id handling.
func (a *agent) call(method string, params any) *codec.Response {
	id := codec.StringID(fmt.Sprintf("agent-%d", a.nextReq.Add(1)))
	ch := make(chan *codec.Response, 1)
	a.pendingMu.Lock()
	a.pending[id.String()] = ch
	a.pendingMu.Unlock()

	req, err := codec.NewRequest(id, method, params)
	if err != nil {
		return nil
	}
	a.send(req)
	select {
	case resp := <-ch:
		return resp
	case <-time.After(10 * time.Second):
		return nil
	}
}

func (a *agent) send(msg codec.Message) {
	data, err := codec.Encode(msg)
	if err != nil {
		fmt.Fprintf(a.stderr, "stub: encode: %v\n", err)
		return
	}
	a.writeLine(data)
}

// orphan starts a long-lived child that inherits stdout, like a wrapper
// launcher whose agent died.
func (a *agent) orphan() {
	f, ok := a.out.(*os.File)
	if !ok {
		return
	}
	child := exec.Command("sleep", "600")
	child.Stdout = f
	if err := child.Start(); err != nil {
		fmt.Fprintf(a.stderr, "stub: orphan: %v\n", err)
	}
}

func (a *agent) writeLine(data []byte) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.out.Write(append(data, '\n'))
}
