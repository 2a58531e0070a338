package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmora/acpmux/acp"
	"github.com/dmora/acpmux/clientfs"
	"github.com/dmora/acpmux/codec"
	"github.com/dmora/acpmux/terminal"
)

// serve answers one fs/* or terminal/* request. It runs on its own
// goroutine: terminal/wait_for_exit may block for as long as the command
// runs.
func (s *Session) serve(req *codec.Request) {
	result, err := s.handle(req)
	if err != nil {
		s.logger.Debug("client method failed", "method", req.Method, "error", err)
		s.replyError(req.ID, errorCode(err), err)
		return
	}
	s.reply(req.ID, result)
}

func (s *Session) handle(req *codec.Request) (any, error) {
	switch req.Method {
	case acp.MethodReadTextFile:
		var p acp.ReadTextFileParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if s.files == nil {
			return nil, errNotOffered
		}
		return s.files.ReadTextFile(p)

	case acp.MethodWriteTextFile:
		var p acp.WriteTextFileParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if s.files == nil || !s.files.CanWrite() {
			return nil, errNotOffered
		}
		return nil, s.files.WriteTextFile(p)

	case acp.MethodTerminalCreate:
		var p acp.CreateTerminalParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if s.terms == nil {
			return nil, errNotOffered
		}
		id, err := s.terms.Create(p)
		if err != nil {
			return nil, err
		}
		return acp.CreateTerminalResult{TerminalID: id}, nil

	case acp.MethodTerminalOutput, acp.MethodTerminalWaitForExit, acp.MethodTerminalKill, acp.MethodTerminalRelease:
		var p acp.TerminalParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if s.terms == nil {
			return nil, errNotOffered
		}
		return s.handleTerminal(req.Method, p.TerminalID)
	}
	return nil, fmt.Errorf("%w: %s", errUnknownMethod, req.Method)
}

func (s *Session) handleTerminal(method, id string) (any, error) {
	switch method {
	case acp.MethodTerminalOutput:
		return s.terms.Output(id)
	case acp.MethodTerminalWaitForExit:
		return s.terms.WaitForExit(s.ctx, id)
	case acp.MethodTerminalKill:
		return nil, s.terms.Kill(id)
	default:
		return nil, s.terms.Release(id)
	}
}

var (
	errNotOffered    = errors.New("client capability not offered")
	errUnknownMethod = errors.New("method not found")
	errInvalidParams = errors.New("invalid params")
)

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", errInvalidParams)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", errInvalidParams, err)
	}
	return nil
}

// errorCode maps a handler failure to a JSON-RPC error code.
func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, clientfs.ErrNotAbsolute),
		errors.Is(err, terminal.ErrUnknownTerminal):
		return codec.CodeInvalidParams
	case errors.Is(err, errUnknownMethod), errors.Is(err, errNotOffered):
		return codec.CodeMethodNotFound
	default:
		return codec.CodeInternalError
	}
}
