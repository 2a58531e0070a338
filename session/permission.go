package session

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/dmora/acpmux"
	"github.com/dmora/acpmux/acp"
	"github.com/dmora/acpmux/codec"
)

// proposal is a session/request_permission awaiting RespondToProposal.
type proposal struct {
	seq     uint64
	reqID   codec.ID
	turn    uint64
	request acpmux.PermissionRequest
}

// onPermissionRequest registers a tool-call proposal. Under PolicyAsk it
// becomes a permission_request event; otherwise it is answered at once.
// Runs on the read loop, so the reply is written from a goroutine.
func (s *Session) onPermissionRequest(req *codec.Request) {
	var params acp.RequestPermissionParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ToolCall.ToolCallID == "" {
		if err == nil {
			err = errors.New("toolCall.toolCallId is required")
		}
		go s.replyError(req.ID, codec.CodeInvalidParams, err)
		return
	}
	tool := s.tools.Merge(&params.ToolCall)

	s.mu.Lock()
	if s.turn == nil && len(s.draining) > 0 {
		// Straggler of a cancelled turn.
		s.mu.Unlock()
		go s.reply(req.ID, acp.CancelledPermission())
		return
	}
	s.nextProposal++
	p := &proposal{
		seq:   s.nextProposal,
		reqID: req.ID,
		request: acpmux.PermissionRequest{
			ProposalID: "p-" + strconv.FormatUint(s.nextProposal, 10),
			ToolCall:   *tool,
			Options:    params.PublicOptions(),
		},
	}
	if s.turn != nil {
		p.turn = s.turn.Generation
	}

	switch s.opts.Policy {
	case acpmux.PolicyAllow, acpmux.PolicyDeny:
		result := acp.Decide(p.request.Options, acpmux.Decision{Approve: s.opts.Policy == acpmux.PolicyAllow})
		s.emitResolvedLocked(p, result)
		s.mu.Unlock()
		go s.reply(p.reqID, result)
	default:
		s.proposals[p.request.ProposalID] = p
		req := p.request
		s.emitLocked(acpmux.Event{Type: acpmux.EventPermissionRequest, Turn: p.turn, Permission: &req, Tool: tool.Clone()})
		s.mu.Unlock()
	}
}

// RespondToProposal answers a pending permission request. An OptionID the
// agent did not offer answers the request as cancelled.
func (s *Session) RespondToProposal(id string, d acpmux.Decision) error {
	s.mu.Lock()
	p, ok := s.proposals[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", acpmux.ErrProposalNotFound, id)
	}
	delete(s.proposals, id)
	result := acp.Decide(p.request.Options, d)
	s.emitResolvedLocked(p, result)
	s.mu.Unlock()

	s.reply(p.reqID, result)
	return nil
}

// Proposals returns the pending permission requests, oldest first.
func (s *Session) Proposals() []acpmux.PermissionRequest {
	s.mu.Lock()
	pending := make([]*proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		pending = append(pending, p)
	}
	s.mu.Unlock()
	slices.SortFunc(pending, func(a, b *proposal) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]acpmux.PermissionRequest, len(pending))
	for i, p := range pending {
		out[i] = p.request
	}
	return out
}

func (s *Session) emitResolvedLocked(p *proposal, result acp.RequestPermissionResult) {
	req := p.request
	req.Outcome = result.Outcome.Outcome
	req.Selected = result.Outcome.OptionID
	s.emitLocked(acpmux.Event{Type: acpmux.EventPermissionResolved, Turn: p.turn, Permission: &req})
}

// takeProposalsLocked removes and returns the proposals of turn gen.
func (s *Session) takeProposalsLocked(gen uint64) []*proposal {
	var out []*proposal
	for id, p := range s.proposals {
		if p.turn == gen {
			out = append(out, p)
			delete(s.proposals, id)
		}
	}
	slices.SortFunc(out, func(a, b *proposal) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// dropProposalsLocked resolves every pending proposal as cancelled without
// answering the agent, which is going away.
func (s *Session) dropProposalsLocked() {
	pending := make([]*proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		pending = append(pending, p)
	}
	clear(s.proposals)
	slices.SortFunc(pending, func(a, b *proposal) int { return cmp.Compare(a.seq, b.seq) })
	for _, p := range pending {
		s.emitResolvedLocked(p, acp.CancelledPermission())
	}
}
