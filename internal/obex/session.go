package obex

import (
	"context"
	"errors"
	"fmt"
	"log"

	"exworddrv/internal/xcode"
)

// State is the driver's explicit connection state, replacing the status
// bitfield the original implementation polled after every transfer
// (REDESIGN FLAGS: bitfield -> enum). A Session only ever moves forward
// through this sequence, except that Reconnect resets a Poisoned or
// Disconnected session back to PreConnect.
type State int

const (
	// StatePreConnect is the state before CONNECT has succeeded.
	StatePreConnect State = iota
	// StateConnected is the normal operating state.
	StateConnected
	// StateDisconnecting names the span between sending DISCONNECT and
	// observing its response. No Session transition enters it: a
	// successful DISCONNECT moves straight from StateConnected to
	// StateDisconnected.
	StateDisconnecting
	// StateDisconnected is the terminal state after a clean DISCONNECT.
	StateDisconnected
	// StatePoisoned is entered on any INTERNAL_SERVER_ERROR response and is
	// sticky: every subsequent Do call fails immediately until Reconnect.
	StatePoisoned
)

func (s State) String() string {
	switch s {
	case StatePreConnect:
		return "pre-connect"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StatePoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why a session left StateConnected.
type DisconnectReason int

const (
	// DisconnectNone means the session has not disconnected.
	DisconnectNone DisconnectReason = iota
	// DisconnectNormal is a caller-initiated DISCONNECT that completed
	// cleanly.
	DisconnectNormal
	// DisconnectError is a disconnect forced by a poisoning
	// INTERNAL_SERVER_ERROR response.
	DisconnectError
	// DisconnectUnplugged is a disconnect forced by the transport reporting
	// the device is gone (cable pulled, USB reset).
	DisconnectUnplugged
)

// ErrPoisoned is returned by Do when the session is in StatePoisoned.
var ErrPoisoned = errors.New("obex: session poisoned by prior internal error")

// ErrNotConnected is returned by Do when the session has not completed
// CONNECT.
var ErrNotConnected = errors.New("obex: session not connected")

// ErrUnexpectedResponse wraps a response code the caller's Do did not
// expect, carrying the response packet for inspection.
type ErrUnexpectedResponse struct {
	Code ResponseCode
	Pkt  *Packet
}

func (e *ErrUnexpectedResponse) Error() string {
	return fmt.Sprintf("obex: unexpected response %#x", e.Code)
}

// Endpoint is the minimal transport contract a Session needs: send one
// framed packet and receive one framed packet. internal/usbtransport
// implements this over USB bulk endpoints; tests use an in-memory fake.
type Endpoint interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	// Connected reports whether the underlying transport still believes the
	// device is present, used by PollDisconnect to detect an unplug that
	// produced no response packet at all.
	Connected() bool
}

// ProgressObserver receives transfer progress updates during Do, replacing
// the original implementation's raw shared-buffer-pointer progress
// callback (REDESIGN FLAGS: callback carries decoded values, not a pointer
// into caller memory).
type ProgressObserver interface {
	// OnProgress is called after each packet of a multi-packet BODY
	// transfer. name is the decoded NAME header for the operation in
	// progress (or "" if none was sent); sent and total are byte counts,
	// with total 0 if unknown.
	OnProgress(name string, sent, total int64)
}

// NopObserver implements ProgressObserver by discarding every update.
type NopObserver struct{}

// OnProgress implements ProgressObserver.
func (NopObserver) OnProgress(string, int64, int64) {}

// Session drives one OBEX conversation over an Endpoint: CONNECT,
// zero or more single requests via Do, and DISCONNECT. It is not safe for
// concurrent use; callers serialize their own requests, matching the
// strictly synchronous, single-request-at-a-time nature of the protocol.
type Session struct {
	ep       Endpoint
	state    State
	reason   DisconnectReason
	logger   *log.Logger
	observer ProgressObserver
}

// NewSession wraps ep in a Session in StatePreConnect. A nil logger
// discards log output; a nil observer is replaced with NopObserver.
func NewSession(ep Endpoint, logger *log.Logger, observer ProgressObserver) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Session{ep: ep, state: StatePreConnect, logger: logger, observer: observer}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// DisconnectReason returns why the session left StateConnected, or
// DisconnectNone if it has not.
func (s *Session) DisconnectReason() DisconnectReason { return s.reason }

func (s *Session) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Do sends req and accumulates CONTINUE responses until a FINAL response
// or an error. It enforces the state machine: StatePreConnect accepts
// only an OpConnect request (moving to StateConnected on success);
// StatePoisoned and StateDisconnected reject every request; any
// INTERNAL_SERVER_ERROR response poisons the session for all future
// calls, mirroring the original implementation's sticky fatal-error
// status bit but surfaced as a state transition instead of a flag callers
// must remember to check.
func (s *Session) Do(ctx context.Context, req *Packet) (*Packet, error) {
	switch s.state {
	case StatePoisoned:
		return nil, ErrPoisoned
	case StateDisconnected:
		return nil, ErrNotConnected
	case StatePreConnect:
		if req.Opcode.WithoutFinal() != OpConnect {
			return nil, ErrNotConnected
		}
	}

	name, _ := req.Header(HdrName)
	opName := xcode.DecodeFilename(name.Value)

	var acc *Packet
	sent := int64(0)

	wire, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("obex: marshal request: %w", err)
	}
	if err := s.ep.Send(ctx, wire); err != nil {
		return nil, s.handleTransportError(err)
	}

	for {
		raw, err := s.ep.Recv(ctx)
		if err != nil {
			return nil, s.handleTransportError(err)
		}
		rsp, err := Unmarshal(raw, nonHeaderLenFor(req.Opcode))
		if err != nil {
			return nil, fmt.Errorf("obex: decode response: %w", err)
		}

		code := rsp.Response()
		if code == RspInternalServerError {
			s.poison()
			return rsp, &ErrUnexpectedResponse{Code: code, Pkt: rsp}
		}

		acc = mergeResponse(acc, rsp)
		if bh, ok := rsp.Header(HdrBody); ok {
			sent += int64(len(bh.Value))
			s.observer.OnProgress(opName, sent, 0)
		}
		if beh, ok := rsp.Header(HdrBodyEnd); ok {
			sent += int64(len(beh.Value))
			s.observer.OnProgress(opName, sent, sent)
		}

		if !rsp.Opcode.IsFinal() {
			cont := NewRequest(OpContinue | Final)
			wire, err := cont.Marshal()
			if err != nil {
				return nil, fmt.Errorf("obex: marshal continue: %w", err)
			}
			if err := s.ep.Send(ctx, wire); err != nil {
				return nil, s.handleTransportError(err)
			}
			continue
		}

		switch code {
		case RspSuccess:
			s.afterSuccess(req.Opcode)
			return acc, nil
		case RspForbidden, RspNotFound:
			return acc, &ErrUnexpectedResponse{Code: code, Pkt: rsp}
		default:
			return acc, &ErrUnexpectedResponse{Code: code, Pkt: rsp}
		}
	}
}

// nonHeaderLenFor reports how many non-header bytes precede the header
// list in the response to a given request opcode. CONNECT responses
// carry the standard 4-byte OBEX connect-info payload (version, flags,
// 2-byte max packet size); SETPATH's 2-byte flags field is carried only
// on the request, not the response; every other response is pure
// headers.
func nonHeaderLenFor(reqOp Opcode) int {
	if reqOp.WithoutFinal() == OpConnect {
		return 4
	}
	return 0
}

// mergeResponse concatenates acc's headers with next's, preserving the
// first packet's opcode/non-header data as the representative envelope
// for the whole accumulated response, matching how multi-packet GET/PUT
// bodies are reassembled before being handed to the caller.
func mergeResponse(acc, next *Packet) *Packet {
	if acc == nil {
		return next
	}
	acc.Headers = append(acc.Headers, next.Headers...)
	acc.Opcode = next.Opcode
	return acc
}

func (s *Session) afterSuccess(reqOp Opcode) {
	switch reqOp.WithoutFinal() {
	case OpConnect:
		s.state = StateConnected
	case OpDisconnect:
		s.state = StateDisconnected
		s.reason = DisconnectNormal
	}
}

func (s *Session) poison() {
	s.logf("obex: session poisoned by INTERNAL_SERVER_ERROR")
	s.state = StatePoisoned
	s.reason = DisconnectError
}

func (s *Session) handleTransportError(err error) error {
	if !s.ep.Connected() {
		s.logf("obex: transport reports device gone: %v", err)
		s.state = StateDisconnected
		s.reason = DisconnectUnplugged
	}
	return fmt.Errorf("obex: transport: %w", err)
}

// PollDisconnect checks whether the transport has silently gone away
// between requests (e.g. the cable was pulled with no request in
// flight), moving the session to StateDisconnected with
// DisconnectUnplugged if so. Callers that poll device presence between
// long idle periods use this instead of waiting for the next Do to fail.
func (s *Session) PollDisconnect() bool {
	if s.state == StateDisconnected || s.state == StatePoisoned {
		return true
	}
	if !s.ep.Connected() {
		s.state = StateDisconnected
		s.reason = DisconnectUnplugged
		return true
	}
	return false
}

// Reconnect resets a Disconnected or Poisoned session back to
// StatePreConnect so CONNECT can be retried against a freshly
// (re)enumerated device, and replaces the session's Endpoint with ep.
func (s *Session) Reconnect(ep Endpoint) {
	s.ep = ep
	s.state = StatePreConnect
	s.reason = DisconnectNone
}
