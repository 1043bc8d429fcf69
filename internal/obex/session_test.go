package obex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint replays a scripted sequence of responses, one per Send, and
// records every packet sent.
type fakeEndpoint struct {
	responses [][]byte
	sent      [][]byte
	connected bool
	sendErr   error
	recvErr   error
}

func newFakeEndpoint(responses ...[]byte) *fakeEndpoint {
	return &fakeEndpoint{responses: responses, connected: true}
}

func (f *fakeEndpoint) Send(ctx context.Context, data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeEndpoint) Recv(ctx context.Context) ([]byte, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.responses) == 0 {
		return nil, errEndOfScript
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeEndpoint) Connected() bool { return f.connected }

var errEndOfScript = assertErr("fakeEndpoint: out of scripted responses")

type assertErr string

func (e assertErr) Error() string { return string(e) }

func successResponse(t *testing.T, final bool) []byte {
	t.Helper()
	op := Opcode(RspSuccess)
	if final {
		op |= Final
	}
	p := &Packet{Opcode: op}
	wire, err := p.Marshal()
	require.NoError(t, err)
	return wire
}

func connectResponse(t *testing.T) []byte {
	t.Helper()
	p := &Packet{Opcode: Opcode(RspSuccess) | Final, NonHeader: []byte{0x10, 0x00, 0xff, 0x00}}
	wire, err := p.Marshal()
	require.NoError(t, err)
	return wire
}

func TestSessionRejectsRequestsBeforeConnect(t *testing.T) {
	ep := newFakeEndpoint()
	sess := NewSession(ep, nil, nil)

	req := NewRequest(OpGet | Final)
	_, err := sess.Do(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionConnectTransitionsToConnected(t *testing.T) {
	ep := newFakeEndpoint(connectResponse(t))
	sess := NewSession(ep, nil, nil)

	req := NewRequest(OpConnect | Final)
	_, err := sess.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, sess.State())
}

func TestSessionAccumulatesContinueResponses(t *testing.T) {
	ep := newFakeEndpoint(connectResponse(t))
	sess := NewSession(ep, nil, nil)
	_, err := sess.Do(context.Background(), NewRequest(OpConnect|Final))
	require.NoError(t, err)

	first := &Packet{Opcode: Opcode(RspSuccess)}
	first.AddHeader(HdrBody, []byte("abc"))
	firstWire, err := first.Marshal()
	require.NoError(t, err)

	second := &Packet{Opcode: Opcode(RspSuccess) | Final}
	second.AddHeader(HdrBodyEnd, []byte("def"))
	secondWire, err := second.Marshal()
	require.NoError(t, err)

	ep.responses = [][]byte{firstWire, secondWire}

	got, err := sess.Do(context.Background(), NewRequest(OpGet|Final))
	require.NoError(t, err)

	body, ok := got.Header(HdrBody)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), body.Value)
	bodyEnd, ok := got.Header(HdrBodyEnd)
	require.True(t, ok)
	assert.Equal(t, []byte("def"), bodyEnd.Value)

	// A CONTINUE must have been sent between the two responses (after the
	// CONNECT and GET requests).
	require.Len(t, ep.sent, 3)
	continueReq, err := Unmarshal(ep.sent[2], 0)
	require.NoError(t, err)
	assert.Equal(t, OpContinue|Final, continueReq.Opcode)
}

func TestSessionPoisonsOnInternalServerError(t *testing.T) {
	ep := newFakeEndpoint(connectResponse(t))
	sess := NewSession(ep, nil, nil)
	_, err := sess.Do(context.Background(), NewRequest(OpConnect|Final))
	require.NoError(t, err)

	errRsp := &Packet{Opcode: Opcode(RspInternalServerError) | Final}
	wire, err := errRsp.Marshal()
	require.NoError(t, err)
	ep.responses = [][]byte{wire}

	_, err = sess.Do(context.Background(), NewRequest(OpGet|Final))
	require.Error(t, err)
	assert.Equal(t, StatePoisoned, sess.State())
	assert.Equal(t, DisconnectError, sess.DisconnectReason())

	// Every subsequent call must short-circuit without touching the
	// transport.
	sentBefore := len(ep.sent)
	_, err = sess.Do(context.Background(), NewRequest(OpGet|Final))
	assert.ErrorIs(t, err, ErrPoisoned)
	assert.Equal(t, sentBefore, len(ep.sent))
}

func TestSessionDisconnectTransitionsNormally(t *testing.T) {
	ep := newFakeEndpoint(connectResponse(t))
	sess := NewSession(ep, nil, nil)
	_, err := sess.Do(context.Background(), NewRequest(OpConnect|Final))
	require.NoError(t, err)

	ep.responses = [][]byte{successResponse(t, true)}
	_, err = sess.Do(context.Background(), NewRequest(OpDisconnect|Final))
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, sess.State())
	assert.Equal(t, DisconnectNormal, sess.DisconnectReason())

	_, err = sess.Do(context.Background(), NewRequest(OpGet|Final))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPollDisconnectDetectsUnplug(t *testing.T) {
	ep := newFakeEndpoint(connectResponse(t))
	sess := NewSession(ep, nil, nil)
	_, err := sess.Do(context.Background(), NewRequest(OpConnect|Final))
	require.NoError(t, err)

	assert.False(t, sess.PollDisconnect())
	ep.connected = false
	assert.True(t, sess.PollDisconnect())
	assert.Equal(t, StateDisconnected, sess.State())
	assert.Equal(t, DisconnectUnplugged, sess.DisconnectReason())
}

type progressRecorder struct {
	names []string
	sent  []int64
}

func (p *progressRecorder) OnProgress(name string, sent, total int64) {
	p.names = append(p.names, name)
	p.sent = append(p.sent, sent)
}

func TestSessionReportsProgress(t *testing.T) {
	ep := newFakeEndpoint(connectResponse(t))
	rec := &progressRecorder{}
	sess := NewSession(ep, nil, rec)
	_, err := sess.Do(context.Background(), NewRequest(OpConnect|Final))
	require.NoError(t, err)

	rsp := &Packet{Opcode: Opcode(RspSuccess) | Final}
	rsp.AddHeader(HdrBodyEnd, []byte("xyz"))
	wire, err := rsp.Marshal()
	require.NoError(t, err)
	ep.responses = [][]byte{wire}

	req := NewRequest(OpGet | Final)
	req.AddHeader(HdrName, []byte{0x00, 's', 0x00, 'f', 0x00, 0})

	_, err = sess.Do(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, rec.names)
	assert.Equal(t, int64(3), rec.sent[len(rec.sent)-1])
}
