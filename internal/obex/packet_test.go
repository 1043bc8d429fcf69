package obex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	req := NewRequest(OpPut | Final)
	req.AddHeader(HdrName, []byte{0x00, 'a', 0x00, 0})
	req.AddBQ4Header(HdrLength, 42)
	req.AddHeader(HdrBody, []byte("hello"))

	wire, err := req.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(wire, 0)
	require.NoError(t, err)

	assert.Equal(t, req.Opcode, got.Opcode)
	name, ok := got.Header(HdrName)
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 'a', 0x00, 0}, name.Value)
	length, ok := got.Header(HdrLength)
	require.True(t, ok)
	assert.EqualValues(t, 42, length.BQ4)
	body, ok := got.Header(HdrBody)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), body.Value)
}

func TestUnmarshalNonHeaderData(t *testing.T) {
	req := NewRequest(OpSetPath | Final)
	req.SetNonHeaderData([]byte{0x02, 0x00})
	req.AddHeader(HdrName, []byte("\x00p\x00\x00"))

	wire, err := req.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(wire, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00}, got.NonHeader)
}

func TestOpcodeFinalBit(t *testing.T) {
	op := OpConnect | Final
	assert.True(t, op.IsFinal())
	assert.Equal(t, OpConnect, op.WithoutFinal())
	assert.False(t, OpConnect.IsFinal())
}

func TestHeaderTagKindBuckets(t *testing.T) {
	assert.Equal(t, kindUnicode, HdrName.kind())
	assert.Equal(t, kindBytes, HdrBody.kind())
	assert.Equal(t, kindBytes, HdrBodyEnd.kind())
	assert.Equal(t, kindBytes, HdrCryptKey.kind())
	assert.Equal(t, kindBytes, HdrAuthInfo.kind())
	assert.Equal(t, kindBQ4, HdrLength.kind())
}

func TestUnmarshalRejectsTruncatedPacket(t *testing.T) {
	_, err := Unmarshal([]byte{0x80, 0x00}, 0)
	assert.Error(t, err)
}

func TestUnmarshalRejectsTruncatedHeader(t *testing.T) {
	// Claims a 5-byte unicode header but total length says only 4 bytes
	// follow the fixed header, one short of what the header needs.
	data := []byte{0x80, 0x00, 0x07, 0x01, 0x00, 0x05, 0xAA}
	_, err := Unmarshal(data, 0)
	assert.Error(t, err)
}

func TestResponseStripsFinalBit(t *testing.T) {
	p := &Packet{Opcode: Opcode(RspSuccess) | Final}
	assert.Equal(t, RspSuccess, p.Response())
}
