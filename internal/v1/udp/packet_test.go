package udp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	in := &Packet{
		Type:    TypeVideoFrame,
		Seq:     42,
		Room:    "R",
		User:    "alice",
		Payload: bytes.Repeat([]byte{0xAB}, 1000),
	}

	out, err := Parse(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParse_EmptyPayload(t *testing.T) {
	pkt, err := Parse((&Packet{Type: TypeKeepalive, Room: "R", User: "bob"}).Marshal())
	require.NoError(t, err)
	assert.Empty(t, pkt.Payload)
	assert.False(t, pkt.IsMedia())
}

func TestParse_Malformed(t *testing.T) {
	valid := (&Packet{Type: TypeVoiceFrame, Room: "R", User: "alice", Payload: []byte("x")}).Marshal()

	cases := map[string][]byte{
		"empty":         {},
		"short header":  valid[:headerLen-1],
		"bad magic":     append([]byte("NOPE"), valid[4:]...),
		"unknown type":  append([]byte("HPH1\x63"), valid[5:]...),
		"lengths past end": func() []byte {
			b := append([]byte(nil), valid...)
			b[5], b[6] = 0xFF, 0xFF // room_len far beyond the datagram
			return b
		}(),
		"empty room": (&Packet{Type: TypeJoin, Room: "", User: "alice"}).Marshal(),
		"empty user": (&Packet{Type: TypeJoin, Room: "R", User: ""}).Marshal(),
	}

	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(buf)
			assert.ErrorIs(t, err, ErrBadPacket)
		})
	}
}

func TestIsMedia(t *testing.T) {
	assert.True(t, (&Packet{Type: TypeVoiceFrame}).IsMedia())
	assert.True(t, (&Packet{Type: TypeVideoFrame}).IsMedia())
	assert.False(t, (&Packet{Type: TypeJoin}).IsMedia())
	assert.False(t, (&Packet{Type: TypeLeave}).IsMedia())
	assert.False(t, (&Packet{Type: TypeKeepalive}).IsMedia())
}
