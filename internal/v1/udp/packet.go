// Package udp implements the media-plane relay: two datagram listeners
// (voice, video) that fan media frames out to every registered endpoint of
// the same room. Packets are anonymous and best-effort; nothing here may
// touch control-plane state beyond address registration.
package udp

import (
	"encoding/binary"
	"errors"
)

// Wire format, big-endian:
//
//	magic[4] "HPH1" | type[1] | room_len[2] | user_len[2] | seq[4]
//	| room | user | payload
const (
	magicLen  = 4
	headerLen = magicLen + 1 + 2 + 2 + 4
)

var magic = [magicLen]byte{'H', 'P', 'H', '1'}

// Packet types.
const (
	TypeVoiceFrame byte = 1
	TypeVideoFrame byte = 2
	TypeJoin       byte = 10
	TypeLeave      byte = 11
	TypeKeepalive  byte = 12
)

// ErrBadPacket covers every structural defect: short header, wrong magic,
// lengths past the end of the datagram, unknown type. Callers drop the
// datagram and never answer (amplification risk).
var ErrBadPacket = errors.New("udp: malformed packet")

// Packet is one decoded media-plane datagram.
type Packet struct {
	Type    byte
	Seq     uint32
	Room    string
	User    string
	Payload []byte
}

// IsMedia reports whether the packet carries a media frame to fan out,
// rather than a membership signal.
func (p *Packet) IsMedia() bool {
	return p.Type == TypeVoiceFrame || p.Type == TypeVideoFrame
}

func knownType(t byte) bool {
	switch t {
	case TypeVoiceFrame, TypeVideoFrame, TypeJoin, TypeLeave, TypeKeepalive:
		return true
	}
	return false
}

// Parse decodes one datagram. The returned packet aliases buf; callers that
// retain it past the next read must copy.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < headerLen || [magicLen]byte(buf[:magicLen]) != magic {
		return nil, ErrBadPacket
	}

	typ := buf[magicLen]
	roomLen := int(binary.BigEndian.Uint16(buf[5:7]))
	userLen := int(binary.BigEndian.Uint16(buf[7:9]))
	seq := binary.BigEndian.Uint32(buf[9:13])

	if !knownType(typ) || headerLen+roomLen+userLen > len(buf) {
		return nil, ErrBadPacket
	}
	room := buf[headerLen : headerLen+roomLen]
	user := buf[headerLen+roomLen : headerLen+roomLen+userLen]
	if len(room) == 0 || len(user) == 0 {
		return nil, ErrBadPacket
	}

	return &Packet{
		Type:    typ,
		Seq:     seq,
		Room:    string(room),
		User:    string(user),
		Payload: buf[headerLen+roomLen+userLen:],
	}, nil
}

// Marshal encodes the packet into a fresh datagram buffer.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, headerLen+len(p.Room)+len(p.User)+len(p.Payload))
	copy(buf, magic[:])
	buf[magicLen] = p.Type
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(p.Room)))
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(p.User)))
	binary.BigEndian.PutUint32(buf[9:13], p.Seq)
	n := copy(buf[headerLen:], p.Room)
	n += copy(buf[headerLen+n:], p.User)
	copy(buf[headerLen+n:], p.Payload)
	return buf
}
