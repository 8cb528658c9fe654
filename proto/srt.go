package proto

import (
	"encoding/binary"

	"github.com/lysShub/netkit/packet"
	"github.com/pkg/errors"
)

// SRT control type codes, 16 bits with the control bit set.
const (
	srtTypeHandshake uint16 = 0x8000
	srtTypeAck       uint16 = 0x8002
)

// HandshakeLen is the size of an SRT handshake packet, the full SRT
// header followed by the handshake control information.
const HandshakeLen = 64

// Handshake is the SRT handshake induction packet used by the startup
// probe. SRT is connection oriented and ignores anything else from an
// unknown peer, so reachability is checked by starting a handshake.
type Handshake struct {
	Version       uint32
	ExtField      uint16
	HandshakeType uint32
}

func (h Handshake) Encode(to *packet.Packet) error {
	var b [HandshakeLen]byte
	binary.BigEndian.PutUint16(b[0:], srtTypeHandshake)
	binary.BigEndian.PutUint32(b[16:], h.Version)
	binary.BigEndian.PutUint16(b[22:], h.ExtField)
	binary.BigEndian.PutUint32(b[36:], h.HandshakeType)
	to.Attach(b[:]...)
	return nil
}

func (h *Handshake) Decode(from *packet.Packet) error {
	b := from.Bytes()
	if len(b) < HandshakeLen {
		return errors.Errorf("too short %d", len(b))
	}
	if binary.BigEndian.Uint16(b) != srtTypeHandshake {
		return errors.Errorf("not a handshake")
	}
	h.Version = binary.BigEndian.Uint32(b[16:])
	h.ExtField = binary.BigEndian.Uint16(b[22:])
	h.HandshakeType = binary.BigEndian.Uint32(b[36:])
	from.DetachN(HandshakeLen)
	return nil
}
