package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/lysShub/netkit/packet"
	"github.com/pkg/errors"
)

// SRTLA packet kind, the first 16 bits of every SRTLA packet in
// network order. The numeric values are fixed by the deployed senders
// and must not change.
type Kind uint16

const (
	Keepalive Kind = 0x9000
	Ack       Kind = 0x9100
	Reg1      Kind = 0x9200
	Reg2      Kind = 0x9201
	Reg3      Kind = 0x9202
	RegErr    Kind = 0x9210
	RegNGP    Kind = 0x9211
)

func (k Kind) Valid() error {
	switch k {
	case Keepalive, Ack, Reg1, Reg2, Reg3, RegErr, RegNGP:
		return nil
	default:
		return errors.Errorf("kind %s", k.String())
	}
}

func (k Kind) String() string {
	switch k {
	case Keepalive:
		return "Keepalive"
	case Ack:
		return "Ack"
	case Reg1:
		return "Reg1"
	case Reg2:
		return "Reg2"
	case Reg3:
		return "Reg3"
	case RegErr:
		return "RegErr"
	case RegNGP:
		return "RegNGP"
	default:
		return fmt.Sprintf("Kind(%#04x)", uint16(k))
	}
}

const (
	MTU = 1500

	// SRT packets are at least a full header long, anything shorter
	// is not relayed.
	SRTMinLen = 16

	// srtla group id, sender half followed by receiver half
	IDLen   = 32
	Reg1Len = 2 + IDLen
	Reg2Len = 2 + IDLen

	// data packets acknowledged per batched srtla ack
	RecvACKInt = 10
	AckLen     = 4 + 4*RecvACKInt
)

// ID is a full srtla group id. The sender chooses the first half with
// REG1, the receiver generates the second half at group creation.
type ID [IDLen]byte

func (id ID) SenderHalf() []byte { return id[:IDLen/2] }

func (id *ID) SetReceiverHalf(b []byte) {
	copy(id[IDLen/2:], b)
}

func kindOf(b []byte) (Kind, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return Kind(binary.BigEndian.Uint16(b)), true
}

func IsKeepalive(b []byte) bool {
	k, ok := kindOf(b)
	return ok && k == Keepalive
}

func IsReg1(b []byte) bool {
	k, ok := kindOf(b)
	return ok && k == Reg1 && len(b) == Reg1Len
}

func IsReg2(b []byte) bool {
	k, ok := kindOf(b)
	return ok && k == Reg2 && len(b) == Reg2Len
}

// IsSRTAck reports whether b is an SRT control packet of the ACK
// subtype, the one return-path packet that is broadcast over every
// member link.
func IsSRTAck(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return binary.BigEndian.Uint16(b) == srtTypeAck
}

// SequenceNumber extracts the 31 bit sequence number of an SRT data
// packet. It reports false for SRT control packets and runts.
func SequenceNumber(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	sn := binary.BigEndian.Uint32(b)
	if sn&0x8000_0000 != 0 {
		return 0, false
	}
	return sn, true
}

// ExtractID reads the group id of a REG1 or REG2 packet. REG1 carries
// only the sender half, the wire layout still allocates the full id
// with the second half zeroed.
func ExtractID(b []byte) (id ID, err error) {
	if len(b) != Reg1Len {
		return id, errors.Errorf("id packet length %d", len(b))
	}
	copy(id[:], b[2:])
	return id, nil
}

// EncodeControl builds a bare control packet: KEEPALIVE, REG3,
// REG_ERR or REG_NGP.
func EncodeControl(to *packet.Packet, k Kind) error {
	if err := k.Valid(); err != nil {
		return err
	}
	to.Attach(byte(k>>8), byte(k))
	return nil
}

// EncodeReg2 builds the REG2 reply echoing the full group id back to
// the sender.
func EncodeReg2(to *packet.Packet, id ID) error {
	to.Attach(id[:]...)
	k := Reg2
	to.Attach(byte(k>>8), byte(k))
	return nil
}

// AckPacket is the batched link-level acknowledgment carrying the
// RecvACKInt most recently received SRT sequence numbers.
type AckPacket struct {
	Acks [RecvACKInt]uint32
}

func (a *AckPacket) Encode(to *packet.Packet) error {
	var b [AckLen]byte
	binary.BigEndian.PutUint32(b[0:], uint32(Ack)<<16)
	for i, sn := range a.Acks {
		binary.BigEndian.PutUint32(b[4+i*4:], sn)
	}
	to.Attach(b[:]...)
	return nil
}

func (a *AckPacket) Decode(from *packet.Packet) error {
	b := from.Bytes()
	if len(b) < AckLen {
		return errors.Errorf("too short %d", len(b))
	}
	if binary.BigEndian.Uint32(b) != uint32(Ack)<<16 {
		return errors.Errorf("not an srtla ack")
	}
	for i := range a.Acks {
		a.Acks[i] = binary.BigEndian.Uint32(b[4+i*4:])
	}
	from.DetachN(AckLen)
	return nil
}
