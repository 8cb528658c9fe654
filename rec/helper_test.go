package rec

import (
	"encoding/binary"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lysShub/netkit/packet"
	"github.com/openirl/srtla-rec/proto"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	return &Config{
		LogPath:          filepath.Join(t.TempDir(), "rec.log"),
		SocketInfoPrefix: filepath.Join(t.TempDir(), "srtla-group-"),
		Clock:            clock.NewMock(),
	}
}

// newTestReceiver binds a receiver on an ephemeral port, with a fake
// SRT listener socket as its upstream destination.
func newTestReceiver(t *testing.T) (*Receiver, *net.UDPConn) {
	srv, err := net.ListenUDP(Network, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	r, err := New(0, netip.MustParseAddrPort(srv.LocalAddr().String()), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, srv
}

func bareReceiver(t *testing.T) *Receiver {
	return &Receiver{config: testConfig(t).init()}
}

// newMember binds a sender-link socket, its local address identifies
// the member.
func newMember(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	m, err := net.ListenUDP(Network, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, netip.MustParseAddrPort(m.LocalAddr().String())
}

func readPkt(t *testing.T, c *net.UDPConn) []byte {
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	b := make([]byte, proto.MTU)
	n, _, err := c.ReadFromUDP(b)
	require.NoError(t, err)
	return b[:n]
}

// noPkt asserts that nothing arrives on c within a short window.
func noPkt(t *testing.T, c *net.UDPConn) {
	require.NoError(t, c.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	b := make([]byte, proto.MTU)
	_, _, err := c.ReadFromUDP(b)
	require.Error(t, err)
}

func reg1Pkt(senderHalf []byte) *packet.Packet {
	b := make([]byte, proto.Reg1Len)
	binary.BigEndian.PutUint16(b, uint16(proto.Reg1))
	copy(b[2:], senderHalf)
	return packet.From(b)
}

func reg2Pkt(id proto.ID) *packet.Packet {
	b := make([]byte, proto.Reg2Len)
	binary.BigEndian.PutUint16(b, uint16(proto.Reg2))
	copy(b[2:], id[:])
	return packet.From(b)
}

func dataPkt(sn uint32, size int) *packet.Packet {
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b, sn&0x7fff_ffff)
	return packet.From(b)
}

func srtCtlPkt(typ uint16, size int) *packet.Packet {
	b := make([]byte, size)
	binary.BigEndian.PutUint16(b, typ)
	return packet.From(b)
}

// register runs the two-phase registration for the member at maddr
// and returns its group.
func register(t *testing.T, r *Receiver, m *net.UDPConn, maddr netip.AddrPort, now time.Time) *group {
	half := make([]byte, proto.IDLen/2)
	for i := range half {
		half[i] = byte(i)
	}

	r.handleSRTLA(maddr, reg1Pkt(half), now)
	reply := readPkt(t, m)
	require.True(t, proto.IsReg2(reply))

	id, err := proto.ExtractID(reply)
	require.NoError(t, err)

	r.handleSRTLA(maddr, reg2Pkt(id), now)
	require.Equal(t, []byte{0x92, 0x02}, readPkt(t, m))

	g, c := r.groups.findByAddr(maddr)
	require.NotNil(t, g)
	require.NotNil(t, c)
	return g
}

// join adds another member to an existing group.
func join(t *testing.T, r *Receiver, g *group, m *net.UDPConn, maddr netip.AddrPort, now time.Time) {
	r.handleSRTLA(maddr, reg2Pkt(g.id), now)
	require.Equal(t, []byte{0x92, 0x02}, readPkt(t, m))
	require.NotNil(t, g.findConn(maddr))
}
