package packet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	// RFC 1071 worked example
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	assert.Equal(t, uint16(0x220d), Checksum(data))

	assert.Equal(t, uint16(0xffff), Checksum(make([]byte, 20)))

	// odd-length input pads the trailing byte with zero
	assert.Equal(t, Checksum([]byte{0xab, 0x00}), Checksum([]byte{0xab}))
}

func TestIPID(t *testing.T) {
	a := IPID()
	b := IPID()
	assert.NotEqual(t, a, b)
}

func TestIPv4RoundTrip(t *testing.T) {
	ip := &IPv4{
		Version:  4,
		TOS:      0,
		Id:       0x1234,
		Flags:    2,
		TTL:      64,
		Protocol: IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.2").To4(),
		DstIP:    net.ParseIP("93.184.216.34").To4(),
	}

	buf := make([]byte, ip.HeaderLength()+4)
	require.NoError(t, ip.Serialize(buf[:ip.HeaderLength()], 4))

	// a correct header checksum verifies to zero
	assert.Equal(t, uint16(0), Checksum(buf[:20]))

	var got IPv4
	require.NoError(t, ParseIPv4(buf, &got))
	assert.Equal(t, uint8(4), got.Version)
	assert.Equal(t, uint16(0x1234), got.Id)
	assert.Equal(t, uint8(2), got.Flags)
	assert.Equal(t, uint16(0), got.FragOffset)
	assert.Equal(t, uint8(64), got.TTL)
	assert.Equal(t, IPProtocolTCP, got.Protocol)
	assert.Equal(t, "10.0.0.2", got.SrcIP.String())
	assert.Equal(t, "93.184.216.34", got.DstIP.String())
	assert.Equal(t, uint16(24), got.Length)
	assert.Len(t, got.Payload, 4)
}

func TestParseIPv4Errors(t *testing.T) {
	var ip IPv4

	assert.ErrorIs(t, ParseIPv4(make([]byte, 10), &ip), ErrTooShort)

	bad := make([]byte, 20)
	bad[0] = 0x65 // version 6
	assert.ErrorIs(t, ParseIPv4(bad, &ip), ErrBadVersion)

	bad[0] = 0x44 // IHL 16 bytes, below minimum
	assert.ErrorIs(t, ParseIPv4(bad, &ip), ErrBadHeaderLen)

	bad[0] = 0x4f // IHL 60 bytes, past the buffer
	assert.ErrorIs(t, ParseIPv4(bad, &ip), ErrBadHeaderLen)

	bad[0] = 0x45
	bad[2] = 0x00
	bad[3] = 0x40 // total length 64 > 20 bytes of data
	assert.ErrorIs(t, ParseIPv4(bad, &ip), ErrBadTotalLen)

	bad[3] = 20
	bad[9] = 47 // GRE
	assert.ErrorIs(t, ParseIPv4(bad, &ip), ErrBadProtocol)
}

func TestParseIPv4Fragment(t *testing.T) {
	raw := make([]byte, 28)
	raw[0] = 0x45
	raw[2] = 0x00
	raw[3] = 28
	raw[9] = uint8(IPProtocolUDP)
	// more-fragments flag, offset 185 (in 8-byte units)
	raw[6] = 0x20 | 0x00
	raw[7] = 0xb9

	var ip IPv4
	require.NoError(t, ParseIPv4(raw, &ip))
	assert.Equal(t, uint8(1), ip.Flags)
	assert.Equal(t, uint16(0xb9), ip.FragOffset)
}

func TestTCPRoundTrip(t *testing.T) {
	tcp := &TCP{
		SrcPort: 443,
		DstPort: 52100,
		Seq:     0x01020304,
		Ack:     0x0a0b0c0d,
		SYN:     true,
		ACK:     true,
		Window:  65535,
		Options: []TCPOption{
			{OptionType: 2, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
		},
	}
	require.Equal(t, 24, tcp.HeaderLength())

	ip := &IPv4{
		Version:  4,
		TTL:      64,
		Protocol: IPProtocolTCP,
		SrcIP:    net.ParseIP("93.184.216.34").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}

	hl := tcp.HeaderLength()
	ck := make([]byte, IPv4_PSEUDO_LENGTH+hl)
	require.NoError(t, ip.PseudoHeader(ck[:IPv4_PSEUDO_LENGTH], IPProtocolTCP, hl))
	require.NoError(t, tcp.Serialize(ck[IPv4_PSEUDO_LENGTH:], ck))

	// checksum over pseudo header plus the serialized segment verifies to zero
	assert.Equal(t, uint16(0), Checksum(ck))

	var got TCP
	require.NoError(t, ParseTCP(ck[IPv4_PSEUDO_LENGTH:], &got))
	assert.Equal(t, uint16(443), got.SrcPort)
	assert.Equal(t, uint16(52100), got.DstPort)
	assert.Equal(t, uint32(0x01020304), got.Seq)
	assert.Equal(t, uint32(0x0a0b0c0d), got.Ack)
	assert.True(t, got.SYN)
	assert.True(t, got.ACK)
	assert.False(t, got.FIN)
	assert.False(t, got.RST)
	assert.Equal(t, uint16(65535), got.Window)
	require.Len(t, got.Options, 1)
	assert.Equal(t, uint8(2), got.Options[0].OptionType)
	assert.Equal(t, []byte{0x05, 0xb4}, got.Options[0].OptionData)
	assert.Empty(t, got.Payload)
}

func TestTCPOptionAccessors(t *testing.T) {
	tcp := &TCP{
		SrcPort: 52100,
		DstPort: 443,
		SYN:     true,
		Window:  65535,
		Options: []TCPOption{
			{OptionType: TCPOptionMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: TCPOptionWindowScale, OptionLength: 3, OptionData: []byte{7}},
			{OptionType: TCPOptionSACKPermitted, OptionLength: 2},
			{OptionType: TCPOptionTimestamps, OptionLength: 10,
				OptionData: []byte{0x00, 0x00, 0x00, 0x6f, 0x00, 0x00, 0x00, 0x00}},
		},
	}

	ip := &IPv4{
		Version:  4,
		TTL:      64,
		Protocol: IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.2").To4(),
		DstIP:    net.ParseIP("93.184.216.34").To4(),
	}

	hl := tcp.HeaderLength()
	ck := make([]byte, IPv4_PSEUDO_LENGTH+hl)
	require.NoError(t, ip.PseudoHeader(ck[:IPv4_PSEUDO_LENGTH], IPProtocolTCP, hl))
	require.NoError(t, tcp.Serialize(ck[IPv4_PSEUDO_LENGTH:], ck))

	var got TCP
	require.NoError(t, ParseTCP(ck[IPv4_PSEUDO_LENGTH:], &got))

	shift, ok := got.WindowScale()
	assert.True(t, ok)
	assert.Equal(t, uint8(7), shift)

	assert.True(t, got.SACKPermitted())

	tsVal, tsEcr, ok := got.Timestamps()
	assert.True(t, ok)
	assert.Equal(t, uint32(111), tsVal)
	assert.Equal(t, uint32(0), tsEcr)

	assert.Nil(t, got.Option(5))

	// malformed lengths are treated as absent
	bare := TCP{Options: []TCPOption{
		{OptionType: TCPOptionWindowScale, OptionLength: 4, OptionData: []byte{1, 2}},
		{OptionType: TCPOptionTimestamps, OptionLength: 6, OptionData: []byte{0, 0, 0, 1}},
	}}
	_, ok = bare.WindowScale()
	assert.False(t, ok)
	_, _, ok = bare.Timestamps()
	assert.False(t, ok)
	assert.False(t, bare.SACKPermitted())
}

func TestParseTCPErrors(t *testing.T) {
	var tcp TCP

	assert.ErrorIs(t, ParseTCP(make([]byte, 12), &tcp), ErrTooShort)

	bad := make([]byte, 20)
	bad[12] = 0x40 // data offset 16 bytes, below minimum
	assert.ErrorIs(t, ParseTCP(bad, &tcp), ErrBadHeaderLen)

	bad[12] = 0xf0 // data offset 60 bytes, past the buffer
	assert.ErrorIs(t, ParseTCP(bad, &tcp), ErrBadHeaderLen)

	// truncated option
	bad = make([]byte, 24)
	bad[12] = 0x60
	bad[20] = 2 // MSS option claims length 0
	assert.ErrorIs(t, ParseTCP(bad, &tcp), ErrBadHeaderLen)
}

func TestUDPRoundTrip(t *testing.T) {
	payload := []byte("example payload")
	udp := &UDP{SrcPort: 53, DstPort: 31000}
	ip := &IPv4{
		Version:  4,
		TTL:      64,
		Protocol: IPProtocolUDP,
		SrcIP:    net.ParseIP("8.8.8.8").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}

	ck := make([]byte, IPv4_PSEUDO_LENGTH+8)
	require.NoError(t, ip.PseudoHeader(ck[:IPv4_PSEUDO_LENGTH], IPProtocolUDP, 8+len(payload)))
	require.NoError(t, udp.Serialize(ck[IPv4_PSEUDO_LENGTH:], ck, payload))

	assert.Equal(t, uint16(8+len(payload)), udp.Length)
	assert.NotZero(t, udp.Checksum)

	full := append(append([]byte(nil), ck...), payload...)
	assert.Equal(t, uint16(0), Checksum(full))

	var got UDP
	require.NoError(t, ParseUDP(append(ck[IPv4_PSEUDO_LENGTH:], payload...), &got))
	assert.Equal(t, uint16(53), got.SrcPort)
	assert.Equal(t, uint16(31000), got.DstPort)
	assert.Equal(t, udp.Length, got.Length)
	assert.Equal(t, payload, got.Payload)
}

func TestParseUDPTooShort(t *testing.T) {
	var udp UDP
	assert.ErrorIs(t, ParseUDP(make([]byte, 7), &udp), ErrTooShort)
}
