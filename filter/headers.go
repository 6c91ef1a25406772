package filter

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
)

const (
	EthernetHeaderLen = 14
	// IPv4HeaderLen assumes no IP options.
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20

	// HeaderLen is the number of bytes that must be present before any header
	// field is read.
	HeaderLen = EthernetHeaderLen + IPv4HeaderLen + TCPHeaderLen

	ipProtocolOffset = EthernetHeaderLen + 9
	tcpOffset        = EthernetHeaderLen + IPv4HeaderLen
)

// Headers holds the fields of a frame the filter looks at. Protocol is a
// gopacket protocol number so reports can print its name.
type Headers struct {
	Protocol layers.IPProtocol
	SrcPort  uint16
	DstPort  uint16
}

// IsTCP reports whether the IPv4 protocol field names TCP.
func (h Headers) IsTCP() bool {
	return h.Protocol == layers.IPProtocolTCP
}

// ParseHeaders reads the protocol and TCP ports at their fixed offsets. It
// returns false when frame is shorter than HeaderLen. Ports are only
// meaningful when IsTCP is true.
func ParseHeaders(frame []byte) (Headers, bool) {
	if len(frame) < HeaderLen {
		return Headers{}, false
	}

	return Headers{
		Protocol: layers.IPProtocol(frame[ipProtocolOffset]),
		SrcPort:  binary.BigEndian.Uint16(frame[tcpOffset : tcpOffset+2]),
		DstPort:  binary.BigEndian.Uint16(frame[tcpOffset+2 : tcpOffset+4]),
	}, true
}
