// Package frames builds Ethernet/IPv4 frames for exercising the port filter.
package frames

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	srcIP  = net.IPv4(10, 0, 0, 1)
	dstIP  = net.IPv4(10, 0, 0, 2)
)

// TCP returns an Ethernet + IPv4 + TCP frame with the given ports and payload.
func TCP(srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     1,
		SYN:     true,
		Window:  64240,
	}

	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	return serialize(ethernet(), ip, tcp, gopacket.Payload(payload))
}

// UDP returns an Ethernet + IPv4 + UDP frame with the given ports and payload.
func UDP(srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}

	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	return serialize(ethernet(), ip, udp, gopacket.Payload(payload))
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
