package bpf

import (
	"github.com/cilium/ebpf/asm"
	"github.com/tcassar-diss/portdrop/filter"
	"golang.org/x/sys/unix"
)

// offsets into struct xdp_md
const (
	xdpMDData    = 0
	xdpMDDataEnd = 4
)

// offsets into the frame
const (
	ipProtocolOffset = filter.EthernetHeaderLen + 9
	tcpSrcOffset     = filter.EthernetHeaderLen + filter.IPv4HeaderLen
	tcpDstOffset     = tcpSrcOffset + 2
)

// stack slot holding the port map key
const keyStackOffset = -4

const (
	labelPass = "pass"
	labelDrop = "drop"
)

// Instructions returns the body of the XDP program. In Static mode port is
// the match port; in Dynamic mode port is ignored and the program looks up
// filter.ConfigKey in the map referenced as PortMapName, passing every frame
// while the key is absent.
//
// Register use: r2 holds data (r7 across the map lookup), r6 the match port
// in network byte order.
func Instructions(mode Mode, port uint16) asm.Instructions {
	insns := asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, xdpMDData, asm.Word),
		asm.LoadMem(asm.R3, asm.R1, xdpMDDataEnd, asm.Word),

		// one check covers every header read below
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, filter.HeaderLen),
		asm.JGT.Reg(asm.R4, asm.R3, labelPass),

		asm.LoadMem(asm.R4, asm.R2, ipProtocolOffset, asm.Byte),
		asm.JNE.Imm(asm.R4, unix.IPPROTO_TCP, labelPass),
	}

	if mode == Static {
		insns = append(insns, asm.Mov.Imm(asm.R6, int32(port)))
	} else {
		insns = append(insns, lookupPort()...)
	}

	return append(insns,
		asm.HostTo(asm.BE, asm.R6, asm.Half),

		asm.LoadMem(asm.R4, asm.R2, tcpSrcOffset, asm.Half),
		asm.JEq.Reg(asm.R4, asm.R6, labelDrop),
		asm.LoadMem(asm.R4, asm.R2, tcpDstOffset, asm.Half),
		asm.JEq.Reg(asm.R4, asm.R6, labelDrop),

		asm.Mov.Imm(asm.R0, int32(filter.Pass)).WithSymbol(labelPass),
		asm.Return(),

		asm.Mov.Imm(asm.R0, int32(filter.Drop)).WithSymbol(labelDrop),
		asm.Return(),
	)
}

// lookupPort loads the port map value into r6, jumping to pass when the key
// is absent. r1-r5 are clobbered by the helper call so data is parked in r7.
func lookupPort() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R7, asm.R2),

		asm.StoreImm(asm.RFP, keyStackOffset, int64(filter.ConfigKey), asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(PortMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, keyStackOffset),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelPass),

		asm.LoadMem(asm.R6, asm.R0, 0, asm.Half),
		asm.Mov.Reg(asm.R2, asm.R7),
	}
}
