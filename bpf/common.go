package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/link"
)

var (
	ErrInvalidMode       = errors.New("invalid filter mode")
	ErrInvalidAttachMode = errors.New("invalid attach mode")
	ErrProgramNotLoaded  = errors.New("program not loaded")
	ErrNoPortMap         = errors.New("program has no port map")
	ErrIncompatibleMap   = errors.New("incompatible port map")
)

const (
	ProgramName = "xdp_port_drop"
	PortMapName = "port_map"
)

// Mode selects where the XDP program takes its match port from.
type Mode string

var (
	// Static compiles the match port into the program.
	Static Mode = "static"
	// Dynamic reads the match port from the port map on every frame.
	Dynamic Mode = "dynamic"
)

// ParseMode parses "static" or "dynamic".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Static:
		return Static, nil
	case Dynamic:
		return Dynamic, nil
	default:
		return "", fmt.Errorf("%w: %q (expected static or dynamic)", ErrInvalidMode, s)
	}
}

// AttachMode selects how the program is attached to the interface.
type AttachMode string

var (
	// AttachAuto lets the kernel pick driver mode when supported, generic otherwise.
	AttachAuto    AttachMode = "auto"
	AttachGeneric AttachMode = "generic"
	AttachDriver  AttachMode = "driver"
	AttachOffload AttachMode = "offload"
)

// ParseAttachMode parses one of "auto", "generic", "driver" or "offload".
func ParseAttachMode(s string) (AttachMode, error) {
	switch m := AttachMode(s); m {
	case AttachAuto, AttachGeneric, AttachDriver, AttachOffload:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAttachMode, s)
	}
}

// Flags returns the link flags for the attach mode.
func (m AttachMode) Flags() (link.XDPAttachFlags, error) {
	switch m {
	case AttachAuto:
		return 0, nil
	case AttachGeneric:
		return link.XDPGenericMode, nil
	case AttachDriver:
		return link.XDPDriverMode, nil
	case AttachOffload:
		return link.XDPOffloadMode, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAttachMode, string(m))
	}
}
