package filter

import "fmt"

// Verdict is the action returned for a frame. The values are the XDP action
// codes.
type Verdict uint32

const (
	Drop Verdict = 1
	Pass Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "DROP"
	case Pass:
		return "PASS"
	default:
		return fmt.Sprintf("Verdict(%d)", uint32(v))
	}
}

// DefaultStaticPort is the port matched when nothing else is configured.
const DefaultStaticPort uint16 = 8080

// PortSource supplies the port to match. ok is false when no port is
// configured, in which case every frame passes.
type PortSource interface {
	MatchPort() (port uint16, ok bool)
}

// StaticPort is a match port fixed at construction.
type StaticPort uint16

func (s StaticPort) MatchPort() (uint16, bool) {
	return uint16(s), true
}

// StorePort reads the match port from Store at ConfigKey on every call.
type StorePort struct {
	Store Store
}

func (s StorePort) MatchPort() (uint16, bool) {
	if s.Store == nil {
		return 0, false
	}

	return s.Store.Lookup(ConfigKey)
}

// Filter classifies frames against the port from its PortSource. A Filter is
// safe for concurrent use as long as its PortSource is.
type Filter struct {
	ports PortSource
}

// New returns a Filter matching the port supplied by ports.
func New(ports PortSource) *Filter {
	return &Filter{ports: ports}
}

// Classify returns Drop if frame is TCP over IPv4 and either TCP port equals
// the match port, and Pass otherwise.
func (f *Filter) Classify(frame []byte) Verdict {
	h, ok := ParseHeaders(frame)
	if !ok {
		return Pass
	}

	if !h.IsTCP() {
		return Pass
	}

	if f.ports == nil {
		return Pass
	}

	port, ok := f.ports.MatchPort()
	if !ok {
		return Pass
	}

	if h.SrcPort == port || h.DstPort == port {
		return Drop
	}

	return Pass
}
