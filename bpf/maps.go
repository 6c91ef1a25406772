package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/tcassar-diss/portdrop/filter"
)

const (
	portMapKeySize   = 4
	portMapValueSize = 2
)

// PortMapSpec describes the port map. It is a hash rather than an array so
// that a key that was never written reads as absent.
func PortMapSpec() *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       PortMapName,
		Type:       ebpf.Hash,
		KeySize:    portMapKeySize,
		ValueSize:  portMapValueSize,
		MaxEntries: 1,
	}
}

// PortMap is the kernel-side configuration cell: a u32 key (always
// filter.ConfigKey) to a host-order u16 port.
type PortMap struct {
	m *ebpf.Map
}

// NewPortMap wraps m after checking it has the port map's layout.
func NewPortMap(m *ebpf.Map) (*PortMap, error) {
	if m == nil {
		return nil, ErrNoPortMap
	}

	if m.Type() != ebpf.Hash || m.KeySize() != portMapKeySize || m.ValueSize() != portMapValueSize {
		return nil, fmt.Errorf(
			"%w: type %s, key size %d, value size %d",
			ErrIncompatibleMap, m.Type(), m.KeySize(), m.ValueSize(),
		)
	}

	return &PortMap{m: m}, nil
}

// OpenPinnedPortMap opens a port map pinned at path by a running program.
func OpenPinnedPortMap(path string) (*PortMap, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned map %s: %w", path, err)
	}

	pm, err := NewPortMap(m)
	if err != nil {
		m.Close()
		return nil, err
	}

	return pm, nil
}

// Port reads the configured port. ok is false when none is set.
func (p *PortMap) Port() (port uint16, ok bool, err error) {
	key := filter.ConfigKey

	if err := p.m.Lookup(&key, &port); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("failed to read port map: %w", err)
	}

	return port, true, nil
}

// Lookup implements filter.Store. Read errors are reported as absent.
func (p *PortMap) Lookup(key uint32) (uint16, bool) {
	if key != filter.ConfigKey {
		return 0, false
	}

	port, ok, err := p.Port()
	if err != nil {
		return 0, false
	}

	return port, ok
}

// Put writes port at key, which must be filter.ConfigKey.
func (p *PortMap) Put(key uint32, port uint16) error {
	if key != filter.ConfigKey {
		return fmt.Errorf("%w: %d", filter.ErrKeyOutOfRange, key)
	}

	if err := p.m.Put(&key, &port); err != nil {
		return fmt.Errorf("failed to write port to port map: %w", err)
	}

	return nil
}

// Delete removes the port at key. Deleting an absent port is not an error.
func (p *PortMap) Delete(key uint32) error {
	if key != filter.ConfigKey {
		return fmt.Errorf("%w: %d", filter.ErrKeyOutOfRange, key)
	}

	if err := p.m.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("failed to delete port from port map: %w", err)
	}

	return nil
}

func (p *PortMap) Close() error {
	return p.m.Close()
}
