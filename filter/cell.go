package filter

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ConfigKey is the only key of the configuration cell.
const ConfigKey uint32 = 0

var ErrKeyOutOfRange = errors.New("key out of range")

// Store is a single-slot port table.
type Store interface {
	Lookup(key uint32) (port uint16, ok bool)
}

// present marks the slot as written; the port lives in the low 16 bits.
const present = 1 << 16

// Cell is an in-process Store holding at most one port at ConfigKey. The zero
// value is empty. Reads and writes are single atomic word operations.
type Cell struct {
	slot atomic.Uint32
}

// NewCell returns a cell already holding port.
func NewCell(port uint16) *Cell {
	c := &Cell{}
	c.slot.Store(present | uint32(port))

	return c
}

func (c *Cell) Lookup(key uint32) (uint16, bool) {
	if key != ConfigKey {
		return 0, false
	}

	v := c.slot.Load()
	if v&present == 0 {
		return 0, false
	}

	return uint16(v), true
}

func (c *Cell) Put(key uint32, port uint16) error {
	if key != ConfigKey {
		return fmt.Errorf("%w: %d", ErrKeyOutOfRange, key)
	}

	c.slot.Store(present | uint32(port))

	return nil
}

func (c *Cell) Delete(key uint32) error {
	if key != ConfigKey {
		return fmt.Errorf("%w: %d", ErrKeyOutOfRange, key)
	}

	c.slot.Store(0)

	return nil
}
