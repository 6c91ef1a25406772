package frontend

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tcassar-diss/portdrop/bpf"
	"github.com/tcassar-diss/portdrop/filter"
	"go.uber.org/zap"
)

var ErrInvalidPort = errors.New("invalid port")

// ParsePort parses a decimal TCP port between 1 and 65535.
func ParsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}

	if p == 0 {
		return 0, fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidPort)
	}

	return uint16(p), nil
}

// portWriter is the write side of a configuration cell; both filter.Cell and
// bpf.PortMap satisfy it.
type portWriter interface {
	Put(key uint32, port uint16) error
	Delete(key uint32) error
}

// applyPort writes port to w, or empties w when port is 0.
func applyPort(logger *zap.SugaredLogger, w portWriter, port uint16) error {
	if port == 0 {
		logger.Infow("clearing match port, all frames will pass")

		if err := w.Delete(filter.ConfigKey); err != nil {
			return fmt.Errorf("failed to clear port: %w", err)
		}

		return nil
	}

	logger.Infow("setting match port", "port", port)

	if err := w.Put(filter.ConfigKey, port); err != nil {
		return fmt.Errorf("failed to set port %d: %w", port, err)
	}

	return nil
}

// SetPort writes port to the port map pinned under pinPath by a running
// dynamic-mode filter.
func SetPort(logger *zap.SugaredLogger, pinPath string, port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidPort)
	}

	pm, err := bpf.OpenPinnedPortMap(bpf.PinnedPortMapPath(pinPath))
	if err != nil {
		return fmt.Errorf("failed to open port map: %w", err)
	}
	defer pm.Close()

	return applyPort(logger, pm, port)
}

// ClearPort empties the pinned port map.
func ClearPort(logger *zap.SugaredLogger, pinPath string) error {
	pm, err := bpf.OpenPinnedPortMap(bpf.PinnedPortMapPath(pinPath))
	if err != nil {
		return fmt.Errorf("failed to open port map: %w", err)
	}
	defer pm.Close()

	return applyPort(logger, pm, 0)
}

// ShowPort reads the pinned port map. ok is false when no port is set.
func ShowPort(pinPath string) (port uint16, ok bool, err error) {
	pm, err := bpf.OpenPinnedPortMap(bpf.PinnedPortMapPath(pinPath))
	if err != nil {
		return 0, false, fmt.Errorf("failed to open port map: %w", err)
	}
	defer pm.Close()

	return pm.Port()
}
