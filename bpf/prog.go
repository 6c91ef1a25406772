package bpf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/tcassar-diss/portdrop/filter"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// ProgramCfg configures the XDP program.
// Port is the match port in Static mode and is ignored in Dynamic mode.
// PinPath, when set, is a directory on a bpffs mount the port map is pinned
// under so it outlives the process and can be updated externally.
type ProgramCfg struct {
	Mode       Mode
	Port       uint16
	AttachMode AttachMode
	PinPath    string
}

// DefaultProgramCfg is the default config: dynamic mode, generic attach, no
// pinning.
func DefaultProgramCfg() *ProgramCfg {
	return &ProgramCfg{
		Mode:       Dynamic,
		Port:       filter.DefaultStaticPort,
		AttachMode: AttachGeneric,
	}
}

// PinnedPortMapPath is where the port map is pinned under pinPath.
func PinnedPortMapPath(pinPath string) string {
	return filepath.Join(pinPath, PortMapName)
}

// CollectionSpec returns the spec of the program and, in Dynamic mode, its
// port map.
func CollectionSpec(cfg *ProgramCfg) (*ebpf.CollectionSpec, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}

	spec := &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramName: {
				Name:         ProgramName,
				Type:         ebpf.XDP,
				License:      "GPL",
				Instructions: Instructions(cfg.Mode, cfg.Port),
			},
		},
	}

	if cfg.Mode == Dynamic {
		ms := PortMapSpec()
		if cfg.PinPath != "" {
			ms.Pinning = ebpf.PinByName
		}

		spec.Maps[PortMapName] = ms
	}

	return spec, nil
}

// linkByName resolves interfaces; tests replace it with a fake.
var linkByName = netlink.LinkByName

// Program is a loaded portdrop XDP program.
type Program struct {
	logger *zap.SugaredLogger
	cfg    *ProgramCfg
	coll   *ebpf.Collection
	prog   *ebpf.Program
	ports  *PortMap
}

// LoadProgram will load the portdrop XDP program (and its port map in Dynamic
// mode) into the kernel. Nothing is attached until Start is called.
func LoadProgram(logger *zap.SugaredLogger, cfg *ProgramCfg) (*Program, error) {
	spec, err := CollectionSpec(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build collection spec: %w", err)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock rlimit: %w", err)
	}

	var opts ebpf.CollectionOptions

	if cfg.Mode == Dynamic && cfg.PinPath != "" {
		if err := os.MkdirAll(cfg.PinPath, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create pin path %s: %w", cfg.PinPath, err)
		}

		opts.Maps.PinPath = cfg.PinPath
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load portdrop objects: %w", err)
	}

	p := &Program{
		logger: logger,
		cfg:    cfg,
		coll:   coll,
		prog:   coll.Programs[ProgramName],
	}

	if p.prog == nil {
		coll.Close()
		return nil, fmt.Errorf("%w: %s missing from collection", ErrProgramNotLoaded, ProgramName)
	}

	if cfg.Mode == Dynamic {
		p.ports, err = NewPortMap(coll.Maps[PortMapName])
		if err != nil {
			coll.Close()
			return nil, fmt.Errorf("failed to open port map: %w", err)
		}
	}

	logger.Infow("loaded xdp program", "mode", cfg.Mode, "pin_path", cfg.PinPath)

	return p, nil
}

// PortMap returns the program's port map, or ErrNoPortMap in Static mode.
func (p *Program) PortMap() (*PortMap, error) {
	if p.ports == nil {
		return nil, ErrNoPortMap
	}

	return p.ports, nil
}

// Start attaches the program to iface, therefore *activating* the filtering,
// and blocks until ctx is done. The program is detached before returning.
func (p *Program) Start(ctx context.Context, iface string) error {
	l, err := p.attach(iface)
	if err != nil {
		return err
	}
	defer l.Close()

	p.logger.Infow("attached xdp program", "iface", iface, "attach_mode", p.cfg.AttachMode)

	<-ctx.Done()

	p.logger.Infow("detaching xdp program: context cancelled", "iface", iface)

	return nil
}

func (p *Program) attach(iface string) (link.Link, error) {
	flags, err := p.cfg.AttachMode.Flags()
	if err != nil {
		return nil, err
	}

	nl, err := linkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", iface, err)
	}

	if p.prog == nil {
		return nil, ErrProgramNotLoaded
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   p.prog,
		Interface: nl.Attrs().Index,
		Flags:     flags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach xdp program to %s: %w", iface, err)
	}

	return l, nil
}

// Verdict runs the loaded program once against frame without attaching it.
func (p *Program) Verdict(frame []byte) (filter.Verdict, error) {
	if p.prog == nil {
		return 0, ErrProgramNotLoaded
	}

	ret, err := p.prog.Run(&ebpf.RunOptions{Data: frame})
	if err != nil {
		return 0, fmt.Errorf("failed to test run xdp program: %w", err)
	}

	return filter.Verdict(ret), nil
}

// Close releases the program and its port map. A pinned port map stays in
// the kernel until it is unpinned.
func (p *Program) Close() {
	if p == nil || p.coll == nil {
		return
	}

	p.coll.Close()
}
