package frontend

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tcassar-diss/portdrop/bpf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunCfg configures RunFilter. ConfigPath is re-read on SIGHUP, with
// Overrides applied on top as at startup; when empty there is nothing to
// reload from and SIGHUP is logged and ignored.
type RunCfg struct {
	Config     *Config
	ConfigPath string
	Overrides  *Overrides
}

// RunFilter loads the XDP program, attaches it to the configured interface
// and blocks until ctx is done or the process is interrupted. In dynamic mode
// the configured port is written to the port map first, and again on every
// SIGHUP after re-reading the config file.
func RunFilter(ctx context.Context, logger *zap.SugaredLogger, cfg *RunCfg) error {
	logger.Infoln("=== Launching portdrop ===")

	if err := cfg.Config.Validate(); err != nil {
		return err
	}

	prog, err := bpf.LoadProgram(logger, cfg.Config.ProgramCfg())
	if err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	defer prog.Close()

	var ports *bpf.PortMap

	if bpf.Mode(cfg.Config.Mode) == bpf.Dynamic {
		ports, err = prog.PortMap()
		if err != nil {
			return fmt.Errorf("failed to get port map: %w", err)
		}

		// a port already in a pinned map from a previous run is kept unless
		// the config names one
		if cfg.Config.Port != 0 {
			if err := applyPort(logger, ports, cfg.Config.Port); err != nil {
				return err
			}
		}
	} else {
		logger.Infow("matching static port", "port", cfg.Config.Port)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return prog.Start(ctx, cfg.Config.Interface)
	})

	if ports != nil && cfg.ConfigPath != "" {
		eg.Go(func() error {
			return reloadOnHangup(ctx, logger, cfg.ConfigPath, cfg.Overrides, ports)
		})
	} else {
		eg.Go(func() error {
			return ignoreHangup(ctx, logger)
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("error encountered while filtering: %w", err)
	}

	return nil
}

func reloadOnHangup(
	ctx context.Context,
	logger *zap.SugaredLogger,
	path string,
	ov *Overrides,
	w portWriter,
) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		if err := reload(logger, path, ov, w); err != nil {
			logger.Warnw("failed to reload config, keeping current port", "path", path, "err", err)
		}
	}
}

// ignoreHangup keeps SIGHUP from terminating the process while there is no
// config to reload.
func ignoreHangup(ctx context.Context, logger *zap.SugaredLogger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Warnw("ignoring SIGHUP: nothing to reload, dynamic mode and a config file are needed")
		}
	}
}

// reload re-reads the config at path, applies ov and writes the resulting
// port to w. Only the port can change without reloading the program. When
// neither the file nor ov names a port, w is left as it is; an explicit
// port = 0 clears it.
func reload(logger *zap.SugaredLogger, path string, ov *Overrides, w portWriter) error {
	cfg, md, err := decodeConfig(path)
	if err != nil {
		return err
	}

	ov.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if bpf.Mode(cfg.Mode) != bpf.Dynamic {
		return fmt.Errorf("%w: mode can't change to %s while running", ErrInvalidConfig, cfg.Mode)
	}

	logger.Infow("reloaded config", "path", path)

	if !ov.portSet(md) {
		logger.Infow("no port configured, keeping current port")
		return nil
	}

	return applyPort(logger, w, cfg.Port)
}

// NewLogger returns a production zap logger, or a development one when
// verbose is set.
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	newFn := zap.NewProduction
	if verbose {
		newFn = zap.NewDevelopment
	}

	l, err := newFn()
	if err != nil {
		return nil, fmt.Errorf("failed to get zap logger: %w", err)
	}

	return l.Sugar(), nil
}
