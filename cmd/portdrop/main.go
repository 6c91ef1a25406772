package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/tcassar-diss/portdrop/bpf"
	"github.com/tcassar-diss/portdrop/filter"
	"github.com/tcassar-diss/portdrop/frontend"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	exitUsage   = 1
	exitRuntime = 2
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "portdrop",
		Usage: "drop TCP traffic to or from one port at the XDP hook",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "development logging, and per-frame output for check",
			},
		},
		Commands: []*cli.Command{
			attachCmd(),
			setPortCmd(),
			clearPortCmd(),
			showPortCmd(),
			checkCmd(),
		},
	}
}

func pinPathFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "pin-path",
		Usage: "bpffs directory the port map is pinned under",
	}
}

func attachCmd() *cli.Command {
	return &cli.Command{
		Name:  "attach",
		Usage: "load the filter, attach it to an interface and run until interrupted",
		Description: `Attach loads the XDP program and attaches it to an interface.

In dynamic mode the port map is pinned so set-port and clear-port can change
the matched port while the filter runs. Sending SIGHUP re-reads the config
file and writes its port to the map.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "iface", Aliases: []string{"i"}, Usage: "interface to attach to"},
			&cli.StringFlag{Name: "mode", Usage: "static or dynamic"},
			&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to drop"},
			&cli.StringFlag{Name: "attach-mode", Usage: "auto, generic, driver or offload"},
			pinPathFlag(),
		},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			ov, err := applyFlags(cCtx, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			return withLogger(cCtx, func(logger *zap.SugaredLogger) error {
				return frontend.RunFilter(cCtx.Context, logger, &frontend.RunCfg{
					Config:     cfg,
					ConfigPath: cCtx.String("config"),
					Overrides:  ov,
				})
			})
		},
	}
}

func setPortCmd() *cli.Command {
	return &cli.Command{
		Name:      "set-port",
		Usage:     "set the port a running dynamic-mode filter drops",
		ArgsUsage: "<port>",
		Flags:     []cli.Flag{pinPathFlag()},
		Action: func(cCtx *cli.Context) error {
			if nArgs := cCtx.Args().Len(); nArgs != 1 {
				_ = cli.ShowSubcommandHelp(cCtx)

				return cli.Exit(fmt.Sprintf("\nERROR: expected 1 argument, got %d", nArgs), exitUsage)
			}

			port, err := frontend.ParsePort(cCtx.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			pinPath, err := resolvePinPath(cCtx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			return withLogger(cCtx, func(logger *zap.SugaredLogger) error {
				return frontend.SetPort(logger, pinPath, port)
			})
		},
	}
}

func clearPortCmd() *cli.Command {
	return &cli.Command{
		Name:  "clear-port",
		Usage: "remove the port from a running dynamic-mode filter so every frame passes",
		Flags: []cli.Flag{pinPathFlag()},
		Action: func(cCtx *cli.Context) error {
			pinPath, err := resolvePinPath(cCtx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			return withLogger(cCtx, func(logger *zap.SugaredLogger) error {
				return frontend.ClearPort(logger, pinPath)
			})
		},
	}
}

func showPortCmd() *cli.Command {
	return &cli.Command{
		Name:  "show-port",
		Usage: "print the port a running dynamic-mode filter drops",
		Flags: []cli.Flag{pinPathFlag()},
		Action: func(cCtx *cli.Context) error {
			pinPath, err := resolvePinPath(cCtx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}

			port, ok, err := frontend.ShowPort(pinPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitRuntime)
			}

			if !ok {
				fmt.Fprintln(cCtx.App.Writer, "no port set")
				return nil
			}

			fmt.Fprintln(cCtx.App.Writer, port)

			return nil
		},
	}
}

func checkCmd() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "classify the frames of an Ethernet pcap file without touching the kernel",
		ArgsUsage: "<capture.pcap>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to match (default 8080)"},
			&cli.BoolFlag{Name: "from-map", Usage: "match the port in the pinned port map instead"},
			pinPathFlag(),
		},
		Action: func(cCtx *cli.Context) error {
			if nArgs := cCtx.Args().Len(); nArgs != 1 {
				_ = cli.ShowSubcommandHelp(cCtx)

				return cli.Exit(fmt.Sprintf("\nERROR: expected 1 argument, got %d", nArgs), exitUsage)
			}

			src, closeFn, err := checkPortSource(cCtx)
			if err != nil {
				return err
			}
			defer closeFn()

			f, err := os.Open(cCtx.Args().First())
			if err != nil {
				return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
			}
			defer f.Close()

			return withLogger(cCtx, func(logger *zap.SugaredLogger) error {
				report, err := frontend.Check(logger, f, src)
				if err != nil {
					return err
				}

				if !cCtx.Bool("verbose") {
					report.Frames = nil
				}

				bts, err := json.Marshal(report)
				if err != nil {
					return fmt.Errorf("failed to marshal report: %w", err)
				}

				fmt.Fprintln(cCtx.App.Writer, string(bts))

				return nil
			})
		},
	}
}

// checkPortSource returns the port source for check. Its errors are already
// cli.Exit errors: bad flags are usage errors, an unreadable map is a runtime
// one.
func checkPortSource(cCtx *cli.Context) (filter.PortSource, func(), error) {
	if cCtx.Bool("from-map") {
		if cCtx.IsSet("port") {
			return nil, nil, cli.Exit("ERROR: --port and --from-map are mutually exclusive", exitUsage)
		}

		pinPath, err := resolvePinPath(cCtx)
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
		}

		pm, err := bpf.OpenPinnedPortMap(bpf.PinnedPortMapPath(pinPath))
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("ERROR: %v", err), exitRuntime)
		}

		return filter.StorePort{Store: pm}, func() { pm.Close() }, nil
	}

	port := filter.DefaultStaticPort

	if cCtx.IsSet("port") {
		p, err := frontend.ParsePort(cCtx.String("port"))
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("ERROR: %v", err), exitUsage)
		}

		port = p
	}

	return filter.StaticPort(port), func() {}, nil
}

// loadConfig decodes --config when given, otherwise returns the defaults.
// The result is not validated.
func loadConfig(cCtx *cli.Context) (*frontend.Config, error) {
	path := cCtx.String("config")
	if path == "" {
		return frontend.DefaultConfig(), nil
	}

	return frontend.DecodeConfig(path)
}

// applyFlags overrides config values with the flags that were set and
// returns those overrides so a reload can apply them again.
func applyFlags(cCtx *cli.Context, cfg *frontend.Config) (*frontend.Overrides, error) {
	ov := &frontend.Overrides{
		Interface:  cCtx.String("iface"),
		Mode:       cCtx.String("mode"),
		AttachMode: cCtx.String("attach-mode"),
		PinPath:    cCtx.String("pin-path"),
	}

	if cCtx.IsSet("port") {
		port, err := frontend.ParsePort(cCtx.String("port"))
		if err != nil {
			return nil, err
		}

		ov.Port = port
	}

	ov.Apply(cfg)

	return ov, nil
}

func resolvePinPath(cCtx *cli.Context) (string, error) {
	if cCtx.IsSet("pin-path") {
		return cCtx.String("pin-path"), nil
	}

	cfg, err := loadConfig(cCtx)
	if err != nil {
		return "", err
	}

	return cfg.PinPath, nil
}

// withLogger runs fn with a logger, mapping its error to the runtime exit code.
func withLogger(cCtx *cli.Context, fn func(*zap.SugaredLogger) error) error {
	logger, err := frontend.NewLogger(cCtx.Bool("verbose"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("ERROR: %v", err), exitRuntime)
	}
	defer logger.Sync()

	if err := fn(logger); err != nil {
		return cli.Exit(
			fmt.Sprintf("portdrop encountered an error it couldn't recover from: %v", err),
			exitRuntime,
		)
	}

	return nil
}
