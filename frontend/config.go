package frontend

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tcassar-diss/portdrop/bpf"
)

var ErrInvalidConfig = errors.New("invalid config")

// DefaultPinPath is where the port map is pinned unless configured otherwise.
const DefaultPinPath = "/sys/fs/bpf/portdrop"

// Config is the on-disk portdrop configuration.
//
// In static mode Port is compiled into the program and must be set. In
// dynamic mode Port is the value written to the port map at startup and on
// SIGHUP; 0 leaves the map empty, so every frame passes.
type Config struct {
	Interface  string `toml:"interface"`
	Mode       string `toml:"mode"`
	Port       uint16 `toml:"port"`
	AttachMode string `toml:"attach_mode"`
	PinPath    string `toml:"pin_path"`
}

func DefaultConfig() *Config {
	return &Config{
		Interface:  "lo",
		Mode:       string(bpf.Dynamic),
		Port:       0,
		AttachMode: string(bpf.AttachGeneric),
		PinPath:    DefaultPinPath,
	}
}

// LoadConfig reads and validates a TOML config from path on top of
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg, err := DecodeConfig(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DecodeConfig is LoadConfig without validation, for callers that override
// values before validating.
func DecodeConfig(path string) (*Config, error) {
	cfg, _, err := decodeConfig(path)

	return cfg, err
}

// decodeConfig also returns the file's metadata so callers can tell a key
// left out from one set to its zero value.
func decodeConfig(path string) (*Config, toml.MetaData, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, md, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, md, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}

	return cfg, md, nil
}

// Overrides are config values given outside the config file, such as on the
// command line. Zero fields are unset. They take precedence over the file at
// startup and on every reload.
type Overrides struct {
	Interface  string
	Mode       string
	Port       uint16
	AttachMode string
	PinPath    string
}

// Apply copies the set fields of o into c. A nil o changes nothing.
func (o *Overrides) Apply(c *Config) {
	if o == nil {
		return
	}

	if o.Interface != "" {
		c.Interface = o.Interface
	}

	if o.Mode != "" {
		c.Mode = o.Mode
	}

	if o.Port != 0 {
		c.Port = o.Port
	}

	if o.AttachMode != "" {
		c.AttachMode = o.AttachMode
	}

	if o.PinPath != "" {
		c.PinPath = o.PinPath
	}
}

// portSet reports whether o or the file behind md names a port.
func (o *Overrides) portSet(md toml.MetaData) bool {
	return (o != nil && o.Port != 0) || md.IsDefined("port")
}

// Validate checks the config can be turned into a program.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("%w: interface must be set", ErrInvalidConfig)
	}

	mode, err := bpf.ParseMode(c.Mode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if mode == bpf.Static && c.Port == 0 {
		return fmt.Errorf("%w: static mode needs a port between 1 and 65535", ErrInvalidConfig)
	}

	if _, err := bpf.ParseAttachMode(c.AttachMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

// ProgramCfg converts c into the kernel program's config. c must be valid.
func (c *Config) ProgramCfg() *bpf.ProgramCfg {
	cfg := &bpf.ProgramCfg{
		Mode:       bpf.Mode(c.Mode),
		Port:       c.Port,
		AttachMode: bpf.AttachMode(c.AttachMode),
	}

	if cfg.Mode == bpf.Dynamic {
		cfg.PinPath = c.PinPath
	}

	return cfg
}

// MarshalConfig writes c as TOML.
func MarshalConfig(w io.Writer, c *Config) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
