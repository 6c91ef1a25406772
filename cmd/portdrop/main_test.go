package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/portdrop/frontend"
	"github.com/tcassar-diss/portdrop/internal/frames"
	"github.com/urfave/cli/v2"
)

func writeCapture(t *testing.T, pkts ...[]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "capture.pcap")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, p := range pkts {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{CaptureLength: len(p), Length: len(p)}, p))
	}

	return path
}

// testApp returns the app with output captured and exits turned into errors.
func testApp(out *bytes.Buffer) *cli.App {
	app := newApp()
	app.Writer = out
	app.ErrWriter = out
	app.ExitErrHandler = func(*cli.Context, error) {}

	return app
}

func TestCheckCommand(t *testing.T) {
	drop, err := frames.TCP(12345, 8080, nil)
	require.NoError(t, err)

	pass, err := frames.TCP(12345, 80, nil)
	require.NoError(t, err)

	capture := writeCapture(t, drop, pass, pass)

	tests := []struct {
		name    string
		args    []string
		dropped int
		passed  int
	}{
		{
			name:    "default port",
			args:    []string{"portdrop", "check", capture},
			dropped: 1,
			passed:  2,
		},
		{
			name:    "port 80",
			args:    []string{"portdrop", "check", "--port", "80", capture},
			dropped: 2,
			passed:  1,
		},
		{
			name:    "port 443",
			args:    []string{"portdrop", "check", "-p", "443", capture},
			dropped: 0,
			passed:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, testApp(&out).Run(tt.args))

			var report frontend.Report
			require.NoError(t, json.Unmarshal(out.Bytes(), &report))
			require.Equal(t, 3, report.Total)
			require.Equal(t, tt.dropped, report.Dropped)
			require.Equal(t, tt.passed, report.Passed)
			require.Empty(t, report.Frames)
		})
	}
}

func TestCheckCommand_Errors(t *testing.T) {
	capture := writeCapture(t)
	unpinned := t.TempDir()

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "no capture", args: []string{"portdrop", "check"}, code: exitUsage},
		{name: "port 0", args: []string{"portdrop", "check", "--port", "0", capture}, code: exitUsage},
		{
			name: "port and map",
			args: []string{"portdrop", "check", "--port", "80", "--from-map", capture},
			code: exitUsage,
		},
		{
			name: "missing file",
			args: []string{"portdrop", "check", filepath.Join(t.TempDir(), "nope.pcap")},
			code: exitUsage,
		},
		{
			name: "map not pinned",
			args: []string{"portdrop", "check", "--from-map", "--pin-path", unpinned, capture},
			code: exitRuntime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer

			err := testApp(&out).Run(tt.args)

			var exitErr cli.ExitCoder
			require.ErrorAs(t, err, &exitErr)
			require.Equal(t, tt.code, exitErr.ExitCode())
		})
	}
}

// flagsApp runs only attach's flag handling, storing the results in got and
// gotOv.
func flagsApp(got **frontend.Config, gotOv **frontend.Overrides) *cli.App {
	cmd := attachCmd()
	cmd.Action = func(cCtx *cli.Context) error {
		cfg, err := loadConfig(cCtx)
		if err != nil {
			return err
		}

		ov, err := applyFlags(cCtx, cfg)
		if err != nil {
			return err
		}

		*got = cfg
		*gotOv = ov

		return nil
	}

	app := newApp()
	app.Commands = []*cli.Command{cmd}

	return app
}

func TestApplyFlags(t *testing.T) {
	var (
		got   *frontend.Config
		gotOv *frontend.Overrides
	)

	cfgPath := filepath.Join(t.TempDir(), "portdrop.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("interface = \"eth0\"\nmode = \"static\"\n"), 0o600))

	require.NoError(t, flagsApp(&got, &gotOv).Run([]string{
		"portdrop", "--config", cfgPath, "attach",
		"--port", "8080", "--attach-mode", "driver",
	}))

	require.Equal(t, &frontend.Config{
		Interface:  "eth0",
		Mode:       "static",
		Port:       8080,
		AttachMode: "driver",
		PinPath:    frontend.DefaultPinPath,
	}, got)
	require.NoError(t, got.Validate())
	require.Equal(t, &frontend.Overrides{Port: 8080, AttachMode: "driver"}, gotOv)

	require.ErrorIs(t, flagsApp(&got, &gotOv).Run([]string{"portdrop", "attach", "--port", "65536"}), frontend.ErrInvalidPort)
}
