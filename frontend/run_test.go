package frontend

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/portdrop/filter"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReload(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cell := filter.NewCell(8080)
	path := writeConfig(t, "port = 9090\n")

	require.NoError(t, reload(logger, path, nil, cell))

	port, ok := cell.Lookup(filter.ConfigKey)
	require.True(t, ok)
	require.Equal(t, uint16(9090), port)

	require.NoError(t, os.WriteFile(path, []byte("port = 0\n"), 0o600))
	require.NoError(t, reload(logger, path, nil, cell))

	_, ok = cell.Lookup(filter.ConfigKey)
	require.False(t, ok)
}

func TestReload_Rejected(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cell := filter.NewCell(8080)

	require.ErrorIs(t, reload(logger, writeConfig(t, "mode = \"static\"\nport = 80\n"), nil, cell), ErrInvalidConfig)
	require.ErrorIs(t, reload(logger, writeConfig(t, "mode = \"nope\"\n"), nil, cell), ErrInvalidConfig)

	port, ok := cell.Lookup(filter.ConfigKey)
	require.True(t, ok)
	require.Equal(t, uint16(8080), port)
}

func TestReload_Overrides(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		ov       *Overrides
		expected uint16
		ok       bool
	}{
		{
			name:     "flag port survives a file without one",
			body:     "interface = \"lo\"\n",
			ov:       &Overrides{Port: 9090},
			expected: 9090,
			ok:       true,
		},
		{
			name:     "flag port beats the file",
			body:     "port = 7070\n",
			ov:       &Overrides{Port: 9090},
			expected: 9090,
			ok:       true,
		},
		{
			name:     "no port anywhere keeps the current one",
			body:     "interface = \"lo\"\n",
			expected: 8080,
			ok:       true,
		},
		{
			name: "explicit zero clears",
			body: "port = 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cell := filter.NewCell(8080)

			require.NoError(t, reload(zap.NewNop().Sugar(), writeConfig(t, tt.body), tt.ov, cell))

			port, ok := cell.Lookup(filter.ConfigKey)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.expected, port)
		})
	}
}

func TestReload_ModeOverride(t *testing.T) {
	cell := filter.NewCell(8080)
	path := writeConfig(t, "mode = \"static\"\nport = 80\n")

	err := reload(zap.NewNop().Sugar(), path, &Overrides{Mode: "dynamic"}, cell)
	require.NoError(t, err)

	port, _ := cell.Lookup(filter.ConfigKey)
	require.Equal(t, uint16(80), port)
}

func TestIgnoreHangup(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core).Sugar()

	guard := make(chan os.Signal, 16)
	signal.Notify(guard, syscall.SIGHUP)
	defer signal.Stop(guard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- ignoreHangup(ctx, logger)
	}()

	require.Eventually(t, func() bool {
		_ = syscall.Kill(os.Getpid(), syscall.SIGHUP)

		return logs.FilterMessageSnippet("ignoring SIGHUP").Len() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestReloadOnHangup(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cell := &filter.Cell{}
	path := writeConfig(t, "port = 4040\n")

	// keep SIGHUP from terminating the test binary before reloadOnHangup
	// has registered for it
	guard := make(chan os.Signal, 16)
	signal.Notify(guard, syscall.SIGHUP)
	defer signal.Stop(guard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- reloadOnHangup(ctx, logger, path, nil, cell)
	}()

	require.Eventually(t, func() bool {
		_ = syscall.Kill(os.Getpid(), syscall.SIGHUP)

		_, ok := cell.Lookup(filter.ConfigKey)
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	port, _ := cell.Lookup(filter.ConfigKey)
	require.Equal(t, uint16(4040), port)

	cancel()
	require.NoError(t, <-done)
}

func TestRunFilter_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "static"

	err := RunFilter(context.Background(), zap.NewNop().Sugar(), &RunCfg{Config: cfg})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
