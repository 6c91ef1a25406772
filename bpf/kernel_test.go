package bpf

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/portdrop/filter"
	"go.uber.org/zap"
)

// requirePrivileged skips tests that load programs into the running kernel.
func requirePrivileged(t *testing.T) {
	t.Helper()

	if os.Getenv("PORTDROP_PRIVILEGED_TESTS") == "" {
		t.Skip("set PORTDROP_PRIVILEGED_TESTS to load programs into the kernel")
	}
}

func TestKernel_Static(t *testing.T) {
	requirePrivileged(t)

	p, err := LoadProgram(zap.NewNop().Sugar(), &ProgramCfg{Mode: Static, Port: 8080, AttachMode: AttachGeneric})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.PortMap()
	require.ErrorIs(t, err, ErrNoPortMap)

	for _, tt := range []struct {
		frame    []byte
		expected filter.Verdict
	}{
		{frame: tcpFrame(t, 12345, 8080), expected: filter.Drop},
		{frame: tcpFrame(t, 12345, 80), expected: filter.Pass},
		{frame: udpFrame(t, 12345, 8080), expected: filter.Pass},
		{frame: tcpFrame(t, 12345, 8080)[:30], expected: filter.Pass},
	} {
		got, err := p.Verdict(tt.frame)
		require.NoError(t, err)
		require.Equal(t, tt.expected, got)
	}
}

func TestKernel_Dynamic(t *testing.T) {
	requirePrivileged(t)

	p, err := LoadProgram(zap.NewNop().Sugar(), &ProgramCfg{Mode: Dynamic, AttachMode: AttachGeneric})
	require.NoError(t, err)
	defer p.Close()

	ports, err := p.PortMap()
	require.NoError(t, err)

	frame := tcpFrame(t, 12345, 9090)

	_, ok, err := ports.Port()
	require.NoError(t, err)
	require.False(t, ok)

	got, err := p.Verdict(frame)
	require.NoError(t, err)
	require.Equal(t, filter.Pass, got)

	require.NoError(t, ports.Put(filter.ConfigKey, 9090))

	got, err = p.Verdict(frame)
	require.NoError(t, err)
	require.Equal(t, filter.Drop, got)

	require.NoError(t, ports.Put(filter.ConfigKey, 9091))

	got, err = p.Verdict(frame)
	require.NoError(t, err)
	require.Equal(t, filter.Pass, got)

	require.ErrorIs(t, ports.Put(1, 9090), filter.ErrKeyOutOfRange)

	require.NoError(t, ports.Delete(filter.ConfigKey))
	require.NoError(t, ports.Delete(filter.ConfigKey))

	got, err = p.Verdict(frame)
	require.NoError(t, err)
	require.Equal(t, filter.Pass, got)

	// the Go filter reads the same map
	require.NoError(t, ports.Put(filter.ConfigKey, 12345))
	require.Equal(t, filter.Drop, filter.New(filter.StorePort{Store: ports}).Classify(frame))
}
