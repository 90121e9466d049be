package runner

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncher_StartPiped(t *testing.T) {
	var stderr bytes.Buffer
	launcher := &ExecLauncher{Output: &stderr}

	p, stream, err := launcher.StartPiped([]string{"sh", "-c", "echo line1; echo line2; echo oops >&2"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(data))

	require.NoError(t, p.Wait())
	assert.True(t, p.Exited())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestExecLauncher_StartMissingBinary(t *testing.T) {
	launcher := &ExecLauncher{Output: io.Discard}

	p, err := launcher.Start([]string{"/nonexistent/sshd"}, false)
	require.Error(t, err)
	assert.Nil(t, p)

	_, stream, err := launcher.StartPiped([]string{"/nonexistent/ngrok"})
	require.Error(t, err)
	assert.Nil(t, stream)
}

func TestExecLauncher_Escalate(t *testing.T) {
	var escalated []string
	launcher := &ExecLauncher{
		Output: io.Discard,
		Escalate: func(args []string) []string {
			escalated = args
			return append([]string{"env"}, args...)
		},
	}

	p, err := launcher.Start([]string{"true"}, true)
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	assert.Equal(t, []string{"true"}, escalated)

	escalated = nil
	p, err = launcher.Start([]string{"true"}, false)
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	assert.Nil(t, escalated, "unprivileged starts must not escalate")
}

func TestProcess_Terminate(t *testing.T) {
	launcher := &ExecLauncher{Output: io.Discard}

	p, err := launcher.Start([]string{"sleep", "30"}, false)
	require.NoError(t, err)
	assert.False(t, p.Exited())

	start := time.Now()
	require.NoError(t, p.Terminate())
	assert.Less(t, time.Since(start), killGracePeriod)
	assert.True(t, p.Exited())

	// Stopping twice is a no-op.
	assert.NoError(t, p.Terminate())
}

func TestProcess_ExitedAfterFailure(t *testing.T) {
	launcher := &ExecLauncher{Output: io.Discard}

	p, err := launcher.Start([]string{"sh", "-c", "exit 3"}, false)
	require.NoError(t, err)

	assert.Error(t, p.Wait())
	assert.True(t, p.Exited())
}

func TestTunnelSupervisor_ListenRealProcesses(t *testing.T) {
	launcher := &ExecLauncher{Output: io.Discard}

	daemon, err := launcher.Start([]string{"sleep", "30"}, false)
	require.NoError(t, err)
	defer func() { _ = daemon.Terminate() }()

	tunnel, stream, err := launcher.StartPiped([]string{"sh", "-c", `echo '{"msg":"started tunnel","url":"tcp://4.tcp.example.com:10022"}'`})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var out bytes.Buffer
	s := NewTunnelSupervisor(nil, launcher, TunnelOptions{LoginUser: "runner", CopyEnvPath: "/tmp/copyenv"}, &out, nil)

	require.NoError(t, s.Listen(context.Background(), stream, daemon))
	require.NoError(t, tunnel.Wait())
	assert.Contains(t, out.String(), "ssh -p 10022 runner@4.tcp.example.com")
}
