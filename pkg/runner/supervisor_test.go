package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/alpacax/pipeline-ssh/pkg/executor"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startedTunnelLine = `{"msg":"started tunnel","url":"tcp://0.tcp.example.com:54321"}`

func newTestSupervisor(t *testing.T, launcher Launcher, out, mirror io.Writer) (*TunnelSupervisor, *executor.MockCommandExecutor) {
	mockExec := executor.NewMockCommandExecutor(t)
	opts := TunnelOptions{
		Token:       "tok",
		SSHPort:     2222,
		LoginUser:   "runner",
		CopyEnvPath: "/tmp/copyenv",
	}
	return NewTunnelSupervisor(mockExec, launcher, opts, out, mirror), mockExec
}

func TestListen_StartedTunnel(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)

	err := s.Listen(context.Background(), strings.NewReader(startedTunnelLine+"\n"), &fakeProcess{})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "ssh -p 54321 runner@0.tcp.example.com\n")
	assert.Contains(t, out.String(), "source /tmp/copyenv\n")
	assert.Contains(t, out.String(), "Tunnel started. To connect, run:")
}

func TestListen_IgnoresOtherEvents(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)

	stream := strings.NewReader(strings.Join([]string{
		`{"lvl":"info","msg":"open config file","path":"/root/.config/ngrok/ngrok.yml"}`,
		`{"lvl":"info","msg":"client session established","obj":"tunnels.session"}`,
		`{"msg":"something new","extra":{"nested":true}}`,
		`{}`,
	}, "\n"))

	require.NoError(t, s.Listen(context.Background(), stream, &fakeProcess{}))
	assert.Empty(t, out.String())
}

func TestListen_UppercaseKeysAreNotATunnelEvent(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)

	stream := strings.NewReader(`{"MSG":"started tunnel","URL":"tcp://h:1"}` + "\n")
	require.NoError(t, s.Listen(context.Background(), stream, &fakeProcess{}))
	assert.Empty(t, out.String())
}

func TestListen_RepeatedEventPrintsAgain(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)

	stream := strings.NewReader(startedTunnelLine + "\n" + startedTunnelLine + "\n")
	require.NoError(t, s.Listen(context.Background(), stream, &fakeProcess{}))
	assert.Equal(t, 2, strings.Count(out.String(), "ssh -p 54321 runner@0.tcp.example.com"))
}

func TestListen_LastLineWithoutNewline(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)

	require.NoError(t, s.Listen(context.Background(), strings.NewReader(startedTunnelLine), &fakeProcess{}))
	assert.Contains(t, out.String(), "ssh -p 54321 runner@0.tcp.example.com")
}

func TestListen_DaemonExitedBeforeRead(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)
	daemon := &fakeProcess{exited: true}

	err := s.Listen(context.Background(), strings.NewReader(startedTunnelLine+"\n"), daemon)
	require.ErrorIs(t, err, ErrDaemonExited)
	assert.Equal(t, "sshd terminated unexpectedly", err.Error())
	assert.Empty(t, out.String(), "no event may be processed once sshd is gone")
}

func TestListen_DaemonExitsMidStream(t *testing.T) {
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, nil, &out, nil)
	daemon := &fakeProcess{exitAfter: 2, waitErr: errors.New("exit status 255")}

	stream := strings.NewReader(startedTunnelLine + "\nnot json\n")
	err := s.Listen(context.Background(), stream, daemon)
	require.ErrorIs(t, err, ErrDaemonExited)
	assert.Contains(t, err.Error(), "exit status 255")
	assert.Equal(t, 1, strings.Count(out.String(), "ssh -p 54321"))
}

func TestListen_EndOfStream(t *testing.T) {
	s, _ := newTestSupervisor(t, nil, io.Discard, nil)
	daemon := &fakeProcess{}

	require.NoError(t, s.Listen(context.Background(), strings.NewReader(""), daemon))
	assert.Equal(t, 1, daemon.checks)
}

func TestListen_MalformedEvents(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{name: "not json", line: "t=2024 lvl=info msg=started", wantErr: ErrMalformedEvent},
		{name: "truncated json", line: `{"msg":"started tun`, wantErr: ErrMalformedEvent},
		{name: "blank line", line: "", wantErr: ErrMalformedEvent},
		{name: "json null", line: "null", wantErr: ErrMalformedEvent},
		{name: "non-string msg", line: `{"msg":["started tunnel"]}`, wantErr: ErrMalformedEvent},
		{name: "http url", line: `{"msg":"started tunnel","url":"https://abc.ngrok.io"}`, wantErr: ErrUnexpectedURL},
		{name: "missing url", line: `{"msg":"started tunnel"}`, wantErr: ErrUnexpectedURL},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			s, _ := newTestSupervisor(t, nil, &out, nil)

			stream := strings.NewReader(tc.line + "\n" + startedTunnelLine + "\n")
			err := s.Listen(context.Background(), stream, &fakeProcess{})
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Empty(t, out.String())
		})
	}
}

func TestRun_Lifecycle(t *testing.T) {
	var out, mirror bytes.Buffer
	launcher := &fakeLauncher{
		daemon: &fakeProcess{},
		tunnel: &fakeProcess{},
		stream: streamOf(`{"msg":"client session established"}`, startedTunnelLine, ""),
	}
	s, mockExec := newTestSupervisor(t, launcher, &out, &mirror)

	require.NoError(t, s.Run(context.Background()))

	wantCommands := []string{
		"ngrok config add-authtoken tok",
		"install -d -o root -g root -m 0755 /run/sshd",
	}
	if diff := cmp.Diff(wantCommands, mockExec.GetExecutedLines()); diff != "" {
		t.Errorf("executed commands mismatch (-want +got):\n%s", diff)
	}
	commands := mockExec.GetExecutedCommands()
	assert.True(t, commands[0].Secret, "auth token must not be logged")
	assert.True(t, commands[1].AsRoot)

	want := []startedProcess{
		{args: []string{"/usr/sbin/sshd", "-d", "-o", "Port=2222"}, asRoot: true},
		{args: []string{"ngrok", "tcp", "2222", "--log=stdout", "--log-format=json"}, piped: true},
	}
	if diff := cmp.Diff(want, launcher.started, cmp.AllowUnexported(startedProcess{})); diff != "" {
		t.Errorf("started processes mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 1, launcher.daemon.terminateCount(), "sshd must be terminated after the stream closes")
	assert.Contains(t, out.String(), "ssh -p 54321 runner@0.tcp.example.com")
	assert.Contains(t, mirror.String(), startedTunnelLine)
}

func TestRun_CustomPortAndPaths(t *testing.T) {
	launcher := &fakeLauncher{
		daemon: &fakeProcess{},
		tunnel: &fakeProcess{},
		stream: streamOf(),
	}
	mockExec := executor.NewMockCommandExecutor(t)
	s := NewTunnelSupervisor(mockExec, launcher, TunnelOptions{
		Token:        "tok",
		SSHPort:      22,
		LoginUser:    "root",
		RuntimeDir:   "/var/run/sshd",
		SSHDPath:     "/opt/sshd",
		TunnelBinary: "/opt/ngrok",
	}, io.Discard, nil)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{
		"/opt/ngrok config add-authtoken tok",
		"install -d -o root -g root -m 0755 /var/run/sshd",
	}, mockExec.GetExecutedLines())
	assert.Equal(t, []string{"/opt/sshd", "-d", "-o", "Port=22"}, launcher.started[0].args)
	assert.Equal(t, []string{"/opt/ngrok", "tcp", "22", "--log=stdout", "--log-format=json"}, launcher.started[1].args)
}

func TestRun_DaemonCrashTerminatesBoth(t *testing.T) {
	launcher := &fakeLauncher{
		daemon: &fakeProcess{exited: true},
		tunnel: &fakeProcess{},
		stream: streamOf(startedTunnelLine),
	}
	var out bytes.Buffer
	s, _ := newTestSupervisor(t, launcher, &out, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrDaemonExited)
	assert.GreaterOrEqual(t, launcher.tunnel.terminateCount(), 1)
	assert.Empty(t, out.String())
}

func TestRun_AuthFailureStartsNothing(t *testing.T) {
	launcher := &fakeLauncher{daemon: &fakeProcess{}, tunnel: &fakeProcess{}, stream: streamOf()}
	s, mockExec := newTestSupervisor(t, launcher, io.Discard, nil)
	mockExec.SetResult("ngrok config add-authtoken tok", 1, "ERROR: invalid token", nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, executor.ErrCommandFailed)
	assert.Empty(t, launcher.started)
	assert.Len(t, mockExec.GetExecutedCommands(), 1)
}

func TestRun_RuntimeDirFailure(t *testing.T) {
	launcher := &fakeLauncher{daemon: &fakeProcess{}, tunnel: &fakeProcess{}, stream: streamOf()}
	s, mockExec := newTestSupervisor(t, launcher, io.Discard, nil)
	mockExec.SetResult("install -d -o root -g root -m 0755 /run/sshd", 1, "", nil)

	require.Error(t, s.Run(context.Background()))
	assert.Empty(t, launcher.started)
}

func TestRun_DaemonStartFailure(t *testing.T) {
	launcher := &fakeLauncher{startErr: errBoom}
	s, _ := newTestSupervisor(t, launcher, io.Discard, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, launcher.started, "the tunnel must not start without sshd")
}

func TestRun_TunnelStartFailureStopsDaemon(t *testing.T) {
	launcher := &fakeLauncher{daemon: &fakeProcess{}, pipedErr: errBoom}
	s, _ := newTestSupervisor(t, launcher, io.Discard, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, launcher.daemon.terminateCount())
}

func TestRun_CancelStopsProcesses(t *testing.T) {
	pr, pw := io.Pipe()
	launcher := &fakeLauncher{
		daemon: &fakeProcess{},
		tunnel: &fakeProcess{onTerminate: func() { _ = pw.Close() }},
		stream: pr,
	}
	s, _ := newTestSupervisor(t, launcher, io.Discard, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, launcher.daemon.terminateCount(), 1)
	assert.GreaterOrEqual(t, launcher.tunnel.terminateCount(), 1)
}
