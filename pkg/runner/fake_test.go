package runner

import (
	"errors"
	"io"
	"strings"
	"sync"
)

// fakeProcess is a ProcessHandle whose liveness is scripted by the test.
type fakeProcess struct {
	mu          sync.Mutex
	exited      bool
	exitAfter   int // Exited reports true from this call on; 0 keeps the process alive
	checks      int
	terminated  int
	waitErr     error
	onTerminate func()
}

func (p *fakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	if p.exitAfter > 0 && p.checks >= p.exitAfter {
		p.exited = true
	}
	return p.exited
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	p.exited = true
	hook := p.onTerminate
	p.onTerminate = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (p *fakeProcess) Wait() error {
	return p.waitErr
}

func (p *fakeProcess) terminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type startedProcess struct {
	args   []string
	asRoot bool
	piped  bool
}

// fakeLauncher hands out preconfigured processes and records start order.
type fakeLauncher struct {
	daemon   *fakeProcess
	tunnel   *fakeProcess
	stream   io.ReadCloser
	startErr error
	pipedErr error
	started  []startedProcess
}

func (l *fakeLauncher) Start(args []string, asRoot bool) (ProcessHandle, error) {
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.started = append(l.started, startedProcess{args: args, asRoot: asRoot})
	return l.daemon, nil
}

func (l *fakeLauncher) StartPiped(args []string) (ProcessHandle, io.ReadCloser, error) {
	if l.pipedErr != nil {
		return nil, nil, l.pipedErr
	}
	l.started = append(l.started, startedProcess{args: args, piped: true})
	return l.tunnel, l.stream, nil
}

func streamOf(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n")))
}

var errBoom = errors.New("boom")
