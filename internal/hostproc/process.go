package hostproc

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// Process is a child started by Spawn. It is reaped in the background so a
// daemon that exits early never lingers as a zombie.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Spawn starts argv detached from the caller's process group and returns
// without waiting for it.
func (h *Host) Spawn(argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr reports how the child exited; nil while running or after a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Terminate asks the child to stop.
func (p *Process) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return terminate(p.cmd.Process)
}
