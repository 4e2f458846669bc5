// Package hostproc queries and starts processes on the local host through
// the standard userland tools (which, pidof, ps).
package hostproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrProcessQueryFailed = errors.New("process query failed")
	ErrLookupUnavailable  = errors.New("binary lookup utility unavailable")
)

// Runner executes a command and returns its standard output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type commandRunner struct{}

func (commandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Option configures the host.
type Option func(*Host)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(r Runner) Option {
	return func(h *Host) {
		if r != nil {
			h.runner = r
		}
	}
}

type Host struct {
	runner Runner
}

func New(opts ...Option) *Host {
	h := &Host{runner: commandRunner{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type exitCoder interface {
	ExitCode() int
}

func exitedWith(err error, code int) bool {
	var ec exitCoder
	return errors.As(err, &ec) && ec.ExitCode() == code
}

// Output runs an arbitrary program, e.g. a binary's --help or --version.
func (h *Host) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return h.runner.Output(ctx, name, args...)
}

// LookupAll lists every executable on PATH named name, in PATH order and
// without duplicates.
func (h *Host) LookupAll(ctx context.Context, name string) ([]string, error) {
	out, err := h.runner.Output(ctx, "which", "-a", name)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrLookupUnavailable
		}
		if !exitedWith(err, 1) {
			return nil, fmt.Errorf("which -a %s: %w", name, err)
		}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, line := range lines(out) {
		if seen[line] {
			continue
		}
		seen[line] = true
		paths = append(paths, line)
	}
	return paths, nil
}

// PIDs lists the processes running the executable at path. Query failures
// yield an empty list.
func (h *Host) PIDs(ctx context.Context, path string) []int {
	out, err := h.runner.Output(ctx, "pidof", path)
	if err != nil {
		if !exitedWith(err, 1) {
			slog.Warn("Process lookup failed", "path", path, "error", err)
		}
		return nil
	}

	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			slog.Warn("Ignoring unparsable pid", "path", path, "value", field)
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// CommandLine returns the full command line of pid with surrounding
// whitespace trimmed.
func (h *Host) CommandLine(ctx context.Context, pid int) (string, error) {
	return h.column(ctx, pid, "args", "-ww")
}

func (h *Host) EffectiveUser(ctx context.Context, pid int) (string, error) {
	return h.column(ctx, pid, "euser")
}

func (h *Host) CPUPercent(ctx context.Context, pid int) (float64, error) {
	return h.floatColumn(ctx, pid, "%cpu")
}

func (h *Host) MemPercent(ctx context.Context, pid int) (float64, error) {
	return h.floatColumn(ctx, pid, "%mem")
}

func (h *Host) Elapsed(ctx context.Context, pid int) (time.Duration, error) {
	return h.secondsColumn(ctx, pid, "etimes")
}

func (h *Host) CPUTime(ctx context.Context, pid int) (time.Duration, error) {
	return h.secondsColumn(ctx, pid, "cputimes")
}

func (h *Host) column(ctx context.Context, pid int, name string, extra ...string) (string, error) {
	args := append(append([]string{}, extra...), "-p", strconv.Itoa(pid), "-o", name, "--no-headers")
	out, err := h.runner.Output(ctx, "ps", args...)
	if err != nil {
		return "", fmt.Errorf("%w: ps %s for pid %d: %v", ErrProcessQueryFailed, name, pid, err)
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		return "", fmt.Errorf("%w: no %s for pid %d", ErrProcessQueryFailed, name, pid)
	}
	return value, nil
}

func (h *Host) floatColumn(ctx context.Context, pid int, name string) (float64, error) {
	value, err := h.column(ctx, pid, name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s %q: %v", ErrProcessQueryFailed, name, value, err)
	}
	return f, nil
}

func (h *Host) secondsColumn(ctx context.Context, pid int, name string) (time.Duration, error) {
	value, err := h.column(ctx, pid, name)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s %q: %v", ErrProcessQueryFailed, name, value, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func lines(out []byte) []string {
	var result []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			result = append(result, line)
		}
	}
	return result
}
