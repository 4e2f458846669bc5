package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/patent-dev/aria2-fleet/internal/aria2"
)

// Metrics are live process figures. A nil field could not be read, usually
// because the process has exited.
type Metrics struct {
	CPUPercent *float64
	MemPercent *float64
	Elapsed    *time.Duration
	CPUTime    *time.Duration
}

func (s *Supervisor) Metrics(ctx context.Context, pid int) (*Metrics, error) {
	if _, err := s.Get(ctx, pid); err != nil {
		return nil, err
	}
	m := &Metrics{}
	if v, err := s.host.CPUPercent(ctx, pid); err == nil {
		m.CPUPercent = &v
	}
	if v, err := s.host.MemPercent(ctx, pid); err == nil {
		m.MemPercent = &v
	}
	if v, err := s.host.Elapsed(ctx, pid); err == nil {
		m.Elapsed = &v
	}
	if v, err := s.host.CPUTime(ctx, pid); err == nil {
		m.CPUTime = &v
	}
	return m, nil
}

// Inspection is what the daemon reports about itself over RPC.
type Inspection struct {
	Version       *aria2.Version
	GlobalStat    map[string]string
	GlobalOption  map[string]string
	Methods       []string
	Notifications []string
}

// Inspect queries the daemon. It fails only when the instance has no RPC
// endpoint; individual calls that fail leave their field nil.
func (s *Supervisor) Inspect(ctx context.Context, pid int) (*Inspection, error) {
	inst, err := s.Get(ctx, pid)
	if err != nil {
		return nil, err
	}
	client, err := s.rpc.Client(ctx, inst)
	if err != nil {
		return nil, err
	}

	out := &Inspection{}
	warn := func(call string, err error) {
		slog.Warn("Inspect call failed", "pid", pid, "call", call, "error", err)
	}
	if out.Version, err = client.GetVersion(ctx); err != nil {
		warn("getVersion", err)
	}
	if out.GlobalStat, err = client.GetGlobalStat(ctx); err != nil {
		warn("getGlobalStat", err)
	}
	if out.GlobalOption, err = client.GetGlobalOption(ctx); err != nil {
		warn("getGlobalOption", err)
	}
	if out.Methods, err = client.ListMethods(ctx); err != nil {
		warn("system.listMethods", err)
	}
	if out.Notifications, err = client.ListNotifications(ctx); err != nil {
		warn("system.listNotifications", err)
	}
	return out, nil
}

// Sweep forgets records whose process has exited or whose pid now runs a
// different command. It returns the number of records removed.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	instances, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := range instances {
		inst := &instances[i]
		if s.host.Alive(inst.PID) {
			line, err := s.host.CommandLine(ctx, inst.PID)
			if err != nil || line == inst.Command {
				continue
			}
		}
		if err := s.forget(ctx, inst); err != nil {
			return removed, err
		}
		slog.Info("Swept exited instance", "pid", inst.PID, "command", inst.Command)
		removed++
	}
	return removed, nil
}
