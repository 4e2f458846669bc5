// Package supervisor starts, adopts, inspects and stops daemon instances.
// An instance is identified by its exact command line: launching a profile
// whose command is already tracked returns the tracked instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/aria2"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/hostproc"
)

// Host is the process table plus the ability to start processes.
type Host interface {
	PIDs(ctx context.Context, path string) []int
	CommandLine(ctx context.Context, pid int) (string, error)
	EffectiveUser(ctx context.Context, pid int) (string, error)
	CPUPercent(ctx context.Context, pid int) (float64, error)
	MemPercent(ctx context.Context, pid int) (float64, error)
	Elapsed(ctx context.Context, pid int) (time.Duration, error)
	CPUTime(ctx context.Context, pid int) (time.Duration, error)
	Alive(pid int) bool
	Spawn(argv []string) (Child, error)
}

// Child is a process started by Host.Spawn.
type Child interface {
	PID() int
	Done() <-chan struct{}
	ExitErr() error
	Terminate() error
}

// Endpoints hands out RPC clients per instance.
type Endpoints interface {
	Client(ctx context.Context, inst *database.Instance) (aria2.API, error)
	Forget(pid int)
}

// Profiles loads launch profiles.
type Profiles interface {
	Get(ctx context.Context, name string) (*database.Profile, error)
	FindByArgs(ctx context.Context, binaryID uint, args string) (*database.Profile, error)
}

// Binaries resolves binary records.
type Binaries interface {
	Get(ctx context.Context, id uint) (*database.Binary, error)
	Ensure(ctx context.Context, path string) (*database.Binary, error)
}

type systemHost struct {
	*hostproc.Host
}

func (h systemHost) Spawn(argv []string) (Child, error) {
	p, err := h.Host.Spawn(argv)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FromHost adapts the system process table.
func FromHost(h *hostproc.Host) Host {
	return systemHost{Host: h}
}

type Supervisor struct {
	db       *database.DB
	cfg      *config.Config
	host     Host
	binaries Binaries
	profiles Profiles
	rpc      Endpoints
	hooks    hooks.Emitter

	// launching serialises launches in this process, lock across processes.
	launching sync.Mutex
	lock      *flock.Flock
}

func New(db *database.DB, cfg *config.Config, host Host, binaries Binaries, profiles Profiles, rpc Endpoints, emitter hooks.Emitter) *Supervisor {
	return &Supervisor{
		db:       db,
		cfg:      cfg,
		host:     host,
		binaries: binaries,
		profiles: profiles,
		rpc:      rpc,
		hooks:    emitter,
		lock:     flock.New(cfg.LaunchLockPath()),
	}
}

func (s *Supervisor) List(ctx context.Context) ([]database.Instance, error) {
	var instances []database.Instance
	err := s.db.WithContext(ctx).Preload("Binary").Preload("Profile").Order("created_at").Find(&instances).Error
	return instances, err
}

func (s *Supervisor) Get(ctx context.Context, pid int) (*database.Instance, error) {
	var inst database.Instance
	if err := s.db.WithContext(ctx).Preload("Binary").Preload("Profile").First(&inst, "pid = ?", pid).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: pid %d", ErrInstanceNotFound, pid)
		}
		return nil, err
	}
	return &inst, nil
}

func (s *Supervisor) findByCommand(ctx context.Context, command string) (*database.Instance, error) {
	var inst database.Instance
	if err := s.db.WithContext(ctx).Preload("Binary").Preload("Profile").Where("command_hash = ?", database.HashCommand(command)).First(&inst).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, command)
		}
		return nil, err
	}
	return &inst, nil
}

// InstanceForProfile returns the instance launched from the named profile.
func (s *Supervisor) InstanceForProfile(ctx context.Context, name string) (*database.Instance, error) {
	profile, err := s.profiles.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	var inst database.Instance
	if err := s.db.WithContext(ctx).Preload("Binary").Preload("Profile").First(&inst, "profile_id = ?", profile.ID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: profile %s", ErrInstanceNotFound, name)
		}
		return nil, err
	}
	return &inst, nil
}

// Delete asks the daemon to shut down and removes the record together with
// its GIDs and tasks. A daemon that cannot be reached is logged, not fatal.
func (s *Supervisor) Delete(ctx context.Context, pid int) error {
	inst, err := s.Get(ctx, pid)
	if err != nil {
		return err
	}

	client, err := s.rpc.Client(ctx, inst)
	switch {
	case err != nil:
		slog.Warn("No RPC endpoint for instance, skipping shutdown", "pid", pid, "error", err)
	default:
		if err := client.Shutdown(ctx); err != nil {
			slog.Warn("Failed to shut down instance", "pid", pid, "error", err)
		}
	}

	if err := s.forget(ctx, inst); err != nil {
		return err
	}
	slog.Info("Instance deleted", "pid", pid)
	s.hooks.Emit(ctx, hooks.NewEvent(hooks.EventInstanceDeleted, "supervisor").
		WithInstance(inst.PID, inst.Command, profileName(inst)))
	return nil
}

// Forget removes the record without contacting the daemon.
func (s *Supervisor) Forget(ctx context.Context, pid int) error {
	inst, err := s.Get(ctx, pid)
	if err != nil {
		return err
	}
	return s.forget(ctx, inst)
}

func (s *Supervisor) forget(ctx context.Context, inst *database.Instance) error {
	s.rpc.Forget(inst.PID)
	if err := s.db.WithContext(ctx).Delete(&database.Instance{}, "pid = ?", inst.PID).Error; err != nil {
		return fmt.Errorf("delete instance %d: %w", inst.PID, err)
	}
	return nil
}

// fillMetadata records the effective user and, when the daemon exposes RPC,
// its version and session id. Failures leave the fields empty. With wait
// set, RPC calls are retried until ctx ends to give a fresh daemon time to
// open its listener.
func (s *Supervisor) fillMetadata(ctx context.Context, inst *database.Instance, wait bool) {
	if user, err := s.host.EffectiveUser(ctx, inst.PID); err == nil {
		inst.EffectiveUser = user
	} else {
		slog.Warn("Failed to read effective user", "pid", inst.PID, "error", err)
	}

	client, err := s.rpc.Client(ctx, inst)
	if err != nil {
		if errors.Is(err, aria2.ErrEndpointNotFound) {
			slog.Debug("Instance has no RPC endpoint", "pid", inst.PID)
		} else {
			slog.Warn("Failed to resolve RPC endpoint", "pid", inst.PID, "error", err)
		}
		return
	}

	version, err := client.GetVersion(ctx)
	for wait && err != nil && errors.Is(err, aria2.ErrRemoteUnavailable) {
		select {
		case <-ctx.Done():
			wait = false
			continue
		case <-time.After(s.cfg.PollEvery()):
		}
		version, err = client.GetVersion(ctx)
	}
	if err != nil {
		slog.Warn("Failed to read daemon version", "pid", inst.PID, "error", err)
		return
	}
	inst.Version = version.Version

	session, err := client.GetSessionInfo(ctx)
	if err != nil {
		slog.Warn("Failed to read daemon session", "pid", inst.PID, "error", err)
		return
	}
	inst.SessionID = session
}

func (s *Supervisor) save(ctx context.Context, inst *database.Instance) (*database.Instance, bool, error) {
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		if database.IsDuplicate(err) {
			if existing, ferr := s.findByCommand(ctx, inst.Command); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("save instance %d: %w", inst.PID, err)
	}
	saved, err := s.Get(ctx, inst.PID)
	if err != nil {
		return nil, false, err
	}
	return saved, true, nil
}

func profileName(inst *database.Instance) string {
	if inst.Profile != nil {
		return inst.Profile.Name
	}
	return ""
}

func splitCommand(command string) (path, args string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
