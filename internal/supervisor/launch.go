package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/profiles"
)

// CreateFromProfile returns the instance running the profile's command,
// spawning the binary when no tracked instance has that exact command line.
func (s *Supervisor) CreateFromProfile(ctx context.Context, name string) (*database.Instance, error) {
	profile, err := s.profiles.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	argv := profiles.Command(profile)
	command := profiles.CommandString(profile)

	if inst, err := s.findByCommand(ctx, command); err == nil {
		slog.Debug("Instance already running", "pid", inst.PID, "profile", name)
		return inst, nil
	} else if !errors.Is(err, ErrInstanceNotFound) {
		return nil, err
	}

	s.launching.Lock()
	defer s.launching.Unlock()

	locked, err := s.lock.TryLockContext(ctx, s.cfg.PollEvery())
	if err != nil {
		return nil, fmt.Errorf("acquire launch lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire launch lock %s: %w", s.lock.Path(), ctx.Err())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("Failed to release launch lock", "path", s.lock.Path(), "error", err)
		}
	}()

	// Another launcher may have won the race while we waited for the lock.
	if inst, err := s.findByCommand(ctx, command); err == nil {
		return inst, nil
	} else if !errors.Is(err, ErrInstanceNotFound) {
		return nil, err
	}
	if err := s.releaseProfile(ctx, profile); err != nil {
		return nil, err
	}

	return s.launch(ctx, profile, argv, command)
}

// releaseProfile clears a record left by an earlier launch of the profile
// with different arguments, provided that process is gone.
func (s *Supervisor) releaseProfile(ctx context.Context, profile *database.Profile) error {
	var inst database.Instance
	err := s.db.WithContext(ctx).Where("profile_id = ?", profile.ID).First(&inst).Error
	if database.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.host.Alive(inst.PID) {
		return fmt.Errorf("%w: %s is pid %d running %q", ErrProfileInUse, profile.Name, inst.PID, inst.Command)
	}
	slog.Info("Forgetting exited instance of profile", "pid", inst.PID, "profile", profile.Name)
	return s.forget(ctx, &inst)
}

func (s *Supervisor) launch(ctx context.Context, profile *database.Profile, argv []string, command string) (*database.Instance, error) {
	launchID := uuid.NewString()
	logger := slog.With("launch", launchID, "profile", profile.Name)
	logger.Info("Launching instance", "command", shellquote.Join(argv...))

	child, err := s.host.Spawn(argv)
	if err != nil {
		lerr := &LaunchError{Command: command, Err: err}
		s.launchFailed(ctx, logger, profile, lerr)
		return nil, lerr
	}

	launchCtx, cancel := context.WithTimeout(ctx, s.cfg.SpawnDeadline())
	defer cancel()

	pid, err := s.awaitCommand(launchCtx, child, profile.Binary.Path, command)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Launch cancelled", "pid", child.PID(), "error", ctx.Err())
			if s.cfg.KillOnTimeout {
				s.terminate(logger, child)
			}
			return nil, ctx.Err()
		}
		lerr := &LaunchError{Command: command, PID: child.PID(), Err: err}
		if s.cfg.KillOnTimeout && errors.Is(err, ErrCommandNotFound) {
			lerr.Terminated = s.terminate(logger, child)
		}
		s.launchFailed(ctx, logger, profile, lerr)
		return nil, lerr
	}
	logger.Info("Matched spawned process", "pid", pid)

	inst := &database.Instance{
		PID:       pid,
		Command:   command,
		BinaryID:  profile.BinaryID,
		ProfileID: &profile.ID,
	}
	metaCtx, cancelMeta := context.WithTimeout(ctx, s.cfg.SpawnDeadline())
	defer cancelMeta()
	s.fillMetadata(metaCtx, inst, true)

	saved, created, err := s.save(ctx, inst)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("Instance created", "pid", saved.PID, "version", saved.Version)
		s.hooks.Emit(ctx, hooks.NewEvent(hooks.EventInstanceCreated, "supervisor").
			WithInstance(saved.PID, saved.Command, profile.Name))
	}
	return saved, nil
}

// terminate stops a spawned child that was never matched.
func (s *Supervisor) terminate(logger *slog.Logger, child Child) bool {
	if err := child.Terminate(); err != nil {
		logger.Warn("Failed to terminate unmatched child", "pid", child.PID(), "error", err)
		return false
	}
	logger.Info("Terminated unmatched child", "pid", child.PID())
	return true
}

func (s *Supervisor) launchFailed(ctx context.Context, logger *slog.Logger, profile *database.Profile, lerr *LaunchError) {
	logger.Error("Instance launch failed", "pid", lerr.PID, "terminated", lerr.Terminated, "error", lerr.Err)
	s.hooks.Emit(ctx, hooks.NewEvent(hooks.EventInstanceLaunchFailed, "supervisor").
		WithInstance(lerr.PID, lerr.Command, profile.Name).
		WithError("launch_failed", lerr.Error()))
}

// awaitCommand polls the process table until a process of path runs exactly
// command. A child that exits with an error ends the wait early; a clean
// exit is a daemonising fork, so polling continues.
func (s *Supervisor) awaitCommand(ctx context.Context, child Child, path, command string) (int, error) {
	ticker := time.NewTicker(s.cfg.PollEvery())
	defer ticker.Stop()

	done := child.Done()
	exited := false
	for {
		if pid, ok := s.match(ctx, path, command, child.PID(), exited); ok {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w within %s: %s", ErrCommandNotFound, s.cfg.SpawnDeadline(), command)
		case <-done:
			done = nil
			exited = true
			if err := child.ExitErr(); err != nil {
				return 0, fmt.Errorf("child exited: %w", err)
			}
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) match(ctx context.Context, path, command string, childPID int, exited bool) (int, bool) {
	for _, pid := range s.host.PIDs(ctx, path) {
		if exited && pid == childPID {
			continue
		}
		line, err := s.host.CommandLine(ctx, pid)
		if err != nil {
			continue
		}
		if line == command {
			return pid, true
		}
	}
	return 0, false
}
