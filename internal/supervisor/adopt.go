package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/profiles"
)

// AdoptPID records an already running process. The binary is taken from the
// first field of its command line and the profile, if any, from the rest.
func (s *Supervisor) AdoptPID(ctx context.Context, pid int) (*database.Instance, error) {
	command, err := s.host.CommandLine(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrCommandNotFound, pid, err)
	}
	if inst, err := s.findByCommand(ctx, command); err == nil {
		return inst, nil
	} else if !errors.Is(err, ErrInstanceNotFound) {
		return nil, err
	}

	path, args := splitCommand(command)
	binary, err := s.binaries.Ensure(ctx, path)
	if err != nil {
		return nil, err
	}
	inst := &database.Instance{PID: pid, Command: command, BinaryID: binary.ID}

	var profileName string
	profile, err := s.profiles.FindByArgs(ctx, binary.ID, args)
	switch {
	case err == nil:
		if err := s.releaseProfile(ctx, profile); err != nil {
			slog.Warn("Adopting without profile", "pid", pid, "profile", profile.Name, "error", err)
			break
		}
		inst.ProfileID = &profile.ID
		profileName = profile.Name
	case !errors.Is(err, profiles.ErrProfileNotFound):
		return nil, err
	}

	// A record under the same pid belongs to a process that has since exited.
	if stale, err := s.Get(ctx, pid); err == nil {
		slog.Info("Replacing stale instance record", "pid", pid, "command", stale.Command)
		if err := s.forget(ctx, stale); err != nil {
			return nil, err
		}
	}

	s.fillMetadata(ctx, inst, false)
	saved, created, err := s.save(ctx, inst)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Instance adopted", "pid", pid, "binary", binary.Path, "profile", profileName)
		s.hooks.Emit(ctx, hooks.NewEvent(hooks.EventInstanceAdopted, "supervisor").
			WithInstance(saved.PID, saved.Command, profileName))
	}
	return saved, nil
}

// AdoptAll adopts every running process of the binary that is not tracked
// yet. Processes that fail to adopt are skipped and reported together.
func (s *Supervisor) AdoptAll(ctx context.Context, binaryID uint) ([]database.Instance, error) {
	binary, err := s.binaries.Get(ctx, binaryID)
	if err != nil {
		return nil, err
	}

	var adopted []database.Instance
	var errs []error
	for _, pid := range s.host.PIDs(ctx, binary.Path) {
		inst, err := s.AdoptPID(ctx, pid)
		if err != nil {
			slog.Warn("Failed to adopt process", "pid", pid, "error", err)
			errs = append(errs, err)
			continue
		}
		adopted = append(adopted, *inst)
	}
	return adopted, errors.Join(errs...)
}
