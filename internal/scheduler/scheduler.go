// Package scheduler runs fleet housekeeping on cron schedules: PATH
// discovery of binaries and sweeping of exited instances.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/database"
)

const (
	JobDiscover = "discover"
	JobSweep    = "sweep"
)

type Discoverer interface {
	Discover(ctx context.Context) ([]database.Binary, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Scheduler struct {
	discoverer Discoverer
	sweeper    Sweeper
	cron       *cron.Cron
	entryIDs   map[string]cron.EntryID
	mu         sync.Mutex
}

// New schedules the jobs that have a schedule in cfg and starts the cron
// loop. An empty schedule leaves the job unscheduled.
func New(cfg *config.Config, discoverer Discoverer, sweeper Sweeper) (*Scheduler, error) {
	s := &Scheduler{
		discoverer: discoverer,
		sweeper:    sweeper,
		cron:       cron.New(),
		entryIDs:   make(map[string]cron.EntryID),
	}
	if err := s.Schedule(JobDiscover, cfg.DiscoverSchedule); err != nil {
		return nil, err
	}
	if err := s.Schedule(JobSweep, cfg.SweepSchedule); err != nil {
		return nil, err
	}
	s.cron.Start()
	return s, nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule (re)registers job on the cron spec. An empty spec unschedules it.
func (s *Scheduler) Schedule(job, spec string) error {
	run, err := s.job(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entryIDs[job]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, job)
	}
	if spec == "" {
		return nil
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		if err := run(context.Background()); err != nil {
			slog.Error("Scheduled job failed", "job", job, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", job, spec, err)
	}
	s.entryIDs[job] = entryID
	slog.Info("Scheduled job", "job", job, "schedule", spec)
	return nil
}

func (s *Scheduler) Unschedule(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entryIDs[job]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, job)
	}
}

// RunNow runs job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, job string) error {
	run, err := s.job(job)
	if err != nil {
		return err
	}
	return run(ctx)
}

func (s *Scheduler) NextRun(job string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[job]
	if !ok {
		return nil
	}
	next := s.cron.Entry(entryID).Next
	return &next
}

func (s *Scheduler) job(name string) (func(context.Context) error, error) {
	switch name {
	case JobDiscover:
		return s.discover, nil
	case JobSweep:
		return s.sweep, nil
	default:
		return nil, fmt.Errorf("unknown job %q", name)
	}
}

func (s *Scheduler) discover(ctx context.Context) error {
	binaries, err := s.discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	slog.Info("Discovery completed", "binaries", len(binaries))
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) error {
	removed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("Sweep completed", "removed", removed)
	}
	return nil
}
