// Package tasks records download requests against instances and submits
// them to the owning daemon. A task is submitted once it holds a GID.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/patent-dev/aria2-fleet/internal/aria2"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/secrets"
	"github.com/patent-dev/aria2-fleet/internal/supervisor"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrGIDNotFound      = errors.New("gid not found")
	ErrSubmitInProgress = errors.New("task submission already in progress")
	ErrEmptyPayload     = errors.New("task payload is empty")
	ErrInvalidPosition  = errors.New("queue position must not be negative")
)

// Endpoints hands out RPC clients per instance.
type Endpoints interface {
	Client(ctx context.Context, inst *database.Instance) (aria2.API, error)
}

// Options are the call parameters shared by every task kind.
type Options struct {
	Secret   string
	Options  map[string]string
	Position *int
}

type Manager struct {
	db     *database.DB
	rpc    Endpoints
	sealer secrets.Sealer
	hooks  hooks.Emitter

	active sync.Map
}

func New(db *database.DB, rpc Endpoints, sealer secrets.Sealer, emitter hooks.Emitter) *Manager {
	return &Manager{db: db, rpc: rpc, sealer: sealer, hooks: emitter}
}

func (m *Manager) CreateURI(ctx context.Context, instancePID int, uris []string, opts Options) (*database.Task, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("%w: no uris", ErrEmptyPayload)
	}
	return m.create(ctx, &database.Task{Kind: database.TaskKindURI, InstancePID: instancePID, URIs: uris}, opts)
}

// CreateTorrent records a torrent task. uris are optional web seeds.
func (m *Manager) CreateTorrent(ctx context.Context, instancePID int, torrent []byte, uris []string, opts Options) (*database.Task, error) {
	if len(torrent) == 0 {
		return nil, fmt.Errorf("%w: no torrent", ErrEmptyPayload)
	}
	return m.create(ctx, &database.Task{Kind: database.TaskKindTorrent, InstancePID: instancePID, Torrent: torrent, URIs: uris}, opts)
}

func (m *Manager) CreateMetalink(ctx context.Context, instancePID int, metalink []byte, opts Options) (*database.Task, error) {
	if len(metalink) == 0 {
		return nil, fmt.Errorf("%w: no metalink", ErrEmptyPayload)
	}
	return m.create(ctx, &database.Task{Kind: database.TaskKindMetalink, InstancePID: instancePID, Metalink: metalink}, opts)
}

func (m *Manager) create(ctx context.Context, task *database.Task, opts Options) (*database.Task, error) {
	if opts.Position != nil && *opts.Position < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPosition, *opts.Position)
	}

	var inst database.Instance
	if err := m.db.WithContext(ctx).First(&inst, "pid = ?", task.InstancePID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: pid %d", supervisor.ErrInstanceNotFound, task.InstancePID)
		}
		return nil, err
	}

	if opts.Secret != "" {
		sealed, err := m.sealer.Seal([]byte(opts.Secret))
		if err != nil {
			return nil, fmt.Errorf("seal secret: %w", err)
		}
		task.SecretEnc = sealed
	}
	task.Options = opts.Options
	task.Position = opts.Position

	if err := m.db.WithContext(ctx).Omit("Instance", "GID").Create(task).Error; err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	slog.Info("Task created", "task", task.ID, "kind", task.Kind, "pid", task.InstancePID)
	return task, nil
}

func (m *Manager) Get(ctx context.Context, id uint) (*database.Task, error) {
	var task database.Task
	if err := m.db.WithContext(ctx).Preload("Instance").Preload("GID").First(&task, id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return &task, nil
}

// List returns the tasks of one instance, or of all instances when
// instancePID is zero.
func (m *Manager) List(ctx context.Context, instancePID int) ([]database.Task, error) {
	query := m.db.WithContext(ctx).Order("id")
	if instancePID != 0 {
		query = query.Where("instance_pid = ?", instancePID)
	}
	var tasks []database.Task
	return tasks, query.Find(&tasks).Error
}

// Submit sends the task to its instance with exactly one remote call and
// records the returned GID. A task that already has a GID is returned
// unchanged without contacting the daemon. Failed calls are not retried.
func (m *Manager) Submit(ctx context.Context, id uint) (string, error) {
	if _, busy := m.active.LoadOrStore(id, struct{}{}); busy {
		return "", fmt.Errorf("%w: %d", ErrSubmitInProgress, id)
	}
	defer m.active.Delete(id)

	task, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if task.Submitted() {
		return *task.GIDID, nil
	}

	gid, err := m.call(ctx, task)
	if err != nil {
		slog.Error("Task submission failed", "task", task.ID, "pid", task.InstancePID, "error", err)
		m.hooks.Emit(ctx, hooks.NewEvent(hooks.EventTaskSubmitFailed, "tasks").
			WithTask(task.ID, task.Kind, "").
			WithError(errorCode(err), err.Error()))
		return "", fmt.Errorf("submit task %d: %w", task.ID, err)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&database.GID{ID: gid, InstancePID: task.InstancePID}).Error; err != nil {
			return err
		}
		return tx.Model(&database.Task{}).Where("id = ?", task.ID).Update("gid_id", gid).Error
	})
	if err != nil {
		// The daemon holds the download; only the local record is missing.
		slog.Error("Failed to record accepted task", "task", task.ID, "gid", gid, "error", err)
		return gid, fmt.Errorf("record gid %s for task %d: %w", gid, task.ID, err)
	}

	slog.Info("Task submitted", "task", task.ID, "gid", gid, "pid", task.InstancePID)
	m.hooks.Emit(ctx, hooks.NewEvent(hooks.EventTaskSubmitted, "tasks").WithTask(task.ID, task.Kind, gid))
	return gid, nil
}

func (m *Manager) call(ctx context.Context, task *database.Task) (string, error) {
	var secret string
	if len(task.SecretEnc) > 0 {
		plaintext, err := m.sealer.Open(task.SecretEnc)
		if err != nil {
			return "", err
		}
		secret = string(plaintext)
	}

	client, err := m.rpc.Client(ctx, &task.Instance)
	if err != nil {
		return "", err
	}

	switch task.Kind {
	case database.TaskKindURI:
		return client.AddURI(ctx, secret, task.URIs, task.Options, task.Position)
	case database.TaskKindTorrent:
		return client.AddTorrent(ctx, secret, task.Torrent, task.URIs, task.Options, task.Position)
	case database.TaskKindMetalink:
		return client.AddMetalink(ctx, secret, task.Metalink, task.Options, task.Position)
	default:
		return "", fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, aria2.ErrEndpointNotFound):
		return "endpoint_not_found"
	case errors.Is(err, aria2.ErrRemoteFault):
		return "remote_fault"
	case errors.Is(err, aria2.ErrRemoteUnavailable):
		return "remote_unavailable"
	default:
		return "submit_failed"
	}
}

// Status queries the owning daemon for the download. Nothing is cached.
func (m *Manager) Status(ctx context.Context, gid string) (*aria2.Status, error) {
	var record database.GID
	if err := m.db.WithContext(ctx).First(&record, "id = ?", gid).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrGIDNotFound, gid)
		}
		return nil, err
	}
	var inst database.Instance
	if err := m.db.WithContext(ctx).First(&inst, "pid = ?", record.InstancePID).Error; err != nil {
		return nil, fmt.Errorf("instance of gid %s: %w", gid, err)
	}

	client, err := m.rpc.Client(ctx, &inst)
	if err != nil {
		return nil, err
	}
	return client.TellStatus(ctx, gid)
}

// GIDs lists the download identifiers held by an instance.
func (m *Manager) GIDs(ctx context.Context, instancePID int) ([]database.GID, error) {
	var gids []database.GID
	return gids, m.db.WithContext(ctx).Where("instance_pid = ?", instancePID).Order("created_at").Find(&gids).Error
}
