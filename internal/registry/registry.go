// Package registry keeps the set of known daemon binaries in step with
// what the host's PATH offers.
package registry

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/hostproc"
	"gorm.io/gorm"
)

var ErrBinaryNotFound = errors.New("binary not found")

const versionPrefix = "aria2 version "

// Locator finds executables and runs them.
type Locator interface {
	LookupAll(ctx context.Context, name string) ([]string, error)
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Registry manages the persisted Binary records
type Registry struct {
	db    *database.DB
	cfg   *config.Config
	host  Locator
	hooks hooks.Emitter
	mu    sync.Mutex
}

func New(db *database.DB, cfg *config.Config, host Locator, emitter hooks.Emitter) *Registry {
	return &Registry{
		db:    db,
		cfg:   cfg,
		host:  host,
		hooks: emitter,
	}
}

// Discover looks up every copy of the configured binary on PATH, creates
// records for new paths and deletes records (with their dependents) for
// paths that disappeared. It returns the current binaries in PATH order.
// When the lookup utility itself is missing the result is empty and the
// stored records are left alone.
func (r *Registry) Discover(ctx context.Context) ([]database.Binary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths, err := r.host.LookupAll(ctx, r.cfg.BinaryName)
	if err != nil {
		if errors.Is(err, hostproc.ErrLookupUnavailable) {
			slog.Warn("Binary lookup unavailable, skipping discovery", "binary", r.cfg.BinaryName)
			return []database.Binary{}, nil
		}
		return nil, fmt.Errorf("look up %s: %w", r.cfg.BinaryName, err)
	}

	found := make(map[string]bool, len(paths))
	for _, p := range paths {
		found[p] = true
	}

	var added, removed []database.Binary
	binaries := make([]database.Binary, 0, len(paths))

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []database.Binary
		if err := tx.Find(&existing).Error; err != nil {
			return err
		}

		known := make(map[string]database.Binary, len(existing))
		for _, b := range existing {
			if found[b.Path] {
				known[b.Path] = b
				continue
			}
			if err := database.DeleteBinary(tx, b.ID); err != nil {
				return fmt.Errorf("delete binary %s: %w", b.Path, err)
			}
			removed = append(removed, b)
		}

		for _, p := range paths {
			b, ok := known[p]
			if !ok {
				b = database.Binary{Path: p}
				if err := tx.Create(&b).Error; err != nil {
					return fmt.Errorf("create binary %s: %w", p, err)
				}
				added = append(added, b)
			}
			binaries = append(binaries, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, b := range removed {
		slog.Info("Binary removed", "path", b.Path, "binaryID", b.ID)
		r.hooks.Emit(ctx, hooks.NewEvent(hooks.EventBinaryRemoved, "registry").WithBinary(b.ID, b.Path))
	}
	for _, b := range added {
		slog.Info("Binary discovered", "path", b.Path, "binaryID", b.ID)
		r.hooks.Emit(ctx, hooks.NewEvent(hooks.EventBinaryDiscovered, "registry").WithBinary(b.ID, b.Path))
	}

	return binaries, nil
}

func (r *Registry) List(ctx context.Context) ([]database.Binary, error) {
	var binaries []database.Binary
	return binaries, r.db.WithContext(ctx).Order("id").Find(&binaries).Error
}

func (r *Registry) Get(ctx context.Context, id uint) (*database.Binary, error) {
	var binary database.Binary
	if err := r.db.WithContext(ctx).First(&binary, id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: id %d", ErrBinaryNotFound, id)
		}
		return nil, err
	}
	return &binary, nil
}

func (r *Registry) GetByPath(ctx context.Context, path string) (*database.Binary, error) {
	var binary database.Binary
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&binary).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, path)
		}
		return nil, err
	}
	return &binary, nil
}

// Ensure returns the binary record for path, creating it if needed.
func (r *Registry) Ensure(ctx context.Context, path string) (*database.Binary, error) {
	binary := database.Binary{Path: path}
	if err := r.db.WithContext(ctx).Where("path = ?", path).FirstOrCreate(&binary).Error; err != nil {
		return nil, fmt.Errorf("ensure binary %s: %w", path, err)
	}
	return &binary, nil
}

// Version runs the binary with --version and returns the version string
// from the first line of its output.
func (r *Registry) Version(ctx context.Context, binary *database.Binary) (string, error) {
	out, err := r.host.Output(ctx, binary.Path, "--version")
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", binary.Path, err)
	}
	return ParseVersion(out), nil
}

func ParseVersion(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(strings.Replace(scanner.Text(), versionPrefix, "", 1))
}
