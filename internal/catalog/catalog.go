// Package catalog extracts the option catalog of a daemon binary from its
// help output and keeps it stored per binary.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/registry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrArgumentNotFound = errors.New("argument not found")
	ErrEmptyHelp        = errors.New("help output contained no arguments")
)

// Runner runs a binary and returns its standard output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type Catalog struct {
	db    *database.DB
	cfg   *config.Config
	host  Runner
	hooks hooks.Emitter
}

func New(db *database.DB, cfg *config.Config, host Runner, emitter hooks.Emitter) *Catalog {
	return &Catalog{
		db:    db,
		cfg:   cfg,
		host:  host,
		hooks: emitter,
	}
}

// Extract runs the binary's help, parses it and replaces the binary's stored
// arguments with the parsed set. The refresh is not incremental: every prior
// argument is deleted first, and profile bindings to them go with it. Help
// output that yields no arguments leaves the catalog untouched.
func (c *Catalog) Extract(ctx context.Context, binaryID uint) ([]database.Argument, error) {
	var binary database.Binary
	if err := c.db.WithContext(ctx).First(&binary, binaryID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: id %d", registry.ErrBinaryNotFound, binaryID)
		}
		return nil, err
	}

	out, err := c.host.Output(ctx, binary.Path, c.cfg.HelpFlag)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", binary.Path, c.cfg.HelpFlag, err)
	}

	parsed := dedupe(ParseHelp(HelpBody(string(out))))
	if len(parsed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyHelp, binary.Path)
	}

	var stored []database.Argument
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		stored, err = replaceArguments(tx, binary.ID, parsed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store arguments for %s: %w", binary.Path, err)
	}

	slog.Info("Argument catalog refreshed", "binary", binary.Path, "count", len(stored))
	c.hooks.Emit(ctx, hooks.NewEvent(hooks.EventCatalogRefreshed, "catalog").
		WithBinary(binary.ID, binary.Path).
		WithCount(len(stored)))

	return stored, nil
}

// replaceArguments deletes every stored argument of the binary, together
// with its tag links and profile bindings, then stores parsed in help order.
func replaceArguments(tx *gorm.DB, binaryID uint, parsed []Parsed) ([]database.Argument, error) {
	var prior []uint
	if err := tx.Model(&database.Argument{}).Where("binary_id = ?", binaryID).Pluck("id", &prior).Error; err != nil {
		return nil, err
	}

	var dropped int64
	if len(prior) > 0 {
		pairs := tx.Where("argument_id IN ?", prior).Delete(&database.ArgumentPair{})
		if pairs.Error != nil {
			return nil, pairs.Error
		}
		dropped = pairs.RowsAffected
		if err := tx.Exec("DELETE FROM argument_tag_links WHERE argument_id IN ?", prior).Error; err != nil {
			return nil, err
		}
		if err := tx.Delete(&database.Argument{}, prior).Error; err != nil {
			return nil, err
		}
	}
	if dropped > 0 {
		if err := tx.Model(&database.Profile{}).Where("binary_id = ?", binaryID).Update("args", "").Error; err != nil {
			return nil, err
		}
		slog.Warn("Catalog refresh dropped profile bindings", "binary", binaryID, "bindings", dropped)
	}

	stored := make([]database.Argument, 0, len(parsed))
	for i, p := range parsed {
		arg := database.Argument{
			BinaryID:       binaryID,
			LongFlag:       p.LongFlag,
			ShortFlag:      optional(p.ShortFlag),
			Description:    p.Description,
			PossibleValues: optional(p.PossibleValues),
			DefaultValue:   optional(p.Default),
			Position:       i,
		}
		if err := tx.Omit(clause.Associations).Create(&arg).Error; err != nil {
			return nil, fmt.Errorf("save %s: %w", p.LongFlag, err)
		}
		if len(p.Tags) > 0 {
			tags := make([]database.ArgumentTag, len(p.Tags))
			for j, value := range p.Tags {
				tags[j] = database.ArgumentTag{Value: value}
			}
			if err := tx.Model(&arg).Association("Tags").Append(tags); err != nil {
				return nil, fmt.Errorf("tag %s: %w", p.LongFlag, err)
			}
			arg.Tags = tags
		}
		stored = append(stored, arg)
	}
	return stored, nil
}

func dedupe(parsed []Parsed) []Parsed {
	seen := make(map[string]bool, len(parsed))
	result := parsed[:0]
	for _, p := range parsed {
		if seen[p.LongFlag] {
			slog.Warn("Duplicate argument in help output", "flag", p.LongFlag)
			continue
		}
		seen[p.LongFlag] = true
		result = append(result, p)
	}
	return result
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// List returns the binary's arguments in help order, optionally only those
// carrying tag.
func (c *Catalog) List(ctx context.Context, binaryID uint, tag string) ([]database.Argument, error) {
	query := c.db.WithContext(ctx).Preload("Tags").Where("arguments.binary_id = ?", binaryID)
	if tag != "" {
		query = query.
			Joins("JOIN argument_tag_links ON argument_tag_links.argument_id = arguments.id").
			Where("argument_tag_links.argument_tag_value = ?", tag)
	}
	var args []database.Argument
	return args, query.Order("arguments.position").Find(&args).Error
}

// Lookup finds an argument of the binary by its long or short flag.
func (c *Catalog) Lookup(ctx context.Context, binaryID uint, flag string) (*database.Argument, error) {
	var arg database.Argument
	err := c.db.WithContext(ctx).Preload("Tags").
		Where("binary_id = ? AND (long_flag = ? OR short_flag = ?)", binaryID, flag, flag).
		First(&arg).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrArgumentNotFound, flag)
		}
		return nil, err
	}
	return &arg, nil
}
