// Package profiles composes launch profiles: ordered flag/value bindings
// against a binary's argument catalog.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/patent-dev/aria2-fleet/internal/catalog"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/registry"
	"gorm.io/gorm"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileExists   = errors.New("profile already exists")
	ErrInvalidValue    = errors.New("value not allowed")
)

var enumToken = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Render turns the profile's pairs into "--flag=value" tokens in bind order.
func Render(p *database.Profile) []string {
	args := make([]string, 0, len(p.Pairs))
	for _, pair := range p.Pairs {
		args = append(args, pair.Argument.LongFlag+"="+pair.Value)
	}
	return args
}

// Command is the binary path followed by the rendered arguments.
func Command(p *database.Profile) []string {
	return append([]string{p.Binary.Path}, Render(p)...)
}

// CommandString is the space-joined Command, the form matched against the
// process table.
func CommandString(p *database.Profile) string {
	return strings.Join(Command(p), " ")
}

type Resolver struct {
	db *database.DB
}

func New(db *database.DB) *Resolver {
	return &Resolver{db: db}
}

func (r *Resolver) Create(ctx context.Context, name string, binaryID uint) (*database.Profile, error) {
	var binary database.Binary
	if err := r.db.WithContext(ctx).First(&binary, binaryID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: id %d", registry.ErrBinaryNotFound, binaryID)
		}
		return nil, err
	}

	profile := &database.Profile{Name: name, BinaryID: binary.ID}
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		if database.IsDuplicate(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileExists, name)
		}
		return nil, err
	}
	profile.Binary = binary
	return profile, nil
}

// Get loads a profile with its binary and its pairs in bind order.
func (r *Resolver) Get(ctx context.Context, name string) (*database.Profile, error) {
	return load(r.db.WithContext(ctx), "name = ?", name)
}

func (r *Resolver) GetByID(ctx context.Context, id uint) (*database.Profile, error) {
	return load(r.db.WithContext(ctx), "id = ?", id)
}

func load(tx *gorm.DB, query string, arg interface{}) (*database.Profile, error) {
	var profile database.Profile
	err := tx.
		Preload("Binary").
		Preload("Pairs", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Pairs.Argument").
		Where(query, arg).
		First(&profile).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrProfileNotFound, arg)
		}
		return nil, err
	}
	return &profile, nil
}

func (r *Resolver) List(ctx context.Context) ([]database.Profile, error) {
	var profiles []database.Profile
	return profiles, r.db.WithContext(ctx).Preload("Binary").Order("name").Find(&profiles).Error
}

// Bind sets flag to value in the profile. A new binding goes to the end of
// the render order; rebinding a flag keeps its place.
func (r *Resolver) Bind(ctx context.Context, name, flag, value string) (*database.Profile, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := load(tx, "name = ?", name)
		if err != nil {
			return err
		}

		var arg database.Argument
		err = tx.Where("binary_id = ? AND (long_flag = ? OR short_flag = ?)", profile.BinaryID, flag, flag).First(&arg).Error
		if err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("%w: %s for %s", catalog.ErrArgumentNotFound, flag, profile.Binary.Path)
			}
			return err
		}
		if err := ValidateValue(&arg, value); err != nil {
			return err
		}

		for _, pair := range profile.Pairs {
			if pair.ArgumentID == arg.ID {
				if err := tx.Model(&database.ArgumentPair{}).Where("id = ?", pair.ID).Update("value", value).Error; err != nil {
					return err
				}
				return refreshArgs(tx, profile.ID)
			}
		}

		next := 0
		if n := len(profile.Pairs); n > 0 {
			next = profile.Pairs[n-1].Position + 1
		}
		pair := &database.ArgumentPair{ProfileID: profile.ID, ArgumentID: arg.ID, Value: value, Position: next}
		if err := tx.Create(pair).Error; err != nil {
			return err
		}
		return refreshArgs(tx, profile.ID)
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, name)
}

// Unbind removes flag from the profile. Unbinding an unbound flag is a no-op.
func (r *Resolver) Unbind(ctx context.Context, name, flag string) (*database.Profile, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := load(tx, "name = ?", name)
		if err != nil {
			return err
		}
		for _, pair := range profile.Pairs {
			if pair.Argument.LongFlag == flag || (pair.Argument.ShortFlag != nil && *pair.Argument.ShortFlag == flag) {
				if err := tx.Delete(&database.ArgumentPair{}, pair.ID).Error; err != nil {
					return err
				}
				return refreshArgs(tx, profile.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, name)
}

func (r *Resolver) Delete(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&database.Profile{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return nil
}

// FindByArgs returns the profile of the binary whose cached rendering
// equals args.
func (r *Resolver) FindByArgs(ctx context.Context, binaryID uint, args string) (*database.Profile, error) {
	var profile database.Profile
	err := r.db.WithContext(ctx).Where("binary_id = ? AND args = ?", binaryID, args).First(&profile).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: binary %d args %q", ErrProfileNotFound, binaryID, args)
		}
		return nil, err
	}
	return &profile, nil
}

func refreshArgs(tx *gorm.DB, profileID uint) error {
	profile, err := load(tx, "id = ?", profileID)
	if err != nil {
		return err
	}
	return tx.Model(&database.Profile{}).Where("id = ?", profileID).Update("args", strings.Join(Render(profile), " ")).Error
}

// ValidateValue rejects values outside an enumerated Possible Values list
// such as "true, false". Ranges, paths and other free-form descriptions are
// not checked.
func ValidateValue(arg *database.Argument, value string) error {
	if arg.PossibleValues == nil {
		return nil
	}
	tokens := strings.Split(*arg.PossibleValues, ", ")
	if len(tokens) < 2 {
		return nil
	}
	for _, token := range tokens {
		if !enumToken.MatchString(token) {
			return nil
		}
	}
	for _, token := range tokens {
		if token == value {
			return nil
		}
	}
	return fmt.Errorf("%w: %s=%s (possible values: %s)", ErrInvalidValue, arg.LongFlag, value, *arg.PossibleValues)
}
