package profiles

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/patent-dev/aria2-fleet/internal/catalog"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/registry"
	"github.com/patent-dev/aria2-fleet/internal/testsupport"
)

func strPtr(s string) *string { return &s }

func setup(t *testing.T) (*Resolver, *database.DB, *database.Binary) {
	t.Helper()
	db := testsupport.NewDB(t)
	binary := testsupport.SeedBinary(t, db, "/usr/bin/aria2c")
	testsupport.SeedArgument(t, db, binary.ID, "--enable-rpc", 0)
	testsupport.SeedArgument(t, db, binary.ID, "--rpc-listen-port", 1)
	testsupport.SeedArgument(t, db, binary.ID, "--dir", 2)
	db.Model(&database.Argument{}).Where("long_flag = ?", "--enable-rpc").Update("possible_values", "true, false")
	db.Model(&database.Argument{}).Where("long_flag = ?", "--dir").Update("short_flag", "-d")
	return New(db), db, binary
}

func TestRenderOrderFollowsBinding(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "main", binary.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Bind(ctx, "main", "--rpc-listen-port", "6800"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Bind(ctx, "main", "-d", "/tmp"); err != nil {
		t.Fatal(err)
	}
	profile, err := r.Bind(ctx, "main", "--enable-rpc", "true")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"--rpc-listen-port=6800", "--dir=/tmp", "--enable-rpc=true"}
	if got := Render(profile); !reflect.DeepEqual(got, want) {
		t.Errorf("Render() = %v, want %v", got, want)
	}
	if got := Command(profile); got[0] != "/usr/bin/aria2c" || len(got) != 4 {
		t.Errorf("Command() = %v", got)
	}
	if profile.Args != "--rpc-listen-port=6800 --dir=/tmp --enable-rpc=true" {
		t.Errorf("Args = %q", profile.Args)
	}
}

func TestRebindKeepsPosition(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()

	r.Create(ctx, "main", binary.ID)
	r.Bind(ctx, "main", "--rpc-listen-port", "6800")
	r.Bind(ctx, "main", "--dir", "/tmp")
	profile, err := r.Bind(ctx, "main", "--rpc-listen-port", "6801")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"--rpc-listen-port=6801", "--dir=/tmp"}
	if got := Render(profile); !reflect.DeepEqual(got, want) {
		t.Errorf("Render() = %v, want %v", got, want)
	}
}

func TestRenderEmptyProfile(t *testing.T) {
	profile := &database.Profile{Binary: database.Binary{Path: "/usr/bin/aria2c"}}
	if got := Render(profile); len(got) != 0 {
		t.Errorf("Render() = %v, want empty", got)
	}
	if got := CommandString(profile); got != "/usr/bin/aria2c" {
		t.Errorf("CommandString() = %q, want /usr/bin/aria2c", got)
	}
}

func TestUnbind(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()

	r.Create(ctx, "main", binary.ID)
	r.Bind(ctx, "main", "--rpc-listen-port", "6800")
	r.Bind(ctx, "main", "--dir", "/tmp")

	profile, err := r.Unbind(ctx, "main", "--rpc-listen-port")
	if err != nil {
		t.Fatal(err)
	}
	if got := Render(profile); !reflect.DeepEqual(got, []string{"--dir=/tmp"}) {
		t.Errorf("Render() = %v, want [--dir=/tmp]", got)
	}
	if profile.Args != "--dir=/tmp" {
		t.Errorf("Args = %q, want --dir=/tmp", profile.Args)
	}

	if _, err := r.Unbind(ctx, "main", "--enable-rpc"); err != nil {
		t.Errorf("Unbind() of an unbound flag = %v, want nil", err)
	}
}

func TestBindUnknownArgument(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()
	r.Create(ctx, "main", binary.ID)

	if _, err := r.Bind(ctx, "main", "--no-such-flag", "x"); !errors.Is(err, catalog.ErrArgumentNotFound) {
		t.Errorf("Bind() error = %v, want ErrArgumentNotFound", err)
	}
}

func TestBindArgumentOfOtherBinary(t *testing.T) {
	r, db, binary := setup(t)
	ctx := context.Background()
	other := testsupport.SeedBinary(t, db, "/opt/aria2c")
	testsupport.SeedArgument(t, db, other.ID, "--only-here", 0)
	r.Create(ctx, "main", binary.ID)

	if _, err := r.Bind(ctx, "main", "--only-here", "x"); !errors.Is(err, catalog.ErrArgumentNotFound) {
		t.Errorf("Bind() error = %v, want ErrArgumentNotFound", err)
	}
}

func TestBindRejectsValueOutsideEnumeration(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()
	r.Create(ctx, "main", binary.ID)

	if _, err := r.Bind(ctx, "main", "--enable-rpc", "maybe"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("Bind() error = %v, want ErrInvalidValue", err)
	}
}

func TestValidateValue(t *testing.T) {
	tests := []struct {
		possible *string
		value    string
		valid    bool
	}{
		{nil, "anything", true},
		{strPtr("true, false"), "true", true},
		{strPtr("true, false"), "yes", false},
		{strPtr("debug, info, notice, warn, error"), "warn", true},
		{strPtr("1-16"), "99", true},
		{strPtr("/path/to/directory"), "/tmp", true},
		{strPtr("1024-65535"), "80", true},
	}
	for _, tt := range tests {
		arg := &database.Argument{LongFlag: "--x", PossibleValues: tt.possible}
		err := ValidateValue(arg, tt.value)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateValue(%v, %q) = %v, want valid=%v", tt.possible, tt.value, err, tt.valid)
		}
	}
}

func TestCreateDuplicate(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()

	if _, err := r.Create(ctx, "main", binary.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, "main", binary.ID); !errors.Is(err, ErrProfileExists) {
		t.Errorf("Create() error = %v, want ErrProfileExists", err)
	}
}

func TestCreateUnknownBinary(t *testing.T) {
	r, _, _ := setup(t)
	if _, err := r.Create(context.Background(), "main", 999); !errors.Is(err, registry.ErrBinaryNotFound) {
		t.Errorf("Create() error = %v, want ErrBinaryNotFound", err)
	}
}

func TestGetAndDelete(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()
	r.Create(ctx, "main", binary.ID)

	if err := r.Delete(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "main"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Get() error = %v, want ErrProfileNotFound", err)
	}
	if err := r.Delete(ctx, "main"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Delete() error = %v, want ErrProfileNotFound", err)
	}
}

func TestFindByArgs(t *testing.T) {
	r, _, binary := setup(t)
	ctx := context.Background()
	r.Create(ctx, "main", binary.ID)
	r.Bind(ctx, "main", "--rpc-listen-port", "6800")

	profile, err := r.FindByArgs(ctx, binary.ID, "--rpc-listen-port=6800")
	if err != nil {
		t.Fatal(err)
	}
	if profile.Name != "main" {
		t.Errorf("Name = %q, want main", profile.Name)
	}
	if _, err := r.FindByArgs(ctx, binary.ID, "--dir=/x"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("FindByArgs() error = %v, want ErrProfileNotFound", err)
	}
}
