package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/aria2"
	"github.com/patent-dev/aria2-fleet/internal/database"
	"github.com/patent-dev/aria2-fleet/internal/hooks"
	"github.com/patent-dev/aria2-fleet/internal/profiles"
	"github.com/patent-dev/aria2-fleet/internal/registry"
	"github.com/patent-dev/aria2-fleet/internal/testsupport"
)

const binaryPath = "/usr/bin/aria2c"

type fakeChild struct {
	pid        int
	done       chan struct{}
	exitErr    error
	terminated bool
}

func (c *fakeChild) PID() int              { return c.pid }
func (c *fakeChild) Done() <-chan struct{} { return c.done }
func (c *fakeChild) ExitErr() error        { return c.exitErr }
func (c *fakeChild) Terminate() error {
	c.terminated = true
	return nil
}

// fakeHost is a process table in which spawned commands become visible
// after a number of PIDs polls. A negative appearAfter means never.
type fakeHost struct {
	mu          sync.Mutex
	procs       map[int]string
	pending     map[int]string
	nextPID     int
	appearAfter int
	polls       int
	spawned     [][]string
	children    []*fakeChild
	childErr    error
}

func newFakeHost() *fakeHost {
	return &fakeHost{procs: map[int]string{}, pending: map[int]string{}, nextPID: 1000}
}

func (h *fakeHost) PIDs(_ context.Context, path string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polls++
	if h.appearAfter >= 0 && h.polls > h.appearAfter {
		for pid, cmd := range h.pending {
			h.procs[pid] = cmd
			delete(h.pending, pid)
		}
	}
	var pids []int
	for pid, cmd := range h.procs {
		if strings.HasPrefix(cmd, path) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (h *fakeHost) CommandLine(_ context.Context, pid int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cmd, ok := h.procs[pid]
	if !ok {
		return "", fmt.Errorf("no process %d", pid)
	}
	return cmd, nil
}

func (h *fakeHost) Alive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.procs[pid]
	return ok
}

func (h *fakeHost) EffectiveUser(ctx context.Context, pid int) (string, error) {
	if !h.Alive(pid) {
		return "", errors.New("gone")
	}
	return "aria2", nil
}

func (h *fakeHost) CPUPercent(ctx context.Context, pid int) (float64, error) {
	if !h.Alive(pid) {
		return 0, errors.New("gone")
	}
	return 1.5, nil
}

func (h *fakeHost) MemPercent(ctx context.Context, pid int) (float64, error) {
	if !h.Alive(pid) {
		return 0, errors.New("gone")
	}
	return 0.4, nil
}

func (h *fakeHost) Elapsed(ctx context.Context, pid int) (time.Duration, error) {
	if !h.Alive(pid) {
		return 0, errors.New("gone")
	}
	return time.Minute, nil
}

func (h *fakeHost) CPUTime(ctx context.Context, pid int) (time.Duration, error) {
	if !h.Alive(pid) {
		return 0, errors.New("gone")
	}
	return time.Second, nil
}

func (h *fakeHost) Spawn(argv []string) (Child, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextPID++
	h.spawned = append(h.spawned, argv)
	child := &fakeChild{pid: h.nextPID, done: make(chan struct{})}
	if h.childErr != nil {
		child.exitErr = h.childErr
		close(child.done)
	} else {
		h.pending[h.nextPID] = strings.Join(argv, " ")
	}
	h.children = append(h.children, child)
	return child, nil
}

func (h *fakeHost) run(pid int, command string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procs[pid] = command
}

func (h *fakeHost) kill(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.procs, pid)
}

type fakeAPI struct {
	aria2.API
	shutdowns int
}

func (a *fakeAPI) GetVersion(context.Context) (*aria2.Version, error) {
	return &aria2.Version{Version: "1.37.0", EnabledFeatures: []string{"BitTorrent"}}, nil
}

func (a *fakeAPI) GetSessionInfo(context.Context) (string, error) {
	return "cd6a3bc6a1de28eb", nil
}

func (a *fakeAPI) GetGlobalStat(context.Context) (map[string]string, error) {
	return map[string]string{"numActive": "0"}, nil
}

func (a *fakeAPI) GetGlobalOption(context.Context) (map[string]string, error) {
	return nil, aria2.ErrRemoteFault
}

func (a *fakeAPI) ListMethods(context.Context) ([]string, error) {
	return []string{"aria2.addUri"}, nil
}

func (a *fakeAPI) ListNotifications(context.Context) ([]string, error) {
	return nil, aria2.ErrRemoteUnavailable
}

func (a *fakeAPI) Shutdown(context.Context) error {
	a.shutdowns++
	return nil
}

// fakeEndpoints serves one API to every instance started with an RPC port.
type fakeEndpoints struct {
	api       *fakeAPI
	forgotten []int
}

func (e *fakeEndpoints) Client(_ context.Context, inst *database.Instance) (aria2.API, error) {
	if !strings.Contains(inst.Command, "--rpc-listen-port=") {
		return nil, aria2.ErrEndpointNotFound
	}
	return e.api, nil
}

func (e *fakeEndpoints) Forget(pid int) {
	e.forgotten = append(e.forgotten, pid)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(_ context.Context, event *hooks.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Type)
}

func (r *recordingEmitter) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	sup      *Supervisor
	db       *database.DB
	host     *fakeHost
	rpc      *fakeEndpoints
	emitter  *recordingEmitter
	profiles *profiles.Resolver
	binary   *database.Binary
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testsupport.NewDB(t)
	binary := testsupport.SeedBinary(t, db, binaryPath)
	testsupport.SeedArgument(t, db, binary.ID, "--enable-rpc", 0)
	testsupport.SeedArgument(t, db, binary.ID, "--rpc-listen-port", 1)
	testsupport.SeedArgument(t, db, binary.ID, "--dir", 2)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SpawnTimeout = 1
	cfg.PollInterval = 10

	f := &fixture{
		db:       db,
		host:     newFakeHost(),
		rpc:      &fakeEndpoints{api: &fakeAPI{}},
		emitter:  &recordingEmitter{},
		profiles: profiles.New(db),
		binary:   binary,
	}
	reg := registry.New(db, cfg, nil, f.emitter)
	f.sup = New(db, cfg, f.host, reg, f.profiles, f.rpc, f.emitter)
	return f
}

func (f *fixture) profile(t *testing.T, name string, pairs ...string) *database.Profile {
	t.Helper()
	ctx := context.Background()
	if _, err := f.profiles.Create(ctx, name, f.binary.ID); err != nil {
		t.Fatal(err)
	}
	var p *database.Profile
	for i := 0; i+1 < len(pairs); i += 2 {
		var err error
		if p, err = f.profiles.Bind(ctx, name, pairs[i], pairs[i+1]); err != nil {
			t.Fatal(err)
		}
	}
	if p == nil {
		var err error
		if p, err = f.profiles.Get(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func TestCreateFromProfileSpawnsAndMatches(t *testing.T) {
	f := setup(t)
	f.host.appearAfter = 2
	p := f.profile(t, "main", "--enable-rpc", "true", "--rpc-listen-port", "6800")

	inst, err := f.sup.CreateFromProfile(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}

	want := binaryPath + " --enable-rpc=true --rpc-listen-port=6800"
	if inst.Command != want {
		t.Errorf("Command = %q, want %q", inst.Command, want)
	}
	if inst.PID != 1001 {
		t.Errorf("PID = %d, want 1001", inst.PID)
	}
	if inst.ProfileID == nil || *inst.ProfileID != p.ID {
		t.Errorf("ProfileID = %v, want %d", inst.ProfileID, p.ID)
	}
	if inst.EffectiveUser != "aria2" || inst.Version != "1.37.0" || inst.SessionID != "cd6a3bc6a1de28eb" {
		t.Errorf("metadata = %q %q %q", inst.EffectiveUser, inst.Version, inst.SessionID)
	}
	if !f.emitter.has(hooks.EventInstanceCreated) {
		t.Error("instance.created not emitted")
	}
}

func TestCreateFromProfileIsIdempotent(t *testing.T) {
	f := setup(t)
	f.profile(t, "main", "--rpc-listen-port", "6800")
	ctx := context.Background()

	first, err := f.sup.CreateFromProfile(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.sup.CreateFromProfile(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}

	if first.PID != second.PID {
		t.Errorf("PIDs differ: %d and %d", first.PID, second.PID)
	}
	if len(f.host.spawned) != 1 {
		t.Errorf("spawned %d processes, want 1", len(f.host.spawned))
	}
}

func TestCreateFromProfileWithoutRPC(t *testing.T) {
	f := setup(t)
	f.profile(t, "quiet", "--dir", "/tmp")

	inst, err := f.sup.CreateFromProfile(context.Background(), "quiet")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Version != "" || inst.SessionID != "" {
		t.Errorf("expected no RPC metadata, got %q %q", inst.Version, inst.SessionID)
	}
	if inst.EffectiveUser != "aria2" {
		t.Errorf("EffectiveUser = %q", inst.EffectiveUser)
	}
}

func TestCreateFromProfileTimeout(t *testing.T) {
	f := setup(t)
	f.host.appearAfter = -1
	f.profile(t, "main", "--rpc-listen-port", "6800")

	_, err := f.sup.CreateFromProfile(context.Background(), "main")
	if !errors.Is(err, ErrCommandExecutionFailed) {
		t.Fatalf("expected ErrCommandExecutionFailed, got %v", err)
	}
	if !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound in chain, got %v", err)
	}

	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LaunchError, got %T", err)
	}
	if !lerr.Terminated || !f.host.children[0].terminated {
		t.Error("unmatched child should be terminated")
	}

	var count int64
	f.db.Model(&database.Instance{}).Count(&count)
	if count != 0 {
		t.Errorf("instance records = %d, want 0", count)
	}
	if !f.emitter.has(hooks.EventInstanceLaunchFailed) {
		t.Error("instance.launch_failed not emitted")
	}
}

func TestCreateFromProfileTimeoutLeavesChild(t *testing.T) {
	f := setup(t)
	f.sup.cfg.KillOnTimeout = false
	f.host.appearAfter = -1
	f.profile(t, "main", "--rpc-listen-port", "6800")

	_, err := f.sup.CreateFromProfile(context.Background(), "main")
	var lerr *LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LaunchError, got %v", err)
	}
	if lerr.Terminated || f.host.children[0].terminated {
		t.Error("child should be left running")
	}
}

func TestCreateFromProfileChildFails(t *testing.T) {
	f := setup(t)
	f.host.childErr = errors.New("exit status 28")
	f.profile(t, "main", "--rpc-listen-port", "6800")

	start := time.Now()
	_, err := f.sup.CreateFromProfile(context.Background(), "main")
	if !errors.Is(err, ErrCommandExecutionFailed) {
		t.Fatalf("expected ErrCommandExecutionFailed, got %v", err)
	}
	if errors.Is(err, ErrCommandNotFound) {
		t.Error("a failed child is not a timeout")
	}
	if time.Since(start) >= time.Second {
		t.Error("failed child should end the wait early")
	}
}

func TestCreateFromProfileCancelled(t *testing.T) {
	f := setup(t)
	f.host.appearAfter = -1
	f.profile(t, "main", "--rpc-listen-port", "6800")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.sup.CreateFromProfile(ctx, "main")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if !f.host.children[0].terminated {
		t.Error("child of a cancelled launch should be terminated")
	}
}

func TestCreateFromProfileCancelledLeavesChild(t *testing.T) {
	f := setup(t)
	f.sup.cfg.KillOnTimeout = false
	f.host.appearAfter = -1
	f.profile(t, "main", "--rpc-listen-port", "6800")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := f.sup.CreateFromProfile(ctx, "main")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.host.children[0].terminated {
		t.Error("child should be left running")
	}
}

func TestCreateFromProfileInUse(t *testing.T) {
	f := setup(t)
	p := f.profile(t, "main", "--rpc-listen-port", "6800")
	old := binaryPath + " --rpc-listen-port=6801"
	f.host.run(500, old)
	if err := f.db.Create(&database.Instance{PID: 500, Command: old, BinaryID: f.binary.ID, ProfileID: &p.ID}).Error; err != nil {
		t.Fatal(err)
	}

	_, err := f.sup.CreateFromProfile(context.Background(), "main")
	if !errors.Is(err, ErrProfileInUse) {
		t.Fatalf("expected ErrProfileInUse, got %v", err)
	}

	f.host.kill(500)
	inst, err := f.sup.CreateFromProfile(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if inst.PID == 500 {
		t.Error("stale record should have been replaced")
	}
}

func TestCreateFromUnknownProfile(t *testing.T) {
	f := setup(t)
	_, err := f.sup.CreateFromProfile(context.Background(), "missing")
	if !errors.Is(err, profiles.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestDeleteShutsDownAndCascades(t *testing.T) {
	f := setup(t)
	f.profile(t, "main", "--rpc-listen-port", "6800")
	ctx := context.Background()
	inst, err := f.sup.CreateFromProfile(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}

	gid := "2089b05ecca3d829"
	f.db.Create(&database.GID{ID: gid, InstancePID: inst.PID})
	f.db.Create(&database.Task{Kind: database.TaskKindURI, InstancePID: inst.PID, GIDID: &gid, URIs: []string{"http://example.com/a"}})

	if err := f.sup.Delete(ctx, inst.PID); err != nil {
		t.Fatal(err)
	}

	if f.rpc.api.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", f.rpc.api.shutdowns)
	}
	if len(f.rpc.forgotten) != 1 || f.rpc.forgotten[0] != inst.PID {
		t.Errorf("forgotten = %v", f.rpc.forgotten)
	}
	for _, model := range []interface{}{&database.Instance{}, &database.GID{}, &database.Task{}} {
		var count int64
		f.db.Model(model).Count(&count)
		if count != 0 {
			t.Errorf("%T rows = %d, want 0", model, count)
		}
	}
	if _, err := f.sup.Get(ctx, inst.PID); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if !f.emitter.has(hooks.EventInstanceDeleted) {
		t.Error("instance.deleted not emitted")
	}
}

func TestDeleteWithoutEndpoint(t *testing.T) {
	f := setup(t)
	f.host.run(700, binaryPath)
	f.db.Create(&database.Instance{PID: 700, Command: binaryPath, BinaryID: f.binary.ID})

	if err := f.sup.Delete(context.Background(), 700); err != nil {
		t.Fatal(err)
	}
	if f.rpc.api.shutdowns != 0 {
		t.Error("shutdown should not be attempted without an endpoint")
	}
}

func TestAdoptPID(t *testing.T) {
	f := setup(t)
	p := f.profile(t, "main", "--rpc-listen-port", "6800")
	f.host.run(321, binaryPath+" --rpc-listen-port=6800")
	f.host.run(322, "/opt/aria2/bin/aria2c --dir=/srv")
	ctx := context.Background()

	inst, err := f.sup.AdoptPID(ctx, 321)
	if err != nil {
		t.Fatal(err)
	}
	if inst.ProfileID == nil || *inst.ProfileID != p.ID {
		t.Errorf("ProfileID = %v, want %d", inst.ProfileID, p.ID)
	}
	if inst.Version != "1.37.0" {
		t.Errorf("Version = %q", inst.Version)
	}

	other, err := f.sup.AdoptPID(ctx, 322)
	if err != nil {
		t.Fatal(err)
	}
	if other.ProfileID != nil {
		t.Errorf("unexpected profile %v", *other.ProfileID)
	}
	if other.Binary.Path != "/opt/aria2/bin/aria2c" {
		t.Errorf("binary = %q", other.Binary.Path)
	}

	again, err := f.sup.AdoptPID(ctx, 321)
	if err != nil || again.PID != 321 {
		t.Errorf("re-adopt = %v, %v", again, err)
	}
	if len(f.host.spawned) != 0 {
		t.Error("adopt must not spawn")
	}
	if !f.emitter.has(hooks.EventInstanceAdopted) {
		t.Error("instance.adopted not emitted")
	}
}

func TestAdoptPIDGone(t *testing.T) {
	f := setup(t)
	if _, err := f.sup.AdoptPID(context.Background(), 999); !errors.Is(err, ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestAdoptPIDReplacesReusedPID(t *testing.T) {
	f := setup(t)
	f.db.Create(&database.Instance{PID: 42, Command: binaryPath + " --dir=/old", BinaryID: f.binary.ID})
	f.host.run(42, binaryPath+" --dir=/new")

	inst, err := f.sup.AdoptPID(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Command != binaryPath+" --dir=/new" {
		t.Errorf("Command = %q", inst.Command)
	}
}

func TestAdoptAll(t *testing.T) {
	f := setup(t)
	f.host.run(11, binaryPath+" --dir=/a")
	f.host.run(12, binaryPath+" --dir=/b")
	f.host.run(13, "/usr/local/bin/aria2c")

	adopted, err := f.sup.AdoptAll(context.Background(), f.binary.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(adopted) != 2 {
		t.Errorf("adopted %d, want 2", len(adopted))
	}
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	f.host.run(55, binaryPath)
	f.db.Create(&database.Instance{PID: 55, Command: binaryPath, BinaryID: f.binary.ID})
	ctx := context.Background()

	m, err := f.sup.Metrics(ctx, 55)
	if err != nil {
		t.Fatal(err)
	}
	if m.CPUPercent == nil || *m.CPUPercent != 1.5 || m.Elapsed == nil || *m.Elapsed != time.Minute {
		t.Errorf("metrics = %+v", m)
	}

	f.host.kill(55)
	m, err = f.sup.Metrics(ctx, 55)
	if err != nil {
		t.Fatal(err)
	}
	if m.CPUPercent != nil || m.MemPercent != nil || m.Elapsed != nil || m.CPUTime != nil {
		t.Errorf("expected unavailable metrics, got %+v", m)
	}

	if _, err := f.sup.Metrics(ctx, 56); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestInspectToleratesFailedCalls(t *testing.T) {
	f := setup(t)
	command := binaryPath + " --rpc-listen-port=6800"
	f.host.run(77, command)
	f.db.Create(&database.Instance{PID: 77, Command: command, BinaryID: f.binary.ID})

	out, err := f.sup.Inspect(context.Background(), 77)
	if err != nil {
		t.Fatal(err)
	}
	if out.Version == nil || out.GlobalStat["numActive"] != "0" || len(out.Methods) != 1 {
		t.Errorf("inspection = %+v", out)
	}
	if out.GlobalOption != nil || out.Notifications != nil {
		t.Errorf("failed calls should leave nil fields, got %+v", out)
	}
}

func TestInspectWithoutEndpoint(t *testing.T) {
	f := setup(t)
	f.db.Create(&database.Instance{PID: 78, Command: binaryPath, BinaryID: f.binary.ID})
	if _, err := f.sup.Inspect(context.Background(), 78); !errors.Is(err, aria2.ErrEndpointNotFound) {
		t.Errorf("expected ErrEndpointNotFound, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	f := setup(t)
	f.host.run(1, binaryPath+" --dir=/live")
	f.host.run(2, binaryPath+" --dir=/reused")
	f.db.Create(&database.Instance{PID: 1, Command: binaryPath + " --dir=/live", BinaryID: f.binary.ID})
	f.db.Create(&database.Instance{PID: 2, Command: binaryPath + " --dir=/gone", BinaryID: f.binary.ID})
	f.db.Create(&database.Instance{PID: 3, Command: binaryPath + " --dir=/dead", BinaryID: f.binary.ID})

	removed, err := f.sup.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	instances, _ := f.sup.List(context.Background())
	if len(instances) != 1 || instances[0].PID != 1 {
		t.Errorf("remaining = %+v", instances)
	}
}

func TestInstanceForProfile(t *testing.T) {
	f := setup(t)
	f.profile(t, "main", "--rpc-listen-port", "6800")
	ctx := context.Background()

	if _, err := f.sup.InstanceForProfile(ctx, "main"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	inst, err := f.sup.CreateFromProfile(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.sup.InstanceForProfile(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != inst.PID {
		t.Errorf("PID = %d, want %d", got.PID, inst.PID)
	}
}
