package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/aria2"
	"github.com/patent-dev/aria2-fleet/internal/database"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// setupCLI points the CLI at a fresh data directory holding one binary with
// a small argument catalog.
func setupCLI(t *testing.T) {
	t.Helper()
	t.Setenv("ARIA2_FLEET_DATA_DIR", t.TempDir())
	t.Setenv("ARIA2_FLEET_PASSPHRASE", "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	binary := &database.Binary{Path: "/usr/bin/aria2c"}
	if err := db.Create(binary).Error; err != nil {
		t.Fatal(err)
	}
	for i, flag := range []string{"--enable-rpc", "--rpc-listen-port", "--dir"} {
		arg := &database.Argument{BinaryID: binary.ID, LongFlag: flag, Description: flag, Position: i}
		if err := db.Create(arg).Error; err != nil {
			t.Fatal(err)
		}
	}
}

func TestParseOptions(t *testing.T) {
	got, err := parseOptions([]string{"dir=/tmp", "header=X-A: b=c"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"dir": "/tmp", "header": "X-A: b=c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseOptions() = %v, want %v", got, want)
	}

	if _, err := parseOptions([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
	if got, _ := parseOptions(nil); got != nil {
		t.Errorf("parseOptions(nil) = %v, want nil", got)
	}
}

func TestSplitFlagArgs(t *testing.T) {
	got, err := splitFlagArgs(`--dir="/srv/my files" --split=4 -V`)
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]string{{"--dir", "/srv/my files"}, {"--split", "4"}, {"-V", ""}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitFlagArgs() = %v, want %v", got, want)
	}

	if _, err := splitFlagArgs("dir=/tmp"); err == nil {
		t.Error("expected error for a word without a dash")
	}
	if _, err := splitFlagArgs(`--dir="unterminated`); err == nil {
		t.Error("expected error for unbalanced quotes")
	}
}

func TestRenderTablePlainWhenPiped(t *testing.T) {
	var buf bytes.Buffer
	out := renderTable(&buf, []string{"PID", "Command"}, [][]string{{"42", "/usr/bin/aria2c"}}, []columnAlignment{alignRight})
	if !strings.Contains(out, "+") || strings.Contains(out, "╭") {
		t.Errorf("expected ASCII table, got:\n%s", out)
	}
	if renderTable(&buf, nil, nil, nil) != "" {
		t.Error("expected empty output without headers")
	}
}

func TestProfileCommands(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "profiles", "create", "main", "--binary", "1", "--args=--enable-rpc=true --rpc-listen-port=6800")
	if err != nil {
		t.Fatalf("create: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Command: /usr/bin/aria2c --enable-rpc=true --rpc-listen-port=6800") {
		t.Errorf("unexpected create output:\n%s", out)
	}

	out, err = runCLI(t, "profiles", "bind", "main", "--", "--dir", "/srv/downloads")
	if err != nil {
		t.Fatalf("bind: %v\n%s", err, out)
	}
	if !strings.Contains(out, "--rpc-listen-port=6800 --dir=/srv/downloads") {
		t.Errorf("unexpected bind output:\n%s", out)
	}

	out, err = runCLI(t, "profiles", "unbind", "main", "--", "--enable-rpc")
	if err != nil {
		t.Fatalf("unbind: %v\n%s", err, out)
	}
	if strings.Contains(out, "--enable-rpc=true") {
		t.Errorf("binding still present:\n%s", out)
	}

	out, err = runCLI(t, "profiles", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "main") || !strings.Contains(out, "--rpc-listen-port=6800 --dir=/srv/downloads") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	if _, err := runCLI(t, "profiles", "bind", "main", "--", "--no-such-flag", "1"); err == nil {
		t.Error("expected error binding an unknown flag")
	}
}

func TestEmptyListings(t *testing.T) {
	setupCLI(t)

	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"instances", "list"}, "No instances"},
		{[]string{"tasks", "list"}, "No tasks"},
		{[]string{"webhooks", "list"}, "No webhooks"},
	} {
		out, err := runCLI(t, tc.args...)
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if !strings.Contains(out, tc.want) {
			t.Errorf("%v output = %q, want %q", tc.args, out, tc.want)
		}
	}

	out, err := runCLI(t, "binaries", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "/usr/bin/aria2c") {
		t.Errorf("binaries list = %q", out)
	}
}

func TestTaskNeedsInstance(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "tasks", "add-uri", "http://example.com/file.iso")
	if err == nil || !strings.Contains(err.Error(), "no default profile") {
		t.Errorf("expected missing instance error, got %v", err)
	}

	_, err = runCLI(t, "tasks", "add-uri", "--instance", "4242", "http://example.com/file.iso")
	if err == nil || !strings.Contains(err.Error(), "instance not found") {
		t.Errorf("expected instance not found, got %v", err)
	}
}

func TestWebhookCommands(t *testing.T) {
	setupCLI(t)

	if _, err := runCLI(t, "webhooks", "add", "ops", "http://localhost:9/hook", "--event", "instance.created"); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "webhooks", "add", "bad", "http://localhost:9/hook", "--event", "nope"); err == nil {
		t.Error("expected error for unknown event")
	}
	if _, err := runCLI(t, "webhooks", "disable", "1"); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "webhooks", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "instance.created") || !strings.Contains(out, "no") {
		t.Errorf("unexpected list output:\n%s", out)
	}
}

func TestPrintStatusShowsPercent(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	printStatus(cmd, &aria2.Status{GID: "2089b05ecca3d829", State: "active", TotalLength: 200, CompletedLength: 50})
	if !strings.Contains(out.String(), "25.0% (50 / 200 bytes)") {
		t.Errorf("unexpected status output:\n%s", out.String())
	}

	out.Reset()
	printStatus(cmd, &aria2.Status{GID: "2089b05ecca3d829", State: "waiting"})
	if !strings.Contains(out.String(), "unknown") {
		t.Errorf("expected unknown progress:\n%s", out.String())
	}
}
