package oci

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	appErr "microshim/pkg/errors"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("hook tests need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrestartHookReceivesState(t *testing.T) {
	out := filepath.Join(t.TempDir(), "state.json")
	script := writeScript(t, "cat > "+out+"\n")

	spec := &specs.Spec{Hooks: &specs.Hooks{Prestart: []specs.Hook{{Path: script}}}}
	err := RunPrestartHooks(context.Background(), spec, State{ID: "t1", Pid: 42, Bundle: "/run/bundle"})
	if err != nil {
		t.Fatalf("hook run failed: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	for _, frag := range []string{`"pid":42`, `"id":"t1"`, `"status":"created"`, `"bundle":"/run/bundle"`} {
		if !strings.Contains(got, frag) {
			t.Fatalf("state %s missing %s", got, frag)
		}
	}
}

func TestPrestartHookEnvAndArgs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	script := writeScript(t, `echo "$1 $HOOK_MODE" > `+out+"\n")

	spec := &specs.Spec{Hooks: &specs.Hooks{Prestart: []specs.Hook{{
		Path: script,
		Args: []string{"hook.sh", "first-arg"},
		Env:  []string{"HOOK_MODE=verify"},
	}}}}
	if err := RunPrestartHooks(context.Background(), spec, State{ID: "t1", Pid: 1}); err != nil {
		t.Fatalf("hook run failed: %v", err)
	}
	raw, _ := os.ReadFile(out)
	if strings.TrimSpace(string(raw)) != "first-arg verify" {
		t.Fatalf("hook saw %q", raw)
	}
}

func TestPrestartHookToleratesEarlyExit(t *testing.T) {
	// The hook never reads stdin; the state write hits a closed pipe.
	script := writeScript(t, "exec 0<&-\nexit 0\n")

	spec := &specs.Spec{Hooks: &specs.Hooks{Prestart: []specs.Hook{{Path: script}}}}
	if err := RunPrestartHooks(context.Background(), spec, State{ID: "t1", Pid: 1}); err != nil {
		t.Fatalf("early-exit hook should not fail the sequence: %v", err)
	}
}

func TestPrestartHookFailureAborts(t *testing.T) {
	bad := writeScript(t, "exit 3\n")
	sentinel := filepath.Join(t.TempDir(), "ran")
	later := writeScript(t, "touch "+sentinel+"\n")

	spec := &specs.Spec{Hooks: &specs.Hooks{Prestart: []specs.Hook{
		{Path: bad},
		{Path: later},
	}}}
	err := RunPrestartHooks(context.Background(), spec, State{ID: "t1", Pid: 1})
	if err == nil {
		t.Fatal("expected failure from non-zero hook")
	}
	if _, statErr := os.Stat(sentinel); statErr == nil {
		t.Fatal("later hook ran after an earlier failure")
	}
}

func TestPrestartHookTimeout(t *testing.T) {
	one := 1
	script := writeScript(t, "sleep 5\n")

	spec := &specs.Spec{Hooks: &specs.Hooks{Prestart: []specs.Hook{{
		Path:    script,
		Timeout: &one,
	}}}}
	err := RunPrestartHooks(context.Background(), spec, State{ID: "t1", Pid: 1})
	if appErr.GetCode(err) != appErr.Timeout {
		t.Fatalf("code = %d, want Timeout: %v", appErr.GetCode(err), err)
	}
}

func TestNoHooksIsNoOp(t *testing.T) {
	if err := RunPrestartHooks(context.Background(), &specs.Spec{}, State{}); err != nil {
		t.Fatalf("no-hook spec failed: %v", err)
	}
}
