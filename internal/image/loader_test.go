package image

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"microshim/internal/engine"
	appErr "microshim/pkg/errors"
)

type fakeStore struct {
	layers []Layer
	err    error

	gotContainer string
	gotPrefix    string
}

func (f *fakeStore) GuestLayers(ctx context.Context, containerID, mediaTypePrefix string) ([]Layer, error) {
	f.gotContainer = containerID
	f.gotPrefix = mediaTypePrefix
	return f.layers, f.err
}

func writeBundle(t *testing.T, spec *specs.Spec) string {
	t.Helper()
	dir := t.TempDir()
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeRootfsBinary(t *testing.T, bundle, name string, data []byte) {
	t.Helper()
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(filepath.Join(rootfs, filepath.Dir(name)), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, name), data, 0755); err != nil {
		t.Fatal(err)
	}
}

var elfBinary = append([]byte("\x7fELF"), bytes.Repeat([]byte{0}, 16)...)

func baseSpec(args ...string) *specs.Spec {
	return &specs.Spec{
		Process: &specs.Process{
			Args: args,
			Env:  []string{"MODE=guest"},
		},
		Root: &specs.Root{Path: "rootfs"},
	}
}

func TestResolveFromRootfs(t *testing.T) {
	bundle := writeBundle(t, baseSpec("/app/guest", "serve"))
	writeRootfsBinary(t, bundle, "app/guest", elfBinary)

	l := NewLoader(nil, Config{})
	p, err := l.Resolve(context.Background(), bundle, "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if p.Path == "" || p.Data != nil {
		t.Fatalf("expected on-disk payload, got Path=%q Data=%d bytes", p.Path, len(p.Data))
	}
	if p.Format != engine.FormatELF {
		t.Fatalf("format = %q, want elf", p.Format)
	}
	if p.Entrypoint != "/app/guest" {
		t.Fatalf("entrypoint = %q", p.Entrypoint)
	}
	if len(p.Args) != 1 || p.Args[0] != "serve" {
		t.Fatalf("args = %v", p.Args)
	}
	if len(p.Env) != 1 || p.Env[0] != "MODE=guest" {
		t.Fatalf("env = %v", p.Env)
	}
}

func TestResolveAnnotationOverrides(t *testing.T) {
	spec := baseSpec("/app/guest")
	spec.Annotations = map[string]string{
		AnnotationEntrypoint: "custom_main",
		AnnotationArgs:       `--level 3 "two words"`,
	}
	bundle := writeBundle(t, spec)
	writeRootfsBinary(t, bundle, "custom_main", elfBinary)

	l := NewLoader(nil, Config{})
	p, err := l.Resolve(context.Background(), bundle, "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if p.Entrypoint != "custom_main" {
		t.Fatalf("entrypoint = %q, want custom_main", p.Entrypoint)
	}
	want := []string{"--level", "3", "two words"}
	if len(p.Args) != len(want) {
		t.Fatalf("args = %v, want %v", p.Args, want)
	}
	for i := range want {
		if p.Args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, p.Args[i], want[i])
		}
	}
}

func TestResolvePrefersGuestLayer(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(elfBinary)
	zw.Close()

	store := &fakeStore{layers: []Layer{{
		MediaType: GuestMediaType + "+gzip",
		Digest:    "sha256:abc",
		Data:      buf.Bytes(),
	}}}
	bundle := writeBundle(t, baseSpec("/app/guest"))

	l := NewLoader(store, Config{})
	p, err := l.Resolve(context.Background(), bundle, "task-1")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if store.gotContainer != "task-1" || store.gotPrefix != GuestMediaType {
		t.Fatalf("store queried with (%q, %q)", store.gotContainer, store.gotPrefix)
	}
	if !bytes.Equal(p.Data, elfBinary) {
		t.Fatal("layer was not decompressed to the original binary")
	}
	if p.Digest != "sha256:abc" || p.Format != engine.FormatELF {
		t.Fatalf("digest=%q format=%q", p.Digest, p.Format)
	}
	if p.Path != "" {
		t.Fatalf("rootfs fallback should not have run, got path %q", p.Path)
	}
}

func TestResolveRejectsMultipleGuestLayers(t *testing.T) {
	store := &fakeStore{layers: []Layer{
		{MediaType: GuestMediaType, Data: elfBinary},
		{MediaType: GuestMediaType, Data: elfBinary},
	}}
	bundle := writeBundle(t, baseSpec("/app/guest"))

	_, err := NewLoader(store, Config{}).Resolve(context.Background(), bundle, "task-1")
	if appErr.GetCode(err) != appErr.MultipleLayers {
		t.Fatalf("code = %d, want MultipleLayers: %v", appErr.GetCode(err), err)
	}
}

func TestResolveRejectsUnknownFormat(t *testing.T) {
	bundle := writeBundle(t, baseSpec("/app/guest"))
	writeRootfsBinary(t, bundle, "app/guest", []byte("#!/bin/sh\necho hi\n"))

	_, err := NewLoader(nil, Config{}).Resolve(context.Background(), bundle, "")
	if appErr.GetCode(err) != appErr.UnsupportedFormat {
		t.Fatalf("code = %d, want UnsupportedFormat: %v", appErr.GetCode(err), err)
	}
}

func TestResolveDetectsPE(t *testing.T) {
	bundle := writeBundle(t, baseSpec("/app/guest.exe"))
	writeRootfsBinary(t, bundle, "app/guest.exe", append([]byte("MZ"), bytes.Repeat([]byte{0}, 16)...))

	p, err := NewLoader(nil, Config{}).Resolve(context.Background(), bundle, "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if p.Format != engine.FormatPE {
		t.Fatalf("format = %q, want pe", p.Format)
	}
}

func TestResolveMissingBundle(t *testing.T) {
	_, err := NewLoader(nil, Config{}).Resolve(context.Background(), "/nonexistent/bundle", "")
	if appErr.GetCode(err) != appErr.BundleNotFound {
		t.Fatalf("code = %d, want BundleNotFound: %v", appErr.GetCode(err), err)
	}
}

func TestResolveMissingBinary(t *testing.T) {
	bundle := writeBundle(t, baseSpec("/app/guest"))

	_, err := NewLoader(nil, Config{}).Resolve(context.Background(), bundle, "")
	if appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("code = %d, want NotFound: %v", appErr.GetCode(err), err)
	}
}

func TestResolveRejectsPathEscape(t *testing.T) {
	bundle := writeBundle(t, baseSpec("../../etc/passwd"))

	_, err := NewLoader(nil, Config{}).Resolve(context.Background(), bundle, "")
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("code = %d, want InvalidParams: %v", appErr.GetCode(err), err)
	}
}

func TestResolveEnforcesSizeLimit(t *testing.T) {
	bundle := writeBundle(t, baseSpec("/app/guest"))
	writeRootfsBinary(t, bundle, "app/guest", elfBinary)

	_, err := NewLoader(nil, Config{MaxGuestSize: 4}).Resolve(context.Background(), bundle, "")
	if appErr.GetCode(err) != appErr.GuestTooLarge {
		t.Fatalf("code = %d, want GuestTooLarge: %v", appErr.GetCode(err), err)
	}
}
