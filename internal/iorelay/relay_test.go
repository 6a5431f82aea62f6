package iorelay

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	appErr "microshim/pkg/errors"
)

type guestPipes struct {
	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
	eps     Endpoints
}

func newGuestPipes() *guestPipes {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &guestPipes{
		stdinR:  inR,
		stdoutW: outW,
		stderrW: errW,
		eps: Endpoints{
			Stdin:  inW,
			Stdout: outR,
			Stderr: errR,
		},
	}
}

func (g *guestPipes) exit() {
	g.stdoutW.Close()
	g.stderrW.Close()
}

func TestRelayDrainsOutputBeforeWaitReturns(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "stdout")
	errPath := filepath.Join(dir, "stderr")

	g := newGuestPipes()
	r, err := Attach(context.Background(), Streams{Stdout: outPath, Stderr: errPath}, g.eps, Config{})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer r.Close()

	go func() {
		g.stdoutW.Write([]byte("hello from guest\n"))
		g.stderrW.Write([]byte("warning line\n"))
		g.exit()
	}()

	r.Wait()

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read stdout file: %v", err)
	}
	if string(out) != "hello from guest\n" {
		t.Fatalf("stdout = %q, want %q", out, "hello from guest\n")
	}
	errOut, err := os.ReadFile(errPath)
	if err != nil {
		t.Fatalf("read stderr file: %v", err)
	}
	if string(errOut) != "warning line\n" {
		t.Fatalf("stderr = %q, want %q", errOut, "warning line\n")
	}
	if r.Err() != nil {
		t.Fatalf("unexpected relay error: %v", r.Err())
	}
}

func TestRelayPropagatesStdinEOF(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "stdin")
	if err := os.WriteFile(inPath, []byte("input payload"), 0644); err != nil {
		t.Fatal(err)
	}

	g := newGuestPipes()
	r, err := Attach(context.Background(), Streams{Stdin: inPath}, g.eps, Config{})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(g.stdinR)
	if err != nil {
		t.Fatalf("guest stdin read: %v", err)
	}
	if string(got) != "input payload" {
		t.Fatalf("guest stdin = %q, want %q", got, "input payload")
	}
	g.exit()
	r.Wait()
}

func TestRelayNoStdinSourceDeliversImmediateEOF(t *testing.T) {
	g := newGuestPipes()
	r, err := Attach(context.Background(), Streams{}, g.eps, Config{})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer r.Close()

	done := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(g.stdinR)
		done <- b
	}()
	select {
	case b := <-done:
		if len(b) != 0 {
			t.Fatalf("expected empty stdin, got %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("guest stdin never saw EOF")
	}
	g.exit()
	r.Wait()
}

func TestRelaySinkFaultIsNonFatalAndKeepsDraining(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "stdout")

	g := newGuestPipes()
	r, err := Attach(context.Background(), Streams{Stdout: outPath}, g.eps, Config{})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	defer r.Close()

	// Write once, then break the sink out from under the relay.
	g.stdoutW.Write([]byte("first"))
	// Let the first write land before closing the sink.
	waitForFileContent(t, outPath, "first")
	r.stdoutSink.Close()

	// The guest keeps writing; the relay must keep draining without
	// blocking and record the fault instead of failing.
	for i := 0; i < 100; i++ {
		if _, err := g.stdoutW.Write([]byte("more data after sink death\n")); err != nil {
			t.Fatalf("guest write blocked or failed: %v", err)
		}
	}
	g.exit()
	r.Wait()

	if r.Err() == nil {
		t.Fatal("expected a recorded sink error")
	}
	if appErr.GetCode(r.Err()) != appErr.IoError {
		t.Fatalf("error code = %d, want %d", appErr.GetCode(r.Err()), appErr.IoError)
	}
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	g := newGuestPipes()
	r, err := Attach(context.Background(), Streams{}, g.eps, Config{})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	g.exit()
	r.Close()
	r.Close()
	r.CloseStdin()
}

func waitForFileContent(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil && string(b) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s never reached content %q", path, want)
}
