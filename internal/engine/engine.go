// Package engine defines the capability surface of the micro-VM sandboxing
// engine. The core never talks to a hypervisor directly; it boots sandboxes,
// starts guest invocations, and receives exit notifications exclusively
// through this interface.
package engine

import (
	"context"
	"io"
	"time"
)

// GuestFormat identifies the executable format of a guest binary.
type GuestFormat string

const (
	FormatELF GuestFormat = "elf"
	FormatPE  GuestFormat = "pe"
)

// GuestPayload is the immutable descriptor of the binary and invocation
// parameters extracted from an OCI bundle. It is shared by reference across
// repeated invocations within one session and must not be mutated after
// resolution.
type GuestPayload struct {
	// Data holds the guest binary when it was read from an image layer.
	// Empty if the binary lives on disk instead.
	Data []byte
	// Path is the on-disk location of the guest binary when Data is empty.
	Path string
	// Format is the validated executable format.
	Format GuestFormat
	// MediaType is the OCI media type the binary was resolved from, or
	// empty when it came from the bundle rootfs.
	MediaType string
	// Digest is the content digest of the source layer, if any.
	Digest string
	// Entrypoint is the guest function to invoke.
	Entrypoint string
	// Args are the invocation arguments passed to the entry point.
	Args []string
	// Env is the KEY=VALUE environment for the invocation.
	Env []string
}

// Invocation describes one guest execution request within a booted sandbox.
type Invocation struct {
	// ExecID distinguishes invocations within a session. The task's main
	// invocation uses the empty exec id; auxiliary invocations into the
	// running guest carry the exec id assigned by the caller.
	ExecID string
	// Entrypoint overrides the payload entry point when non-empty.
	Entrypoint string
	// Args override the payload args when non-nil.
	Args []string
	// Env extends the payload environment.
	Env []string
}

// Exit is the engine-level termination report for one invocation.
type Exit struct {
	// Code is the guest exit code. Meaningless when Crashed is set.
	Code uint32
	// Signal is the terminating signal, 0 if none.
	Signal uint32
	// Crashed reports an engine-level failure: the sandbox died without
	// delivering a guest result.
	Crashed bool
	// Err carries the engine error that accompanied a crash.
	Err error
	// At is when the engine observed termination.
	At time.Time
}

// Handle exposes the host side of one running invocation: the guest's
// stream endpoints and its completion notification. Done delivers exactly
// one Exit and is then closed.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Done   <-chan Exit
}

// VM is one booted sandbox instance. Implementations own all sandbox
// resources; Teardown must be idempotent and safe to call mid-invocation.
type VM interface {
	// Start begins asynchronous execution of one invocation. The empty
	// exec id starts the payload main; a non-empty exec id invokes an
	// entry point in the already-running guest. How many auxiliary
	// invocations may run concurrently is session policy; the engine only
	// promises that each Start gets its own streams and exit notification.
	Start(ctx context.Context, inv Invocation) (*Handle, error)

	// Kill requests termination of the invocation identified by execID
	// (empty = main). With force set the engine may destroy the sandbox
	// to stop the guest; without it the engine delivers whatever graceful
	// termination it supports, which for an opaque guest may be nothing.
	Kill(ctx context.Context, execID string, force bool) error

	// Teardown releases all sandbox resources and force-completes every
	// outstanding invocation (their Done channels fire). Safe to call
	// repeatedly and at any point after Boot returned, including after a
	// failed or interrupted boot.
	Teardown(ctx context.Context) error
}

// BootOpts carries everything an engine needs to bring up one sandbox.
type BootOpts struct {
	SessionID string
	Payload   *GuestPayload
}

// Engine boots micro-VM sandboxes. Implementations must clean up after
// themselves when Boot fails; a failed Boot never leaks resources.
type Engine interface {
	Boot(ctx context.Context, opts BootOpts) (VM, error)
}
