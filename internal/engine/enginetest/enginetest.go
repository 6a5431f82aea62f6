// Package enginetest provides a deterministic in-memory sandbox engine for
// exercising the session and shim state machines without a hypervisor. Boot
// failures, guest exits, hangs, and engine crashes are all scripted.
package enginetest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"microshim/internal/engine"
)

// Config scripts the behavior of every VM the fake engine boots.
type Config struct {
	// BootErr fails Boot outright.
	BootErr error
	// StartErr fails Start.
	StartErr error
	// ExitCode is the exit code for invocations that complete on their own.
	ExitCode uint32
	// Stdout and Stderr are emitted by each invocation before it exits.
	Stdout []byte
	Stderr []byte
	// ExitDelay holds an invocation open before the scripted exit.
	ExitDelay time.Duration
	// ExitOnStdinEOF makes an invocation consume stdin and exit when it
	// sees EOF instead of exiting on its own.
	ExitOnStdinEOF bool
	// Hang keeps invocations running until killed or torn down.
	Hang bool
	// IgnoreGracefulKill drops non-forced Kill requests, simulating a
	// guest with no in-VM termination channel.
	IgnoreGracefulKill bool
}

// Engine is the scripted fake.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	booted []*VM
}

// New creates a fake engine whose VMs follow cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Boot implements engine.Engine.
func (e *Engine) Boot(ctx context.Context, opts engine.BootOpts) (engine.VM, error) {
	if e.cfg.BootErr != nil {
		return nil, e.cfg.BootErr
	}
	vm := &VM{cfg: e.cfg, opts: opts, invs: make(map[string]*invocation)}
	e.mu.Lock()
	e.booted = append(e.booted, vm)
	e.mu.Unlock()
	return vm, nil
}

// Booted returns every VM the engine has booted, in order.
func (e *Engine) Booted() []*VM {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*VM, len(e.booted))
	copy(out, e.booted)
	return out
}

// Live counts booted VMs that have not been torn down.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, vm := range e.booted {
		if vm.Teardowns() == 0 {
			n++
		}
	}
	return n
}

// VM is one scripted sandbox.
type VM struct {
	cfg  Config
	opts engine.BootOpts

	mu        sync.Mutex
	teardowns int
	kills     []KillRecord
	invs      map[string]*invocation
}

// KillRecord captures one Kill call.
type KillRecord struct {
	ExecID string
	Force  bool
}

type invocation struct {
	vm     *VM
	execID string

	exitOnce sync.Once
	exitCh   chan engine.Exit

	stdinData bytes.Buffer
	stdinR    *io.PipeReader
	stdoutW   *io.PipeWriter
	stderrW   *io.PipeWriter
	stop      chan struct{}
}

// Start implements engine.VM.
func (v *VM) Start(ctx context.Context, req engine.Invocation) (*engine.Handle, error) {
	if v.cfg.StartErr != nil {
		return nil, v.cfg.StartErr
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	inv := &invocation{
		vm:      v,
		execID:  req.ExecID,
		exitCh:  make(chan engine.Exit, 1),
		stdinR:  stdinR,
		stdoutW: stdoutW,
		stderrW: stderrW,
		stop:    make(chan struct{}),
	}

	v.mu.Lock()
	v.invs[req.ExecID] = inv
	v.mu.Unlock()

	go inv.run(v.cfg)

	return &engine.Handle{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		Done:   inv.exitCh,
	}, nil
}

func (inv *invocation) run(cfg Config) {
	if len(cfg.Stdout) > 0 {
		_, _ = inv.stdoutW.Write(cfg.Stdout)
	}
	if len(cfg.Stderr) > 0 {
		_, _ = inv.stderrW.Write(cfg.Stderr)
	}

	switch {
	case cfg.ExitOnStdinEOF:
		_, _ = io.Copy(&stdinRecorder{inv: inv}, inv.stdinR)
		inv.exit(engine.Exit{Code: cfg.ExitCode, At: time.Now()})
	case cfg.Hang:
		<-inv.stop
	default:
		if cfg.ExitDelay > 0 {
			select {
			case <-time.After(cfg.ExitDelay):
			case <-inv.stop:
				return
			}
		}
		inv.exit(engine.Exit{Code: cfg.ExitCode, At: time.Now()})
	}
}

// exit fires the exit notification exactly once, closing the guest's output
// streams first so readers observe EOF before the exit event.
func (inv *invocation) exit(ev engine.Exit) {
	inv.exitOnce.Do(func() {
		_ = inv.stdoutW.Close()
		_ = inv.stderrW.Close()
		_ = inv.stdinR.Close()
		select {
		case <-inv.stop:
		default:
			close(inv.stop)
		}
		inv.exitCh <- ev
		close(inv.exitCh)
	})
}

// Crash simulates an engine-level failure: every outstanding invocation is
// completed with a crash report.
func (v *VM) Crash(err error) {
	for _, inv := range v.snapshot() {
		inv.exit(engine.Exit{Crashed: true, Err: err, At: time.Now()})
	}
}

// CompleteExec finishes the named invocation with the given code, as if the
// guest returned from the call.
func (v *VM) CompleteExec(execID string, code uint32) {
	v.mu.Lock()
	inv := v.invs[execID]
	v.mu.Unlock()
	if inv != nil {
		inv.exit(engine.Exit{Code: code, At: time.Now()})
	}
}

// Kill implements engine.VM.
func (v *VM) Kill(ctx context.Context, execID string, force bool) error {
	v.mu.Lock()
	v.kills = append(v.kills, KillRecord{ExecID: execID, Force: force})
	inv := v.invs[execID]
	ignore := v.cfg.IgnoreGracefulKill && !force
	v.mu.Unlock()
	if inv == nil || ignore {
		return nil
	}
	inv.exit(engine.Exit{Code: 128 + 15, Signal: 15, At: time.Now()})
	return nil
}

// Teardown implements engine.VM. Idempotent; outstanding invocations are
// force-completed with the kill encoding.
func (v *VM) Teardown(ctx context.Context) error {
	v.mu.Lock()
	v.teardowns++
	first := v.teardowns == 1
	v.mu.Unlock()
	if first {
		for _, inv := range v.snapshot() {
			inv.exit(engine.Exit{Code: 137, Signal: 9, At: time.Now()})
		}
	}
	return nil
}

func (v *VM) snapshot() []*invocation {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*invocation, 0, len(v.invs))
	for _, inv := range v.invs {
		out = append(out, inv)
	}
	return out
}

// Teardowns reports how many times Teardown was called.
func (v *VM) Teardowns() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.teardowns
}

// Kills returns every Kill call, in order.
func (v *VM) Kills() []KillRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]KillRecord, len(v.kills))
	copy(out, v.kills)
	return out
}

// StdinData returns everything the named invocation consumed from stdin.
func (v *VM) StdinData(execID string) []byte {
	v.mu.Lock()
	inv := v.invs[execID]
	v.mu.Unlock()
	if inv == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), inv.stdinData.Bytes()...)
}

// Payload returns the payload the VM was booted with.
func (v *VM) Payload() *engine.GuestPayload {
	return v.opts.Payload
}

type stdinRecorder struct {
	inv *invocation
}

func (w *stdinRecorder) Write(p []byte) (int, error) {
	w.inv.vm.mu.Lock()
	defer w.inv.vm.mu.Unlock()
	return w.inv.stdinData.Write(p)
}
