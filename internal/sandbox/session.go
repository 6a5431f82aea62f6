// Package sandbox owns the lifetime of one micro-VM per task: boot, guest
// invocations, kill escalation, and teardown. All engine interaction goes
// through the injected engine capability so the state machine is fully
// testable without a hypervisor.
package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"microshim/internal/engine"
	"microshim/internal/iorelay"
	"microshim/internal/supervise"
	appErr "microshim/pkg/errors"
	"microshim/pkg/logger"
)

// DefaultKillGrace bounds how long a graceful kill may go unanswered before
// the sandbox is torn down underneath the guest.
const DefaultKillGrace = 5 * time.Second

type state int

const (
	stateNew state = iota
	stateBooted
	stateRunning
	stateClosed
)

// Config tunes session behavior.
type Config struct {
	// KillGrace is the window between a graceful kill request and forced
	// teardown. Zero means DefaultKillGrace; negative means no grace.
	KillGrace time.Duration
	// IOBufferSize is handed to the relay. Zero means the relay default.
	IOBufferSize int
}

func (c Config) killGrace() time.Duration {
	if c.KillGrace == 0 {
		return DefaultKillGrace
	}
	if c.KillGrace < 0 {
		return 0
	}
	return c.KillGrace
}

// Session is the sandbox for one task. It holds at most one main invocation
// (the guest's entry, exec id "") and at most one auxiliary invocation at a
// time; a second concurrent exec is refused with Busy.
type Session struct {
	id      string
	eng     engine.Engine
	payload *engine.GuestPayload
	cfg     Config

	mu    sync.Mutex
	state state
	vm    engine.VM
	runs  map[string]*run
}

type run struct {
	execID string
	relay  *iorelay.Relay
	cell   *supervise.ExitCell
}

// NewSession builds an unbooted session. The payload is shared by reference
// across all invocations and must not be mutated.
func NewSession(id string, payload *engine.GuestPayload, eng engine.Engine, cfg Config) *Session {
	return &Session{
		id:      id,
		eng:     eng,
		payload: payload,
		cfg:     cfg,
		runs:    make(map[string]*run),
	}
}

// Boot brings up the sandbox. A failed boot leaves the session closed and
// nothing allocated; the engine contract guarantees Boot itself leaks
// nothing on error.
func (s *Session) Boot(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return appErr.New(appErr.InvalidTransition).WithMessage("session already booted")
	}
	s.mu.Unlock()

	vm, err := s.eng.Boot(ctx, engine.BootOpts{SessionID: s.id, Payload: s.payload})
	if err != nil {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		return appErr.Wrapf(err, appErr.BootFailure, "sandbox boot for %s failed", s.id)
	}

	s.mu.Lock()
	if s.state == stateClosed {
		// Torn down while booting. Release what the engine gave us.
		s.mu.Unlock()
		_ = vm.Teardown(ctx)
		return appErr.New(appErr.SessionClosed).WithMessage("session torn down during boot")
	}
	s.vm = vm
	s.state = stateBooted
	s.mu.Unlock()

	logger.Info(ctx, "sandbox booted", zap.String("session_id", s.id))
	return nil
}

// Invoke starts one guest invocation asynchronously; its terminal status
// is delivered through cell. The empty exec id starts the guest main and
// moves the session to running; auxiliary invocations require a running
// main and at most one may be active at a time. On error the cell is left
// unset and the session state is unchanged.
func (s *Session) Invoke(ctx context.Context, inv engine.Invocation, streams iorelay.Streams, cell *supervise.ExitCell) error {
	s.mu.Lock()
	vm := s.vm
	switch {
	case s.state == stateClosed:
		s.mu.Unlock()
		return appErr.New(appErr.SessionClosed).WithMessage("session is closed")
	case inv.ExecID == "" && s.state != stateBooted:
		s.mu.Unlock()
		return appErr.New(appErr.InvalidTransition).WithMessage("guest main already started")
	case inv.ExecID != "" && s.state != stateRunning:
		s.mu.Unlock()
		return appErr.New(appErr.TaskNotRunning).WithMessage("guest main is not running")
	case inv.ExecID != "" && s.activeExecLocked() != nil:
		s.mu.Unlock()
		return appErr.New(appErr.Busy).WithMessage("another invocation is still in flight")
	}
	// Reserve the slot before releasing the lock so concurrent invokes
	// cannot both pass the checks.
	r := &run{execID: inv.ExecID, cell: cell}
	s.runs[inv.ExecID] = r
	if inv.ExecID == "" {
		s.state = stateRunning
	}
	s.mu.Unlock()

	handle, err := vm.Start(ctx, inv)
	if err != nil {
		s.abortRun(inv.ExecID)
		return appErr.Wrapf(err, appErr.EngineError, "start invocation %q failed", inv.ExecID)
	}

	relay, err := iorelay.Attach(ctx, streams, iorelay.Endpoints{
		Stdin:  handle.Stdin,
		Stdout: handle.Stdout,
		Stderr: handle.Stderr,
	}, iorelay.Config{BufferSize: s.cfg.IOBufferSize})
	if err != nil {
		_ = vm.Kill(ctx, inv.ExecID, true)
		s.abortRun(inv.ExecID)
		return err
	}

	s.mu.Lock()
	r.relay = relay
	s.mu.Unlock()

	go s.monitor(r, handle)
	return nil
}

// monitor waits for the engine exit, drains I/O, and publishes the terminal
// status exactly once. The main invocation's exit tears the session down.
func (s *Session) monitor(r *run, handle *engine.Handle) {
	defer r.cell.Guard(supervise.Sentinel)()

	ev := <-handle.Done

	// Output must be fully flushed before the exit becomes observable.
	r.relay.Wait()
	if err := r.relay.Err(); err != nil {
		r.cell.SetIOErr(err)
	}
	r.relay.Close()

	st := supervise.Normalize(ev)
	r.cell.Set(st)

	s.mu.Lock()
	delete(s.runs, r.execID)
	s.mu.Unlock()

	ctx := context.Background()
	logger.Info(ctx, "invocation exited",
		zap.String("session_id", s.id),
		zap.String("exec_id", r.execID),
		zap.Uint32("exit_code", st.Code),
		zap.Bool("crashed", ev.Crashed))

	if r.execID == "" || ev.Crashed {
		// Guest main gone (or the engine died): nothing left to serve.
		_ = s.Teardown(ctx)
	}
}

// Signal requests termination of one invocation. Absent or already-exited
// invocations are a no-op success so repeated kills stay idempotent. A
// graceful request escalates to forced teardown when the grace period
// passes without an exit.
func (s *Session) Signal(ctx context.Context, execID string, force bool) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	r, ok := s.runs[execID]
	vm := s.vm
	s.mu.Unlock()
	if !ok || vm == nil {
		return nil
	}
	if _, done := r.cell.TryWait(); done {
		return nil
	}

	if err := vm.Kill(ctx, execID, force); err != nil {
		return appErr.Wrapf(err, appErr.EngineError, "kill %q failed", execID)
	}
	if force {
		return nil
	}

	grace := s.cfg.killGrace()
	go func() {
		exited := supervise.AfterGrace(grace, r.cell.Done(), func() {
			logger.Warn(context.Background(), "kill grace expired, tearing sandbox down",
				zap.String("session_id", s.id),
				zap.String("exec_id", execID),
				zap.Duration("grace", grace))
			_ = s.Teardown(context.Background())
		})
		_ = exited
	}()
	return nil
}

// Teardown releases the sandbox. Idempotent and legal in every state,
// including mid-boot; outstanding invocations are force-completed by the
// engine and their monitors publish the sentinel status.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	vm := s.vm
	s.vm = nil
	s.mu.Unlock()

	if vm == nil {
		return nil
	}
	if err := vm.Teardown(ctx); err != nil {
		return appErr.Wrapf(err, appErr.TeardownFailed, "teardown of %s failed", s.id)
	}
	logger.Info(ctx, "sandbox torn down", zap.String("session_id", s.id))
	return nil
}

// CloseStdin delivers EOF to one invocation's guest stdin. Unknown or
// finished invocations are a no-op.
func (s *Session) CloseStdin(execID string) {
	s.mu.Lock()
	var relay *iorelay.Relay
	if r := s.runs[execID]; r != nil {
		relay = r.relay
	}
	s.mu.Unlock()
	if relay != nil {
		relay.CloseStdin()
	}
}

// Running reports whether the guest main has started and not yet exited.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning && s.runs[""] != nil
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *Session) activeExecLocked() *run {
	for id, r := range s.runs {
		if id != "" {
			return r
		}
	}
	return nil
}

// abortRun rolls back a failed Start. The cell stays unset so the caller
// can retry the invocation.
func (s *Session) abortRun(execID string) {
	s.mu.Lock()
	delete(s.runs, execID)
	if execID == "" && s.state == stateRunning {
		s.state = stateBooted
	}
	s.mu.Unlock()
}
