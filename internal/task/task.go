// Package task tracks the shim's view of containerd tasks and their exec
// processes. No OS process backs a task; pids are synthetic handles minted
// by the shim, and the real lifecycle lives in the task's sandbox session.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"microshim/internal/engine"
	"microshim/internal/iorelay"
	"microshim/internal/sandbox"
	"microshim/internal/supervise"
	appErr "microshim/pkg/errors"
)

// State is a task or exec lifecycle stage. Transitions are forward-only.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// pidCounter mints synthetic pids, process-wide. The range starts high
// enough not to collide with real host pids a caller might compare against.
var pidCounter uint32 = 4096

// NextPid allocates a synthetic pid.
func NextPid() uint32 {
	return atomic.AddUint32(&pidCounter, 1)
}

// Exec is one auxiliary invocation into a task's running guest.
type Exec struct {
	ID      string
	Pid     uint32
	Streams iorelay.Streams
	Inv     engine.Invocation

	state State
	cell  *supervise.ExitCell
}

// Task is one containerd task and its sandbox.
type Task struct {
	ID        string
	Bundle    string
	Namespace string
	Pid       uint32
	Streams   iorelay.Streams
	Payload   *engine.GuestPayload
	Session   *sandbox.Session

	// mu serializes lifecycle mutations for this id only. The registry
	// lock is never held across a lifecycle operation.
	mu    sync.Mutex
	state State
	cell  *supervise.ExitCell
	execs map[string]*Exec
}

// New builds a task in the created state with a fresh synthetic pid. The
// exit cell exists from creation so Wait can be called before Start.
func New(id, bundle, namespace string) *Task {
	return &Task{
		ID:        id,
		Bundle:    bundle,
		Namespace: namespace,
		Pid:       NextPid(),
		state:     StateCreated,
		cell:      supervise.NewExitCell(),
		execs:     make(map[string]*Exec),
	}
}

// Lock serializes lifecycle mutations on this task.
func (t *Task) Lock() { t.mu.Lock() }

// Unlock releases the lifecycle lock.
func (t *Task) Unlock() { t.mu.Unlock() }

// State returns the current stage. Callers holding the lifecycle lock see
// a stable value; others a snapshot.
func (t *Task) State() State {
	return State(atomic.LoadInt32((*int32)(&t.state)))
}

// SetState advances the lifecycle. Moving backwards is refused.
func (t *Task) SetState(s State) error {
	cur := t.State()
	if s < cur {
		return appErr.Newf(appErr.InvalidTransition, "task %s cannot move %s -> %s", t.ID, cur, s)
	}
	atomic.StoreInt32((*int32)(&t.state), int32(s))
	return nil
}

// Cell returns the init invocation's exit cell.
func (t *Task) Cell() *supervise.ExitCell { return t.cell }

// ExitStatus reports the init exit tuple once it is set.
func (t *Task) ExitStatus() (code uint32, exitedAt time.Time, ok bool) {
	st, done := t.cell.TryWait()
	if !done {
		return 0, time.Time{}, false
	}
	return st.Code, st.ExitedAt, true
}

// AddExec registers an exec process. Duplicate ids are refused.
func (t *Task) AddExec(e *Exec) error {
	if _, ok := t.execs[e.ID]; ok {
		return appErr.Newf(appErr.AlreadyExists, "exec %s already exists in task %s", e.ID, t.ID)
	}
	if e.Pid == 0 {
		e.Pid = NextPid()
	}
	if e.cell == nil {
		e.cell = supervise.NewExitCell()
	}
	e.state = StateCreated
	t.execs[e.ID] = e
	return nil
}

// GetExec looks up an exec by id.
func (t *Task) GetExec(id string) (*Exec, error) {
	e, ok := t.execs[id]
	if !ok {
		return nil, appErr.Newf(appErr.ExecNotFound, "exec %s not found in task %s", id, t.ID)
	}
	return e, nil
}

// RemoveExec drops an exec record.
func (t *Task) RemoveExec(id string) {
	delete(t.execs, id)
}

// Execs snapshots the registered exec processes.
func (t *Task) Execs() []*Exec {
	out := make([]*Exec, 0, len(t.execs))
	for _, e := range t.execs {
		out = append(out, e)
	}
	return out
}

// State returns the exec's current stage.
func (e *Exec) State() State { return e.state }

// SetState advances the exec lifecycle, forward-only.
func (e *Exec) SetState(s State) error {
	if s < e.state {
		return appErr.Newf(appErr.InvalidTransition, "exec %s cannot move %s -> %s", e.ID, e.state, s)
	}
	e.state = s
	return nil
}

// Cell returns the exec's exit cell.
func (e *Exec) Cell() *supervise.ExitCell { return e.cell }

// ExitStatus reports the exec's exit tuple once set.
func (e *Exec) ExitStatus() (code uint32, exitedAt time.Time, ok bool) {
	st, done := e.cell.TryWait()
	if !done {
		return 0, time.Time{}, false
	}
	return st.Code, st.ExitedAt, true
}
