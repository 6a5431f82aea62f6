// Package shim adapts the containerd task API to micro-VM backed tasks.
// Every containerd task maps to one sandbox session; task processes are
// guest invocations, not host processes, so pids are synthetic and signals
// translate into engine kill and teardown requests.
package shim

import (
	"context"
	"encoding/json"
	"os"

	eventsapi "github.com/containerd/containerd/api/events"
	apitask "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/runtime"
	"github.com/containerd/containerd/runtime/v2/shim"
	taskAPI "github.com/containerd/containerd/runtime/v2/task"
	ptypes "github.com/gogo/protobuf/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"

	"microshim/internal/engine"
	"microshim/internal/image"
	"microshim/internal/iorelay"
	"microshim/internal/oci"
	"microshim/internal/sandbox"
	"microshim/internal/supervise"
	"microshim/internal/task"
	appErr "microshim/pkg/errors"
	"microshim/pkg/logger"
)

var empty = &ptypes.Empty{}

// Options wires the service's collaborators.
type Options struct {
	Engine  engine.Engine
	Loader  *image.Loader
	Sandbox sandbox.Config
}

type service struct {
	id        string
	namespace string
	shutdown  func()
	events    *eventSink
	registry  *task.Registry
	eng       engine.Engine
	loader    *image.Loader
	sboxCfg   sandbox.Config
}

// New builds the task service for one shim process.
func New(ctx context.Context, id string, publisher shim.Publisher, shutdown func(), opts Options) (shim.Shim, error) {
	ns, _ := namespaces.Namespace(ctx)
	return &service{
		id:        id,
		namespace: ns,
		shutdown:  shutdown,
		events:    newEventSink(publisher, ns),
		registry:  task.NewRegistry(),
		eng:       opts.Engine,
		loader:    opts.Loader,
		sboxCfg:   opts.Sandbox,
	}, nil
}

func (s *service) Create(ctx context.Context, r *taskAPI.CreateTaskRequest) (_ *taskAPI.CreateTaskResponse, retErr error) {
	ctx = logger.WithTask(ctx, r.ID)
	logger.Info(ctx, "creating task", zap.String("bundle", r.Bundle))

	if r.Terminal {
		return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("terminal io is not supported for guest tasks"))
	}
	if r.Checkpoint != "" || r.ParentCheckpoint != "" {
		return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("checkpoint restore is not supported"))
	}

	// The id is claimed before any resolution or boot so a concurrent
	// Create with the same id fails on AlreadyExists without ever booting
	// a second sandbox. The claim is released on every failure branch.
	t := task.New(r.ID, r.Bundle, s.namespace)
	t.Streams = iorelay.Streams{Stdin: r.Stdin, Stdout: r.Stdout, Stderr: r.Stderr}
	if err := s.registry.Add(t); err != nil {
		return nil, toShimErr(err)
	}
	t.Lock()
	defer t.Unlock()
	defer func() {
		if retErr != nil {
			_, _ = s.registry.Remove(r.ID)
		}
	}()

	payload, err := s.loader.Resolve(ctx, r.Bundle, r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	t.Payload = payload

	spec, err := image.LoadSpec(r.Bundle)
	if err != nil {
		return nil, toShimErr(err)
	}
	if err := oci.RunPrestartHooks(ctx, spec, oci.State{
		ID:     r.ID,
		Pid:    int(t.Pid),
		Bundle: r.Bundle,
	}); err != nil {
		return nil, toShimErr(err)
	}

	sess := sandbox.NewSession(r.ID, payload, s.eng, s.sboxCfg)
	if err := sess.Boot(ctx); err != nil {
		return nil, toShimErr(err)
	}
	t.Session = sess

	s.events.publish(runtime.TaskCreateEventTopic, &eventsapi.TaskCreate{
		ContainerID: r.ID,
		Bundle:      r.Bundle,
		IO: &eventsapi.TaskIO{
			Stdin:  r.Stdin,
			Stdout: r.Stdout,
			Stderr: r.Stderr,
		},
		Pid: t.Pid,
	})
	return &taskAPI.CreateTaskResponse{Pid: t.Pid}, nil
}

func (s *service) Start(ctx context.Context, r *taskAPI.StartRequest) (*taskAPI.StartResponse, error) {
	ctx = logger.WithTask(ctx, r.ID)
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	t.Lock()
	defer t.Unlock()

	if r.ExecID == "" {
		if t.State() != task.StateCreated {
			return nil, toShimErr(appErr.Newf(appErr.TaskAlreadyStarted, "task %s is %s", r.ID, t.State()))
		}
		if t.Session == nil {
			return nil, toShimErr(appErr.Newf(appErr.NotFound, "task %s was never fully created", r.ID))
		}
		if err := t.SetState(task.StateStarting); err != nil {
			return nil, toShimErr(err)
		}
		if err := t.Session.Invoke(ctx, engine.Invocation{}, t.Streams, t.Cell()); err != nil {
			// The task stays in starting; Delete is the recovery path.
			return nil, toShimErr(err)
		}
		if err := t.SetState(task.StateRunning); err != nil {
			return nil, toShimErr(err)
		}
		// TaskStart goes out before the reaper exists so a fast exit can
		// never publish TaskExit ahead of it.
		s.events.publish(runtime.TaskStartEventTopic, &eventsapi.TaskStart{
			ContainerID: r.ID,
			Pid:         t.Pid,
		})
		go s.reapInit(t)
		logger.Info(ctx, "guest main started", zap.Uint32("pid", t.Pid))
		return &taskAPI.StartResponse{Pid: t.Pid}, nil
	}

	ctx = logger.WithExec(ctx, r.ExecID)
	e, err := t.GetExec(r.ExecID)
	if err != nil {
		return nil, toShimErr(err)
	}
	if e.State() != task.StateCreated {
		return nil, toShimErr(appErr.Newf(appErr.TaskAlreadyStarted, "exec %s is %s", r.ExecID, e.State()))
	}
	if err := t.Session.Invoke(ctx, e.Inv, e.Streams, e.Cell()); err != nil {
		return nil, toShimErr(err)
	}
	if err := e.SetState(task.StateRunning); err != nil {
		return nil, toShimErr(err)
	}
	s.events.publish(runtime.TaskExecStartedEventTopic, &eventsapi.TaskExecStarted{
		ContainerID: r.ID,
		ExecID:      r.ExecID,
		Pid:         e.Pid,
	})
	go s.reapExec(t, e)
	logger.Info(ctx, "exec started", zap.Uint32("pid", e.Pid))
	return &taskAPI.StartResponse{Pid: e.Pid}, nil
}

// reapInit publishes the init exit once the supervisor delivers it.
func (s *service) reapInit(t *task.Task) {
	st, err := t.Cell().Wait(context.Background())
	if err != nil {
		return
	}
	t.SetState(task.StateStopped)
	s.events.publish(runtime.TaskExitEventTopic, &eventsapi.TaskExit{
		ContainerID: t.ID,
		ID:          t.ID,
		Pid:         t.Pid,
		ExitStatus:  st.Code,
		ExitedAt:    st.ExitedAt,
	})
}

func (s *service) reapExec(t *task.Task, e *task.Exec) {
	st, err := e.Cell().Wait(context.Background())
	if err != nil {
		return
	}
	t.Lock()
	e.SetState(task.StateStopped)
	t.Unlock()
	s.events.publish(runtime.TaskExitEventTopic, &eventsapi.TaskExit{
		ContainerID: t.ID,
		ID:          e.ID,
		Pid:         e.Pid,
		ExitStatus:  st.Code,
		ExitedAt:    st.ExitedAt,
	})
}

func (s *service) Exec(ctx context.Context, r *taskAPI.ExecProcessRequest) (*ptypes.Empty, error) {
	ctx = logger.WithTask(logger.WithExec(ctx, r.ExecID), r.ID)
	if r.Terminal {
		return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("terminal io is not supported for guest tasks"))
	}
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	inv, err := invocationFromSpec(r.ExecID, r.Spec)
	if err != nil {
		return nil, toShimErr(err)
	}

	t.Lock()
	defer t.Unlock()
	// The stage may lag the exit cell briefly while the reaper runs, so an
	// exited guest is checked for directly.
	_, _, exited := t.ExitStatus()
	if t.State() != task.StateRunning || exited {
		return nil, toShimErr(appErr.Newf(appErr.TaskNotRunning, "task %s is %s, execs need a running guest", r.ID, t.State()))
	}
	err = t.AddExec(&task.Exec{
		ID:      r.ExecID,
		Streams: iorelay.Streams{Stdin: r.Stdin, Stdout: r.Stdout, Stderr: r.Stderr},
		Inv:     inv,
	})
	if err != nil {
		return nil, toShimErr(err)
	}
	s.events.publish(runtime.TaskExecAddedEventTopic, &eventsapi.TaskExecAdded{
		ContainerID: r.ID,
		ExecID:      r.ExecID,
	})
	return empty, nil
}

// invocationFromSpec decodes the runtime-spec process document containerd
// attaches to an exec request into a guest invocation.
func invocationFromSpec(execID string, anySpec *ptypes.Any) (engine.Invocation, error) {
	inv := engine.Invocation{ExecID: execID}
	if anySpec == nil || len(anySpec.Value) == 0 {
		return inv, appErr.New(appErr.RequiredFieldEmpty).WithMessage("exec spec is required")
	}
	var p specs.Process
	if err := json.Unmarshal(anySpec.Value, &p); err != nil {
		return inv, appErr.Wrapf(err, appErr.InvalidParams, "decode exec spec failed")
	}
	if len(p.Args) == 0 {
		return inv, appErr.New(appErr.RequiredFieldEmpty).WithMessage("exec spec has no args")
	}
	inv.Entrypoint = p.Args[0]
	inv.Args = append([]string(nil), p.Args[1:]...)
	inv.Env = append([]string(nil), p.Env...)
	return inv, nil
}

func (s *service) Delete(ctx context.Context, r *taskAPI.DeleteRequest) (*taskAPI.DeleteResponse, error) {
	ctx = logger.WithTask(ctx, r.ID)

	if r.ExecID != "" {
		t, err := s.registry.Get(r.ID)
		if err != nil {
			return nil, toShimErr(err)
		}
		t.Lock()
		defer t.Unlock()
		e, err := t.GetExec(r.ExecID)
		if err != nil {
			return nil, toShimErr(err)
		}
		code, exitedAt, exited := e.ExitStatus()
		if e.State() == task.StateRunning && !exited {
			return nil, toShimErr(appErr.Newf(appErr.InvalidTransition, "exec %s is still running", r.ExecID))
		}
		if !exited {
			st := supervise.Sentinel()
			code, exitedAt = st.Code, st.ExitedAt
		}
		t.RemoveExec(r.ExecID)
		return &taskAPI.DeleteResponse{Pid: e.Pid, ExitStatus: code, ExitedAt: exitedAt}, nil
	}

	t, err := s.registry.Remove(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	t.Lock()
	defer t.Unlock()
	if t.Session != nil {
		_ = t.Session.Teardown(ctx)
	}
	t.SetState(task.StateDeleted)

	code, exitedAt, exited := t.ExitStatus()
	if !exited {
		st := supervise.Sentinel()
		code, exitedAt = st.Code, st.ExitedAt
	}
	s.events.publish(runtime.TaskDeleteEventTopic, &eventsapi.TaskDelete{
		ContainerID: r.ID,
		Pid:         t.Pid,
		ExitStatus:  code,
		ExitedAt:    exitedAt,
	})
	logger.Info(ctx, "task deleted", zap.Uint32("exit_status", code))
	return &taskAPI.DeleteResponse{Pid: t.Pid, ExitStatus: code, ExitedAt: exitedAt}, nil
}

func (s *service) Kill(ctx context.Context, r *taskAPI.KillRequest) (*ptypes.Empty, error) {
	ctx = logger.WithTask(ctx, r.ID)
	t, err := s.registry.Get(r.ID)
	if err != nil {
		// Killing an absent task succeeds so containerd retries converge.
		return empty, nil
	}
	force := r.Signal == uint32(supervise.SentinelSignal)
	logger.Info(ctx, "kill requested",
		zap.String("exec_id", r.ExecID),
		zap.Uint32("signal", r.Signal),
		zap.Bool("force", force))
	if t.Session == nil {
		return empty, nil
	}
	if err := t.Session.Signal(ctx, r.ExecID, force); err != nil {
		return nil, toShimErr(err)
	}
	if r.ExecID == "" && t.State() == task.StateRunning {
		if _, _, exited := t.ExitStatus(); !exited {
			t.SetState(task.StateStopping)
		}
	}
	return empty, nil
}

func (s *service) Wait(ctx context.Context, r *taskAPI.WaitRequest) (*taskAPI.WaitResponse, error) {
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	cell := t.Cell()
	if r.ExecID != "" {
		t.Lock()
		e, err := t.GetExec(r.ExecID)
		t.Unlock()
		if err != nil {
			return nil, toShimErr(err)
		}
		cell = e.Cell()
	}
	st, err := cell.Wait(ctx)
	if err != nil {
		return nil, toShimErr(appErr.Wrapf(err, appErr.Internal, "wait interrupted"))
	}
	return &taskAPI.WaitResponse{ExitStatus: st.Code, ExitedAt: st.ExitedAt}, nil
}

func (s *service) State(ctx context.Context, r *taskAPI.StateRequest) (*taskAPI.StateResponse, error) {
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	t.Lock()
	defer t.Unlock()

	if r.ExecID != "" {
		e, err := t.GetExec(r.ExecID)
		if err != nil {
			return nil, toShimErr(err)
		}
		code, exitedAt, exited := e.ExitStatus()
		return &taskAPI.StateResponse{
			ID:         r.ExecID,
			Bundle:     t.Bundle,
			Pid:        e.Pid,
			Status:     deriveStatus(e.State(), exited),
			Stdin:      e.Streams.Stdin,
			Stdout:     e.Streams.Stdout,
			Stderr:     e.Streams.Stderr,
			ExitStatus: code,
			ExitedAt:   exitedAt,
			ExecID:     r.ExecID,
		}, nil
	}

	code, exitedAt, exited := t.ExitStatus()
	return &taskAPI.StateResponse{
		ID:         t.ID,
		Bundle:     t.Bundle,
		Pid:        t.Pid,
		Status:     deriveStatus(t.State(), exited),
		Stdin:      t.Streams.Stdin,
		Stdout:     t.Streams.Stdout,
		Stderr:     t.Streams.Stderr,
		ExitStatus: code,
		ExitedAt:   exitedAt,
	}, nil
}

// deriveStatus folds the recorded stage and the exit cell into the reported
// status so a caller racing a transition still gets a consistent answer.
func deriveStatus(st task.State, exited bool) apitask.Status {
	switch {
	case exited || st == task.StateStopped || st == task.StateDeleted:
		return apitask.StatusStopped
	case st == task.StateRunning || st == task.StateStopping:
		// A stopping guest is still running until its exit is recorded.
		return apitask.StatusRunning
	case st == task.StateCreated || st == task.StateStarting:
		return apitask.StatusCreated
	default:
		return apitask.StatusUnknown
	}
}

func (s *service) Pids(ctx context.Context, r *taskAPI.PidsRequest) (*taskAPI.PidsResponse, error) {
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	t.Lock()
	defer t.Unlock()
	procs := []*apitask.ProcessInfo{{Pid: t.Pid}}
	t.Lock()
	for _, e := range t.Execs() {
		procs = append(procs, &apitask.ProcessInfo{Pid: e.Pid})
	}
	t.Unlock()
	return &taskAPI.PidsResponse{Processes: procs}, nil
}

func (s *service) CloseIO(ctx context.Context, r *taskAPI.CloseIORequest) (*ptypes.Empty, error) {
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	if r.Stdin && t.Session != nil {
		t.Session.CloseStdin(r.ExecID)
	}
	return empty, nil
}

func (s *service) Connect(ctx context.Context, r *taskAPI.ConnectRequest) (*taskAPI.ConnectResponse, error) {
	t, err := s.registry.Get(r.ID)
	if err != nil {
		return nil, toShimErr(err)
	}
	return &taskAPI.ConnectResponse{
		ShimPid: uint32(os.Getpid()),
		TaskPid: t.Pid,
	}, nil
}

func (s *service) Shutdown(ctx context.Context, r *taskAPI.ShutdownRequest) (*ptypes.Empty, error) {
	// Keep serving while any task remains; containerd asks again after the
	// last delete.
	if s.registry.Len() > 0 {
		return empty, nil
	}
	logger.Info(ctx, "shutting down")
	s.shutdown()
	return empty, nil
}

func (s *service) Stats(ctx context.Context, r *taskAPI.StatsRequest) (*taskAPI.StatsResponse, error) {
	if _, err := s.registry.Get(r.ID); err != nil {
		return nil, toShimErr(err)
	}
	return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("guest tasks expose no host-side metrics"))
}

func (s *service) Pause(ctx context.Context, r *taskAPI.PauseRequest) (*ptypes.Empty, error) {
	return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("pause is not supported"))
}

func (s *service) Resume(ctx context.Context, r *taskAPI.ResumeRequest) (*ptypes.Empty, error) {
	return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("resume is not supported"))
}

func (s *service) Checkpoint(ctx context.Context, r *taskAPI.CheckpointTaskRequest) (*ptypes.Empty, error) {
	return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("checkpoint is not supported"))
}

func (s *service) Update(ctx context.Context, r *taskAPI.UpdateTaskRequest) (*ptypes.Empty, error) {
	return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("resource update is not supported"))
}

func (s *service) ResizePty(ctx context.Context, r *taskAPI.ResizePtyRequest) (*ptypes.Empty, error) {
	return nil, toShimErr(appErr.New(appErr.Unimplemented).WithMessage("no pty is allocated for guest tasks"))
}
