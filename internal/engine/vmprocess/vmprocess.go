//go:build linux

// Package vmprocess implements the sandbox engine on top of a VM monitor
// helper binary. Each invocation runs one helper process: the helper boots
// or attaches to the session's micro-VM, carries guest stdio on its own
// stdio, and exits with the guest's status. The shim only ever supervises
// host processes; everything hypervisor-specific lives in the helper.
package vmprocess

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"microshim/internal/engine"
	appErr "microshim/pkg/errors"
	"microshim/pkg/logger"
)

// Config tunes the helper engine.
type Config struct {
	// MonitorPath is the VM monitor helper binary.
	MonitorPath string
	// ExtraArgs are prepended to every helper invocation.
	ExtraArgs []string
	// WorkRoot is where per-session staging directories live. Empty means
	// a directory under the system temp dir.
	WorkRoot string
}

// Engine boots micro-VMs by spawning the configured monitor helper.
type Engine struct {
	cfg Config
}

// NewEngine validates the helper configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MonitorPath == "" {
		return nil, appErr.New(appErr.RequiredFieldEmpty).WithMessage("monitor path is required")
	}
	if _, err := exec.LookPath(cfg.MonitorPath); err != nil {
		return nil, appErr.Wrapf(err, appErr.NotFound, "monitor binary %s not found", cfg.MonitorPath)
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "microvm-shim")
	}
	return &Engine{cfg: cfg}, nil
}

// payloadDescriptor is the staged form of the guest payload handed to the
// helper. The binary itself is a sibling file, never inlined.
type payloadDescriptor struct {
	BinaryPath string   `json:"binary_path"`
	Format     string   `json:"format"`
	MediaType  string   `json:"media_type,omitempty"`
	Digest     string   `json:"digest,omitempty"`
	Entrypoint string   `json:"entrypoint"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
}

// invocationDescriptor tells the helper what to run inside the session.
type invocationDescriptor struct {
	SessionID  string   `json:"session_id"`
	ExecID     string   `json:"exec_id,omitempty"`
	Entrypoint string   `json:"entrypoint,omitempty"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
}

// Boot stages the payload for one session. The helper itself is launched
// per invocation; boot failures clean their staging directory up.
func (e *Engine) Boot(ctx context.Context, opts engine.BootOpts) (_ engine.VM, retErr error) {
	if opts.Payload == nil {
		return nil, appErr.New(appErr.RequiredFieldEmpty).WithMessage("payload is required")
	}
	dir := filepath.Join(e.cfg.WorkRoot, opts.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, appErr.Wrapf(err, appErr.BootFailure, "create session dir failed")
	}
	defer func() {
		if retErr != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	binPath := opts.Payload.Path
	if len(opts.Payload.Data) > 0 {
		binPath = filepath.Join(dir, "guest.bin")
		if err := os.WriteFile(binPath, opts.Payload.Data, 0700); err != nil {
			return nil, appErr.Wrapf(err, appErr.BootFailure, "stage guest binary failed")
		}
	}
	desc := payloadDescriptor{
		BinaryPath: binPath,
		Format:     string(opts.Payload.Format),
		MediaType:  opts.Payload.MediaType,
		Digest:     opts.Payload.Digest,
		Entrypoint: opts.Payload.Entrypoint,
		Args:       opts.Payload.Args,
		Env:        opts.Payload.Env,
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Internal, "encode payload descriptor failed")
	}
	payloadPath := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(payloadPath, raw, 0600); err != nil {
		return nil, appErr.Wrapf(err, appErr.BootFailure, "write payload descriptor failed")
	}

	return &VM{
		cfg:         e.cfg,
		sessionID:   opts.SessionID,
		dir:         dir,
		payloadPath: payloadPath,
		procs:       make(map[string]*proc),
	}, nil
}

// VM is one session's staged sandbox. Helper processes register here per
// invocation.
type VM struct {
	cfg         Config
	sessionID   string
	dir         string
	payloadPath string

	mu       sync.Mutex
	procs    map[string]*proc
	tornDown bool
}

type proc struct {
	cmd  *exec.Cmd
	done chan engine.Exit
	// gone closes after the exit was delivered; teardown waits on it
	// without consuming the exit event.
	gone chan struct{}
}

// Start spawns one helper process for the invocation. The main invocation
// (empty exec id) boots the VM; auxiliary ones attach to it.
func (v *VM) Start(ctx context.Context, inv engine.Invocation) (_ *engine.Handle, retErr error) {
	v.mu.Lock()
	if v.tornDown {
		v.mu.Unlock()
		return nil, appErr.New(appErr.SessionClosed).WithMessage("sandbox is torn down")
	}
	v.mu.Unlock()

	name := "main"
	if inv.ExecID != "" {
		name = "exec-" + inv.ExecID
	}
	invPath := filepath.Join(v.dir, name+".json")
	raw, err := json.Marshal(invocationDescriptor{
		SessionID:  v.sessionID,
		ExecID:     inv.ExecID,
		Entrypoint: inv.Entrypoint,
		Args:       inv.Args,
		Env:        inv.Env,
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Internal, "encode invocation descriptor failed")
	}
	if err := os.WriteFile(invPath, raw, 0600); err != nil {
		return nil, appErr.Wrapf(err, appErr.EngineError, "write invocation descriptor failed")
	}

	args := append([]string(nil), v.cfg.ExtraArgs...)
	args = append(args, "--payload", v.payloadPath, "--invocation", invPath)
	if inv.ExecID != "" {
		args = append(args, "--attach")
	}

	cmd := exec.Command(v.cfg.MonitorPath, args...)
	cmd.Dir = v.dir
	// The helper dies with the shim; a shim crash never strands a VM.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.IoError, "stdin pipe failed")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, appErr.Wrapf(err, appErr.IoError, "stdout pipe failed")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, appErr.Wrapf(err, appErr.IoError, "stderr pipe failed")
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, appErr.Wrapf(err, appErr.EngineError, "start monitor helper failed")
	}
	// Parent-side copies of the child's ends. The guest sees EOF and the
	// relay sees EOF through the surviving descriptors.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &proc{cmd: cmd, done: make(chan engine.Exit, 1), gone: make(chan struct{})}
	v.mu.Lock()
	if v.tornDown {
		// Teardown ran between the entry check and registration; its kill
		// loop never saw this helper, so it is reaped here.
		v.mu.Unlock()
		_ = killGroup(cmd.Process.Pid)
		_ = cmd.Wait()
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, appErr.New(appErr.SessionClosed).WithMessage("sandbox is torn down")
	}
	v.procs[inv.ExecID] = p
	v.mu.Unlock()

	go v.reap(inv.ExecID, p)

	return &engine.Handle{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		Done:   p.done,
	}, nil
}

// reap waits for the helper and converts its status into an engine exit.
// A helper killed by an unexpected signal is an engine crash; the guest
// never produced a result.
func (v *VM) reap(execID string, p *proc) {
	waitErr := p.cmd.Wait()
	state := p.cmd.ProcessState

	ev := engine.Exit{At: time.Now()}
	switch {
	case state == nil:
		ev.Crashed = true
		ev.Err = waitErr
	case state.Exited():
		ev.Code = uint32(state.ExitCode())
	default:
		ws, ok := state.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			sig := ws.Signal()
			ev.Signal = uint32(sig)
			ev.Code = 128 + uint32(sig)
		} else {
			ev.Crashed = true
			ev.Err = waitErr
		}
	}

	v.mu.Lock()
	delete(v.procs, execID)
	v.mu.Unlock()

	logger.Debug(context.Background(), "monitor helper exited",
		zap.String("session_id", v.sessionID),
		zap.String("exec_id", execID),
		zap.Uint32("code", ev.Code),
		zap.Bool("crashed", ev.Crashed))

	p.done <- ev
	close(p.done)
	close(p.gone)
}

// Kill signals one invocation's helper. Graceful delivers SIGTERM to the
// helper, which forwards or handles it; force kills the whole process
// group.
func (v *VM) Kill(ctx context.Context, execID string, force bool) error {
	v.mu.Lock()
	p := v.procs[execID]
	v.mu.Unlock()
	if p == nil || p.cmd.Process == nil {
		return nil
	}
	pid := p.cmd.Process.Pid
	if force {
		return killGroup(pid)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return appErr.Wrapf(err, appErr.EngineError, "signal helper %d failed", pid)
	}
	return nil
}

// Teardown kills every outstanding helper and removes the staging dir.
// Safe to call repeatedly; their reapers deliver the exit notifications.
func (v *VM) Teardown(ctx context.Context) error {
	v.mu.Lock()
	if v.tornDown {
		v.mu.Unlock()
		return nil
	}
	v.tornDown = true
	procs := make([]*proc, 0, len(v.procs))
	for _, p := range v.procs {
		procs = append(procs, p)
	}
	v.mu.Unlock()

	for _, p := range procs {
		if p.cmd.Process != nil {
			_ = killGroup(p.cmd.Process.Pid)
		}
	}
	for _, p := range procs {
		<-p.gone
	}

	if err := os.RemoveAll(v.dir); err != nil {
		return appErr.Wrapf(err, appErr.TeardownFailed, "remove session dir failed")
	}
	return nil
}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return appErr.Wrapf(err, appErr.EngineError, "kill process group %d failed", pid)
	}
	return nil
}
