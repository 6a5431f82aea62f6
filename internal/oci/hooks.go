// Package oci runs the runtime-spec lifecycle hooks a bundle declares.
// Only the prestart phase applies here: hooks observe the task before its
// sandbox starts executing, on the host side of the VM boundary.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"

	appErr "microshim/pkg/errors"
	"microshim/pkg/logger"
)

const defaultHookTimeout = 10 * time.Second

// State is the container state document delivered on each hook's stdin.
type State struct {
	OCIVersion string `json:"ociVersion"`
	ID         string `json:"id"`
	Status     string `json:"status"`
	Pid        int    `json:"pid"`
	Bundle     string `json:"bundle"`
}

// RunPrestartHooks executes every prestart hook in order. Each hook gets
// the state document on stdin; a hook that exits before reading it is
// tolerated (broken pipe is not a failure), a hook that exits non-zero or
// overruns its timeout fails the whole sequence.
func RunPrestartHooks(ctx context.Context, spec *specs.Spec, state State) error {
	if spec.Hooks == nil || len(spec.Hooks.Prestart) == 0 {
		return nil
	}
	if state.OCIVersion == "" {
		state.OCIVersion = specs.Version
	}
	if state.Status == "" {
		state.Status = "created"
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return appErr.Wrapf(err, appErr.Internal, "encode hook state failed")
	}

	for i, hook := range spec.Hooks.Prestart {
		if err := runHook(ctx, hook, doc); err != nil {
			code := appErr.GetCode(err)
			return appErr.Wrapf(err, code, "prestart hook %d (%s) failed", i, hook.Path)
		}
		logger.Debug(ctx, "prestart hook completed", zap.String("path", hook.Path))
	}
	return nil
}

func runHook(ctx context.Context, hook specs.Hook, state []byte) error {
	timeout := defaultHookTimeout
	if hook.Timeout != nil && *hook.Timeout > 0 {
		timeout = time.Duration(*hook.Timeout) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hctx, hook.Path)
	if len(hook.Args) > 0 {
		cmd.Args = append([]string(nil), hook.Args...)
	}
	cmd.Env = hook.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := stdin.Write(state); err != nil && !isBrokenPipe(err) {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			return appErr.Newf(appErr.Timeout, "hook exceeded %s", timeout)
		}
		return err
	}
	return nil
}

// isBrokenPipe reports whether writing the state document failed because
// the hook already exited or closed its stdin, which the runtime spec asks
// us to tolerate.
func isBrokenPipe(err error) bool {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return false
}
