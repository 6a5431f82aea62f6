package shim

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/runtime/v2/shim"
	taskAPI "github.com/containerd/containerd/runtime/v2/task"

	"microshim/internal/supervise"
	appErr "microshim/pkg/errors"
)

// StartShim forks the long-lived shim process for a task and hands its
// socket address back to containerd. A shim already listening for this id
// (containerd retrying start) is reused instead of respawned.
func (s *service) StartShim(ctx context.Context, opts shim.StartOpts) (_ string, retErr error) {
	cmd, err := newCommand(ctx, opts.ID, opts.Address, opts.TTRPCAddress)
	if err != nil {
		return "", err
	}
	grouping := opts.ID
	address, err := shim.SocketAddress(ctx, opts.Address, grouping)
	if err != nil {
		return "", err
	}

	socket, err := shim.NewSocket(address)
	if err != nil {
		if !shim.SocketEaddrinuse(err) {
			return "", appErr.Wrapf(err, appErr.Internal, "create shim socket failed")
		}
		if shim.CanConnect(address) {
			if err := shim.WriteAddress("address", address); err != nil {
				return "", err
			}
			return address, nil
		}
		if err := shim.RemoveSocket(address); err != nil {
			return "", appErr.Wrapf(err, appErr.Internal, "remove stale shim socket failed")
		}
		if socket, err = shim.NewSocket(address); err != nil {
			return "", appErr.Wrapf(err, appErr.Internal, "create shim socket failed")
		}
	}
	defer func() {
		if retErr != nil {
			socket.Close()
			_ = shim.RemoveSocket(address)
		}
	}()

	f, err := socket.File()
	if err != nil {
		return "", err
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, f)

	if err := cmd.Start(); err != nil {
		f.Close()
		return "", err
	}
	defer func() {
		if retErr != nil {
			cmd.Process.Kill()
		}
	}()
	go cmd.Wait()

	if err := shim.WriteAddress("address", address); err != nil {
		return "", err
	}
	if err := shim.AdjustOOMScore(cmd.Process.Pid); err != nil {
		return "", appErr.Wrapf(err, appErr.Internal, "adjust shim OOM score failed")
	}
	return address, nil
}

func newCommand(ctx context.Context, id, containerdAddress, containerdTTRPCAddress string) (*exec.Cmd, error) {
	ns, err := namespaces.NamespaceRequired(ctx)
	if err != nil {
		return nil, err
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	args := []string{
		"-namespace", ns,
		"-id", id,
		"-address", containerdAddress,
	}
	cmd := exec.Command(self, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TTRPC_ADDRESS="+containerdTTRPCAddress)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd, nil
}

// Cleanup is containerd's out-of-band delete for a shim that died without
// unregistering. There is no live sandbox state to consult; the bundle's
// workdir is gone with the shim process, so report the sentinel exit.
func (s *service) Cleanup(ctx context.Context) (*taskAPI.DeleteResponse, error) {
	return &taskAPI.DeleteResponse{
		ExitStatus: supervise.SentinelExitCode,
		ExitedAt:   time.Now(),
	}, nil
}
