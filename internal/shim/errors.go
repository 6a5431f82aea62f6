package shim

import (
	"github.com/containerd/containerd/errdefs"

	appErr "microshim/pkg/errors"
)

// toShimErr translates a coded error into the errdefs/grpc shape containerd
// expects on the ttrpc boundary. Unmapped codes travel as Unknown.
func toShimErr(err error) error {
	if err == nil {
		return nil
	}
	switch appErr.GetCode(err) {
	case appErr.NotFound, appErr.BundleNotFound, appErr.ExecNotFound:
		return errdefs.ToGRPCf(errdefs.ErrNotFound, "%s", err)
	case appErr.AlreadyExists, appErr.TaskAlreadyStarted:
		return errdefs.ToGRPCf(errdefs.ErrAlreadyExists, "%s", err)
	case appErr.InvalidParams, appErr.ValidationFailed, appErr.RequiredFieldEmpty,
		appErr.InvalidBundle, appErr.InvalidImage, appErr.NoGuestLayer,
		appErr.MultipleLayers, appErr.UnsupportedFormat, appErr.GuestTooLarge:
		return errdefs.ToGRPCf(errdefs.ErrInvalidArgument, "%s", err)
	case appErr.Busy, appErr.Unavailable:
		return errdefs.ToGRPCf(errdefs.ErrUnavailable, "%s", err)
	case appErr.TaskNotRunning, appErr.InvalidTransition, appErr.TaskDeleting,
		appErr.SessionClosed:
		return errdefs.ToGRPCf(errdefs.ErrFailedPrecondition, "%s", err)
	case appErr.Unimplemented:
		return errdefs.ToGRPCf(errdefs.ErrNotImplemented, "%s", err)
	default:
		return errdefs.ToGRPC(err)
	}
}
