// Package iorelay shuttles process streams between caller-supplied host
// endpoints (containerd FIFOs or plain files) and the sandbox boundary of
// one invocation. The relay owns the host-side descriptors for the duration
// of the invocation and guarantees that every byte the guest produced is
// delivered to the sinks before the invocation's exit becomes observable.
package iorelay

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/containerd/fifo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	appErr "microshim/pkg/errors"
)

const defaultBufferSize = 32 * 1024

// Streams names the host-side endpoints for one invocation. Empty paths
// mean the stream is discarded.
type Streams struct {
	Stdin  string
	Stdout string
	Stderr string
}

// Endpoints is the guest side of the relay: the stream handles returned by
// the engine for one invocation.
type Endpoints struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Config tunes the relay.
type Config struct {
	// BufferSize is the copy buffer size per stream. Zero means default.
	BufferSize int
}

// Relay runs the copy loops for one invocation.
type Relay struct {
	bufSize int

	stdinSrc   io.ReadCloser
	stdoutSink io.WriteCloser
	stderrSink io.WriteCloser

	guest Endpoints

	outGroup *errgroup.Group

	mu      sync.Mutex
	ioErrs  []error
	stdinWg sync.WaitGroup

	closeStdinOnce sync.Once
	closeOnce      sync.Once
}

// Attach opens the host endpoints and starts the copy loops. The relay owns
// the opened descriptors; they are released when the invocation reaches its
// terminal state (Wait + Close), not before. Opening failures release
// everything opened so far.
func Attach(ctx context.Context, s Streams, guest Endpoints, cfg Config) (*Relay, error) {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	r := &Relay{bufSize: bufSize, guest: guest}

	var err error
	if s.Stdin != "" && guest.Stdin != nil {
		r.stdinSrc, err = openRead(ctx, s.Stdin)
		if err != nil {
			r.Close()
			return nil, appErr.Wrapf(err, appErr.StreamNotFound, "open stdin %q failed", s.Stdin)
		}
	}
	if s.Stdout != "" {
		r.stdoutSink, err = openWrite(ctx, s.Stdout)
		if err != nil {
			r.Close()
			return nil, appErr.Wrapf(err, appErr.StreamNotFound, "open stdout %q failed", s.Stdout)
		}
	}
	if s.Stderr != "" {
		r.stderrSink, err = openWrite(ctx, s.Stderr)
		if err != nil {
			r.Close()
			return nil, appErr.Wrapf(err, appErr.StreamNotFound, "open stderr %q failed", s.Stderr)
		}
	}

	r.start()
	return r, nil
}

func (r *Relay) start() {
	r.outGroup = &errgroup.Group{}

	if r.guest.Stdout != nil {
		sink := r.stdoutSink
		r.outGroup.Go(func() error {
			r.copyOut(r.guest.Stdout, sink)
			return nil
		})
	}
	if r.guest.Stderr != nil {
		sink := r.stderrSink
		r.outGroup.Go(func() error {
			r.copyOut(r.guest.Stderr, sink)
			return nil
		})
	}

	if r.stdinSrc != nil && r.guest.Stdin != nil {
		r.stdinWg.Add(1)
		go func() {
			defer r.stdinWg.Done()
			buf := make([]byte, r.bufSize)
			_, err := io.CopyBuffer(r.guest.Stdin, r.stdinSrc, buf)
			if err != nil {
				r.addIOErr(appErr.Wrapf(err, appErr.IoError, "stdin relay failed"))
			}
			// Host EOF propagates to the guest boundary.
			_ = r.guest.Stdin.Close()
		}()
	} else if r.guest.Stdin != nil {
		// No stdin source: the guest sees immediate EOF.
		_ = r.guest.Stdin.Close()
	}
}

// copyOut drains one guest output stream into its sink. A sink fault is
// recorded as a non-fatal I/O error and the guest side keeps being drained
// so the guest never blocks on a dead sink.
func (r *Relay) copyOut(src io.ReadCloser, sink io.WriteCloser) {
	buf := make([]byte, r.bufSize)
	var w io.Writer = io.Discard
	if sink != nil {
		w = sink
	}
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				r.addIOErr(appErr.Wrapf(writeErr, appErr.IoError, "output sink write failed"))
				w = io.Discard
			}
		}
		if readErr != nil {
			if readErr != io.EOF && readErr != io.ErrClosedPipe && !os.IsNotExist(readErr) {
				r.addIOErr(appErr.Wrapf(readErr, appErr.IoError, "guest stream read failed"))
			}
			return
		}
	}
}

// Wait blocks until both guest output streams are fully drained into their
// sinks. It must complete before the invocation's terminal state is
// published; the stdin loop is not waited on because a host FIFO with no
// writer would block it indefinitely.
func (r *Relay) Wait() {
	if r.outGroup != nil {
		_ = r.outGroup.Wait()
	}
}

// CloseStdin closes the host-to-guest direction, delivering EOF to the
// guest boundary. Idempotent.
func (r *Relay) CloseStdin() {
	r.closeStdinOnce.Do(func() {
		if r.stdinSrc != nil {
			_ = r.stdinSrc.Close()
		}
		if r.guest.Stdin != nil {
			_ = r.guest.Stdin.Close()
		}
	})
}

// Close releases every descriptor the relay still owns. Idempotent; safe to
// call while loops are running (they terminate on the closed descriptors).
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.CloseStdin()
		if r.guest.Stdout != nil {
			_ = r.guest.Stdout.Close()
		}
		if r.guest.Stderr != nil {
			_ = r.guest.Stderr.Close()
		}
		if r.outGroup != nil {
			_ = r.outGroup.Wait()
		}
		r.stdinWg.Wait()
		if r.stdoutSink != nil {
			_ = r.stdoutSink.Close()
		}
		if r.stderrSink != nil {
			_ = r.stderrSink.Close()
		}
	})
}

// Err returns the first non-fatal I/O error observed, or nil. These never
// fail the task; they are attached to the final status.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ioErrs) == 0 {
		return nil
	}
	return r.ioErrs[0]
}

func (r *Relay) addIOErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ioErrs = append(r.ioErrs, err)
}

// openRead opens a host stream source: a FIFO when the path is (or will be)
// a named pipe, otherwise a regular file.
func openRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if isFifo(path) {
		return fifo.OpenFifo(ctx, path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	}
	return os.Open(path)
}

// openWrite opens a host stream sink.
func openWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	if isFifo(path) {
		return fifo.OpenFifo(ctx, path, unix.O_WRONLY, 0)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

func isFifo(path string) bool {
	st, err := os.Stat(path)
	if err != nil {
		// containerd pre-creates its FIFOs; a missing path is resolved
		// by the fifo package which waits for the peer.
		return true
	}
	return st.Mode()&os.ModeNamedPipe != 0
}
