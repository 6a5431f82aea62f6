// Package image resolves the guest binary for a task from its OCI bundle.
// Resolution prefers a dedicated guest layer in the image's content store
// and falls back to the binary named by the runtime spec inside the bundle
// rootfs. The package never writes to the filesystem.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/klauspost/compress/gzip"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"

	"microshim/internal/engine"
	appErr "microshim/pkg/errors"
	"microshim/pkg/logger"
)

const (
	// GuestMediaType marks an image layer that carries the guest binary
	// directly, without a filesystem around it.
	GuestMediaType = "application/vnd.microvm.guest.v1"

	// AnnotationEntrypoint overrides the guest entry point.
	AnnotationEntrypoint = "io.microvm.guest.entrypoint"
	// AnnotationArgs appends shell-style arguments to the invocation.
	AnnotationArgs = "io.microvm.guest.args"

	elfMagic = "\x7fELF"
	peMagic  = "MZ"

	defaultMaxGuestSize = 1 << 30
)

// Config tunes guest resolution.
type Config struct {
	// MediaType to recognize as a guest layer. Empty means GuestMediaType.
	MediaType string
	// MaxGuestSize rejects binaries larger than this many bytes.
	// Zero means the default of 1 GiB.
	MaxGuestSize int64
}

// Loader resolves guest payloads. A nil layer store disables image-layer
// resolution and only the rootfs fallback is used.
type Loader struct {
	store        LayerStore
	mediaType    string
	maxGuestSize int64
}

// NewLoader builds a Loader over the given layer store.
func NewLoader(store LayerStore, cfg Config) *Loader {
	mt := cfg.MediaType
	if mt == "" {
		mt = GuestMediaType
	}
	max := cfg.MaxGuestSize
	if max <= 0 {
		max = defaultMaxGuestSize
	}
	return &Loader{store: store, mediaType: mt, maxGuestSize: max}
}

// Resolve reads the bundle's runtime spec, locates the guest binary, and
// validates it. containerID names the container record whose image layers
// are searched; the containerd namespace travels on ctx.
func (l *Loader) Resolve(ctx context.Context, bundlePath, containerID string) (*engine.GuestPayload, error) {
	spec, err := LoadSpec(bundlePath)
	if err != nil {
		return nil, err
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return nil, appErr.New(appErr.InvalidBundle).WithMessage("runtime spec has no process args")
	}

	entrypoint := spec.Process.Args[0]
	args := append([]string(nil), spec.Process.Args[1:]...)
	if v, ok := spec.Annotations[AnnotationEntrypoint]; ok && v != "" {
		entrypoint = v
	}
	if v, ok := spec.Annotations[AnnotationArgs]; ok && v != "" {
		extra, err := shlex.Split(v)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "annotation %s is not parseable", AnnotationArgs)
		}
		args = append(args, extra...)
	}

	payload := &engine.GuestPayload{
		Entrypoint: entrypoint,
		Args:       args,
	}
	if spec.Process != nil {
		payload.Env = append([]string(nil), spec.Process.Env...)
	}

	if err := l.resolveBinary(ctx, bundlePath, spec, containerID, payload); err != nil {
		return nil, err
	}

	format, err := detectFormat(payload)
	if err != nil {
		return nil, err
	}
	payload.Format = format

	logger.Debug(ctx, "guest payload resolved",
		zap.String("entrypoint", payload.Entrypoint),
		zap.String("format", string(payload.Format)),
		zap.String("media_type", payload.MediaType))
	return payload, nil
}

// resolveBinary fills Data or Path. A recognized guest layer wins over the
// rootfs fallback; more than one such layer is a packaging error.
func (l *Loader) resolveBinary(ctx context.Context, bundlePath string, spec *specs.Spec, containerID string, payload *engine.GuestPayload) error {
	if l.store != nil && containerID != "" {
		layers, err := l.store.GuestLayers(ctx, containerID, l.mediaType)
		if err != nil {
			return err
		}
		switch len(layers) {
		case 0:
			// Fall through to the rootfs lookup.
		case 1:
			data, err := unpackLayer(layers[0], l.maxGuestSize)
			if err != nil {
				return err
			}
			payload.Data = data
			payload.MediaType = layers[0].MediaType
			payload.Digest = layers[0].Digest
			return nil
		default:
			return appErr.Newf(appErr.MultipleLayers, "image has %d guest layers, want exactly one", len(layers))
		}
	}

	root := "rootfs"
	if spec.Root != nil && spec.Root.Path != "" {
		root = spec.Root.Path
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(bundlePath, root)
	}
	binPath, err := safeJoin(root, strings.TrimPrefix(payload.Entrypoint, "/"))
	if err != nil {
		return err
	}
	st, err := os.Stat(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return appErr.Newf(appErr.NotFound, "guest binary %s not found in rootfs", payload.Entrypoint)
		}
		return appErr.Wrapf(err, appErr.IoError, "stat guest binary failed")
	}
	if st.Size() > l.maxGuestSize {
		return appErr.Newf(appErr.GuestTooLarge, "guest binary is %d bytes, limit %d", st.Size(), l.maxGuestSize)
	}
	payload.Path = binPath
	return nil
}

// LoadSpec reads and decodes the bundle's config.json.
func LoadSpec(bundlePath string) (*specs.Spec, error) {
	if _, err := os.Stat(bundlePath); err != nil {
		return nil, appErr.Newf(appErr.BundleNotFound, "bundle %s not found", bundlePath)
	}
	raw, err := os.ReadFile(filepath.Join(bundlePath, "config.json"))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidBundle, "read config.json failed")
	}
	var spec specs.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidBundle, "decode config.json failed")
	}
	return &spec, nil
}

// unpackLayer yields the raw guest bytes, decompressing gzip layers.
func unpackLayer(layer Layer, maxSize int64) ([]byte, error) {
	data := layer.Data
	if strings.HasSuffix(layer.MediaType, "+gzip") || strings.HasSuffix(layer.MediaType, ".gzip") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidImage, "guest layer is not valid gzip")
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, maxSize+1))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidImage, "decompress guest layer failed")
		}
		data = out
	}
	if int64(len(data)) > maxSize {
		return nil, appErr.Newf(appErr.GuestTooLarge, "guest layer is %d bytes, limit %d", len(data), maxSize)
	}
	if len(data) == 0 {
		return nil, appErr.New(appErr.InvalidImage).WithMessage("guest layer is empty")
	}
	return data, nil
}

// detectFormat validates the binary's magic bytes.
func detectFormat(payload *engine.GuestPayload) (engine.GuestFormat, error) {
	var head []byte
	if payload.Data != nil {
		if len(payload.Data) > 4 {
			head = payload.Data[:4]
		} else {
			head = payload.Data
		}
	} else {
		f, err := os.Open(payload.Path)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.IoError, "open guest binary failed")
		}
		defer f.Close()
		buf := make([]byte, 4)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return "", appErr.Wrapf(err, appErr.UnsupportedFormat, "read guest binary header failed")
		}
		head = buf[:n]
	}
	switch {
	case bytes.HasPrefix(head, []byte(elfMagic)):
		return engine.FormatELF, nil
	case bytes.HasPrefix(head, []byte(peMagic)):
		return engine.FormatPE, nil
	default:
		return "", appErr.New(appErr.UnsupportedFormat).WithMessage("guest binary is neither ELF nor PE")
	}
}

func safeJoin(basePath, relPath string) (string, error) {
	if relPath == "" {
		return "", appErr.ValidationError("path", "required")
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", appErr.New(appErr.InvalidParams).WithMessage("invalid relative path")
	}
	return filepath.Join(basePath, clean), nil
}
