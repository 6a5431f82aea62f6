package image

import (
	"context"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/platforms"

	appErr "microshim/pkg/errors"
)

// Layer is one guest-layer candidate pulled out of an image manifest.
type Layer struct {
	MediaType string
	Digest    string
	Data      []byte
}

// LayerStore finds guest layers for a container's image. mediaTypePrefix
// selects layers whose media type equals the prefix or extends it with a
// compression suffix.
type LayerStore interface {
	GuestLayers(ctx context.Context, containerID, mediaTypePrefix string) ([]Layer, error)
}

// ContainerdStore resolves guest layers through the containerd client API:
// container record, image record, manifest for the default platform, then
// blob reads from the content store.
type ContainerdStore struct {
	address string
}

// NewContainerdStore builds a store that dials the given containerd socket
// per lookup. Lookups are rare (one per Create) so no connection is held.
func NewContainerdStore(address string) *ContainerdStore {
	return &ContainerdStore{address: address}
}

func (s *ContainerdStore) GuestLayers(ctx context.Context, containerID, mediaTypePrefix string) ([]Layer, error) {
	client, err := containerd.New(s.address)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Unavailable, "connect to containerd at %s failed", s.address)
	}
	defer client.Close()

	container, err := client.ContainerService().Get(ctx, containerID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NotFound, "container record %s not found", containerID)
	}
	if container.Image == "" {
		return nil, nil
	}
	img, err := client.ImageService().Get(ctx, container.Image)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.NotFound, "image %s not found", container.Image)
	}

	store := client.ContentStore()
	manifest, err := images.Manifest(ctx, store, img.Target, platforms.Default())
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidImage, "read manifest for %s failed", container.Image)
	}

	var layers []Layer
	for _, desc := range manifest.Layers {
		if !matchesGuestType(desc.MediaType, mediaTypePrefix) {
			continue
		}
		blob, err := content.ReadBlob(ctx, store, desc)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidImage, "read guest layer %s failed", desc.Digest)
		}
		layers = append(layers, Layer{
			MediaType: desc.MediaType,
			Digest:    desc.Digest.String(),
			Data:      blob,
		})
	}
	return layers, nil
}

func matchesGuestType(mediaType, prefix string) bool {
	if mediaType == prefix {
		return true
	}
	return len(mediaType) > len(prefix) && mediaType[:len(prefix)] == prefix &&
		(mediaType[len(prefix)] == '+' || mediaType[len(prefix)] == '.')
}
