package shim

import (
	"context"
	"time"

	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/runtime/v2/shim"
	"go.uber.org/zap"

	"microshim/pkg/logger"
)

const publishTimeout = 5 * time.Second

// eventSink forwards task events to containerd. Publish failures are logged
// and swallowed; event delivery never fails a task operation.
type eventSink struct {
	publisher shim.Publisher
	namespace string
}

func newEventSink(publisher shim.Publisher, namespace string) *eventSink {
	return &eventSink{publisher: publisher, namespace: namespace}
}

func (s *eventSink) publish(topic string, event interface{}) {
	if s.publisher == nil {
		return
	}
	ctx := namespaces.WithNamespace(context.Background(), s.namespace)
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, topic, event); err != nil {
		logger.Warn(ctx, "event publish failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}
