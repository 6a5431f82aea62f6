// containerd-shim-microvm-v2 runs containerd tasks as guest payloads inside
// ephemeral hardware-virtualized micro-VMs. containerd launches one shim
// process per task; the shim boots a sandbox for the task, invokes the
// guest, and reports its lifecycle over ttrpc.
//
// Runtime name: io.containerd.microvm.v2
package main

import (
	"context"
	"fmt"
	"os"

	shimapi "github.com/containerd/containerd/runtime/v2/shim"

	"microshim/internal/engine/vmprocess"
	"microshim/internal/image"
	"microshim/internal/shim"
	"microshim/pkg/logger"
)

const runtimeName = "io.containerd.microvm.v2"

func main() {
	shimapi.Run(runtimeName, newService)
}

func newService(ctx context.Context, id string, publisher shimapi.Publisher, shutdown func()) (shimapi.Shim, error) {
	cfgPath := os.Getenv("MICROVM_SHIM_CONFIG")
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}
	cfg, err := loadAppConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	eng, err := vmprocess.NewEngine(cfg.monitorConfig())
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	var store image.LayerStore
	if cfg.Guest.ContainerdAddress != "" {
		store = image.NewContainerdStore(cfg.Guest.ContainerdAddress)
	}
	loader := image.NewLoader(store, cfg.loaderConfig())

	return shim.New(ctx, id, publisher, shutdown, shim.Options{
		Engine:  eng,
		Loader:  loader,
		Sandbox: cfg.sandboxConfig(),
	})
}
