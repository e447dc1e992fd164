// Package shim implements the boxlite-shim entrypoint (C7): the
// subprocess the lifecycle controller launches for every box, which owns
// VMM creation and blocks for the instance's lifetime. Grounded on
// cocoon's hypervisor/cloudhypervisor process-lifecycle idiom and on
// original_source/boxlite/src/bin/shim/main.rs's startup sequence
// (logging → crash capture → seccomp → engine create → graceful-shutdown
// handler → watchdog → Enter).
package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/core/log"

	_ "github.com/boxlite/boxlite/engine/libkrun" // registers the libkrun engine kind
	_ "github.com/boxlite/boxlite/engine/mock"    // registers the mock engine kind

	"github.com/boxlite/boxlite/engine"
	"github.com/boxlite/boxlite/netproxy"
	"github.com/boxlite/boxlite/sandbox"
	"github.com/boxlite/boxlite/types"
)

// Run is the shim's whole life: parse the instance spec, set up logging
// and crash capture, apply isolation, create the engine instance, install
// the SIGTERM/watchdog handlers, and hand control to the VMM. Mirrors
// shim/main.rs's run_shim, generalized from a flat function into a small
// Go struct so the handlers can share state without globals.
func Run(specPath string) error {
	spec, err := loadSpec(specPath)
	if err != nil {
		return err
	}

	logGuard, err := setupLogging(spec.HomeDir)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logGuard()

	ctx := context.Background()
	logger := log.WithFunc("shim.Run")
	logger.Infof(ctx, "box %s starting (engine=%s)", spec.BoxID, spec.Engine)

	installCrashCapture(spec.ExitFilePath)

	// Network backend is created before seccomp is applied (matching
	// shim/main.rs's ordering). The seccomp filter is installed on the
	// calling OS thread only (sandbox.LockAndApply, no TSYNC), so threads
	// already running the helper's goroutines are not covered by it.
	if spec.NetworkEndpoint != "" {
		if _, err := netproxy.Start(ctx, spec.NetworkEndpoint, spec.Network); err != nil {
			writeErrorExit(spec.ExitFilePath, err)
			return fmt.Errorf("start network backend: %w", err)
		}
		logger.Infof(ctx, "network backend ready at %s", spec.NetworkEndpoint)
	}

	if err := applySeccomp(ctx, spec); err != nil {
		writeErrorExit(spec.ExitFilePath, err)
		return err
	}

	eng, err := engine.Get(spec.Engine)
	if err != nil {
		writeErrorExit(spec.ExitFilePath, err)
		return err
	}
	instance, err := eng.Create(ctx, spec)
	if err != nil {
		writeErrorExit(spec.ExitFilePath, err)
		return fmt.Errorf("create instance: %w", err)
	}
	logger.Info(ctx, "instance created, handing over process control")

	// The transport socket must already be listening before the ready
	// handshake fires: Controller.Exec dials it as soon as Start() returns,
	// which happens right after the host accepts the ready connection below
	// (spec.md §4.10 data flow: "create VMM instance → guest boots →
	// ready-socket handshake → persist Running").
	stopTransport, err := serveTransport(spec.TransportEndpoint, instance)
	if err != nil {
		writeErrorExit(spec.ExitFilePath, err)
		return fmt.Errorf("start transport server: %w", err)
	}
	defer stopTransport()

	if err := signalReady(ctx, spec.ReadySocket); err != nil {
		writeErrorExit(spec.ExitFilePath, err)
		return fmt.Errorf("signal ready: %w", err)
	}
	logger.Info(ctx, "ready handshake complete")

	installGracefulShutdown(spec.TransportEndpoint)

	if !spec.Detach {
		startWatchdog(ctx, spec.ParentPID)
	} else {
		logger.Info(ctx, "running detached, no watchdog")
	}

	if err := instance.Enter(ctx); err != nil {
		writeErrorExit(spec.ExitFilePath, err)
		return fmt.Errorf("instance exited with error: %w", err)
	}
	writeNormalExit(spec.ExitFilePath, 0)
	return nil
}

func loadSpec(path string) (*types.InstanceSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a controller-written temp file
	if err != nil {
		return nil, fmt.Errorf("read instance spec: %w", err)
	}
	var spec types.InstanceSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse instance spec: %w", err)
	}
	return &spec, nil
}

// setupLogging mirrors cocoon's log.SetupLog call in cmd/root.go, pointed
// at the box's own logs/boxlite-shim.log instead of the host daemon's
// log file, so each box's shim has an independent rotated log.
func setupLogging(homeDir string) (func(), error) {
	logsDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logsDir, 0o750); err != nil { //nolint:mnd
		return nil, err
	}
	logFile := filepath.Join(logsDir, "boxlite-shim.log")
	conf := coretypes.ServerLogConfig{
		Level:      "info",
		MaxSize:    100, //nolint:mnd
		MaxAge:     28,  //nolint:mnd
		MaxBackups: 3,   //nolint:mnd
	}
	if err := log.SetupLog(context.Background(), conf, logFile); err != nil {
		return nil, err
	}
	return func() {}, nil
}

func applySeccomp(ctx context.Context, spec *types.InstanceSpec) error {
	logger := log.WithFunc("shim.applySeccomp")
	if !spec.JailerEnabled {
		logger.Warnf(ctx, "jailer disabled for box %s, running without process isolation", spec.BoxID)
		return nil
	}
	if !spec.SeccompEnabled {
		logger.Warnf(ctx, "seccomp disabled for box %s, running without syscall filtering", spec.BoxID)
		return nil
	}
	if err := sandbox.LockAndApply(sandbox.SeccompVMM); err != nil {
		return fmt.Errorf("apply seccomp filter: %w", err)
	}
	logger.Infof(ctx, "seccomp filter applied for box %s", spec.BoxID)
	return nil
}

func writeErrorExit(path string, err error) {
	writeExit(path, types.ErrorExit(1, err.Error()))
}

func writeNormalExit(path string, code int) {
	writeExit(path, types.NormalExit(code))
}

func writeExit(path string, info types.ExitInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o640) //nolint:gosec,mnd
}
