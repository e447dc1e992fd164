// Package engine implements the VMM engine adapter (C8): a small registry
// of pluggable VMM implementations keyed by types.EngineKind, so the core
// never switches on engine kind directly (spec.md §9 "trait objects for
// engines ... mirrors the source's inventory pattern without requiring a
// language-specific macro"). Grounded on cocoon's hypervisor.Hypervisor
// interface and its RegisterGC/New(conf) construction idiom, generalized
// from "one hypervisor implementation" to "a build-time registry of many".
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/types"
)

// Engine creates Instances for a single VMM kind.
type Engine interface {
	Kind() types.EngineKind
	Create(ctx context.Context, spec *types.InstanceSpec) (Instance, error)
}

// Instance is a running (or about-to-run) VMM instance.
type Instance interface {
	// Enter starts the VMM and blocks until it exits; it may never return
	// if the VMM runs for the lifetime of the process (spec.md §4.8).
	Enter(ctx context.Context) error
	// Stats returns a point-in-time resource snapshot, when the engine
	// supports it (supplemented feature from boxlite-cli's stats command).
	Stats(ctx context.Context) (Stats, error)
}

// Stats is a resource usage snapshot returned by Instance.Stats. No
// boxlite CLI command reads it.
type Stats struct {
	CPUPercent float64
	MemoryMiB  int64
}

// ExecRequest is a single command run against an already-created instance,
// independent of its main Enter() process — the exec() RPC the shim's
// transport server (C7) drives over box.sock (spec.md §4.10 exec()).
type ExecRequest struct {
	Cmd    []string
	Env    map[string]string
	Dir    string
	User   string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Execer is implemented by engines that can run additional commands inside
// a running instance. An engine whose exec path runs entirely inside the
// guest over its own RPC channel (unreachable from this process) simply
// doesn't implement it; the transport server reports exec unsupported.
type Execer interface {
	Exec(ctx context.Context, req ExecRequest) (exitCode int, err error)
}

var (
	mu       sync.RWMutex
	registry = map[types.EngineKind]Engine{}
)

// Register adds e to the registry, keyed by e.Kind(). Engines self-register
// at package init time (see engine/mock), mirroring cocoon's pattern of
// each hypervisor backend providing its own New/RegisterGC.
func Register(e Engine) {
	mu.Lock()
	defer mu.Unlock()
	registry[e.Kind()] = e
}

// Get resolves a registered engine by kind.
func Get(kind types.EngineKind) (Engine, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[kind]
	if !ok {
		return nil, boxerr.New(boxerr.Config, string(kind), "no VMM engine registered for kind %q", kind)
	}
	return e, nil
}

// Kinds lists every registered engine kind, for CLI help text and validation.
func Kinds() []types.EngineKind {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]types.EngineKind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// ErrUnsupportedPlatform is returned by engines that are registered but
// cannot run on the current GOOS/GOARCH.
var ErrUnsupportedPlatform = fmt.Errorf("engine: unsupported platform")
