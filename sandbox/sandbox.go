// Package sandbox implements the sandbox/jailer capability (C6): host
// isolation behind a small interface, translating user-facing
// SecurityOptions into an internal, platform-agnostic SandboxContext.
// Grounded on spec.md §4.6 and the original Rust jailer (pre-exec hook,
// userns preflight, bubblewrap argv shape), expressed in the teacher's
// idiom of a small capability interface plus build-tagged implementations.
package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"runtime"

	"github.com/boxlite/boxlite/types"
)

// PathAccess is one path-access rule computed from SecurityOptions.
type PathAccess struct {
	Path     string
	Writable bool
}

// Context is the box-agnostic translation of SecurityOptions: a
// pre-computed rule set. Sandbox implementations never see raw
// SecurityOptions (spec.md §4.6).
type Context struct {
	Enabled        bool
	SeccompEnabled bool
	NetworkShared  bool // network namespace kept shared (user-mode networking)
	PathAccess     []PathAccess
	ResourceLimits types.ResourceLimits
	RunDir         string // per-box home, always bind-mounted read-write
	ShimDir        string // shim binary's directory, always bind-mounted read-only
}

// Translate converts SecurityOptions into a Context, the one place
// box-specific details (volumes) are turned into generic path rules.
func Translate(opts types.SecurityOptions, runDir, shimDir string) Context {
	ctx := Context{
		Enabled:        opts.JailerEnabled,
		SeccompEnabled: opts.SeccompEnabled,
		NetworkShared:  opts.NetworkEnabled,
		ResourceLimits: opts.ResourceLimits,
		RunDir:         runDir,
		ShimDir:        shimDir,
	}
	for _, v := range opts.Volumes {
		ctx.PathAccess = append(ctx.PathAccess, PathAccess{Path: v.HostPath, Writable: !v.ReadOnly})
	}
	return ctx
}

// Sandbox abstracts host isolation.
type Sandbox interface {
	// IsAvailable reports whether this sandbox can run on the current host.
	IsAvailable() bool
	// Setup preflights the sandbox before the first spawn (the Linux
	// implementation probes user-namespace support; none creates a cgroup).
	Setup(ctx context.Context, sc Context) error
	// Wrap returns a *exec.Cmd that will run binary/args under isolation.
	Wrap(ctx context.Context, sc Context, binary string, args []string) (*exec.Cmd, error)
	// CGroupProcsPath returns the platform-specific cgroup.procs path the
	// pre-exec hook writes the child's PID into, or "" if unsupported.
	CGroupProcsPath(sc Context) string
}

// Default returns the sandbox implementation appropriate for the current
// platform: bubblewrap on Linux, seatbelt on Darwin (stubbed — see
// DESIGN.md Open Question), Noop elsewhere or when disabled.
func Default() Sandbox {
	switch runtime.GOOS {
	case "linux":
		return &Linux{}
	case "darwin":
		return &Darwin{}
	default:
		return &Noop{}
	}
}

// errUnsupported is returned by sandbox implementations that are wired up
// but cannot honor JailerEnabled on the current platform.
var errUnsupported = errors.New("sandbox: not supported on this platform")

// Noop is a passthrough sandbox for unsupported platforms or when disabled.
type Noop struct{}

func (*Noop) IsAvailable() bool { return true }
func (*Noop) Setup(context.Context, Context) error { return nil }
func (*Noop) Wrap(_ context.Context, _ Context, binary string, args []string) (*exec.Cmd, error) {
	return exec.Command(binary, args...), nil //nolint:gosec
}
func (*Noop) CGroupProcsPath(Context) string { return "" }
