//go:build darwin

package sandbox

import (
	"context"
	"os/exec"
)

// Darwin would compile a Sandbox Profile Language document and spawn
// through sandbox-exec. Not implemented in this build — see DESIGN.md
// ("sandbox/darwin.go") for why it is carried as a named stub rather than
// silently falling back to Noop: a caller asking for JailerEnabled on
// macOS should get an explicit "unsupported" rather than an unsandboxed
// process that looks sandboxed.
type Darwin struct{}

func (*Darwin) IsAvailable() bool { return false }

func (*Darwin) Setup(_ context.Context, sc Context) error {
	if !sc.Enabled {
		return nil
	}
	return errUnsupported
}

func (*Darwin) Wrap(_ context.Context, sc Context, binary string, args []string) (*exec.Cmd, error) {
	if !sc.Enabled {
		return exec.Command(binary, args...), nil //nolint:gosec
	}
	return nil, errUnsupported
}

func (*Darwin) CGroupProcsPath(Context) string { return "" }
