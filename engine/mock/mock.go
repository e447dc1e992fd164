// Package mock registers a fake VMM engine used by the test suite and by
// any box whose BoxConfig.Engine is types.EngineMock (the boxlite CLI has
// no flag that selects it). It "runs" an instance by executing the
// entrypoint directly on the host inside the configured filesystem shares,
// standing in for a real libkrun/firecracker VMM boundary.
package mock

import (
	"context"
	"os/exec"
	"time"

	"github.com/boxlite/boxlite/engine"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/types"
)

func init() {
	engine.Register(&Engine{})
}

// Engine is the mock VMM engine.
type Engine struct{}

// Kind implements engine.Engine.
func (*Engine) Kind() types.EngineKind { return types.EngineMock }

// Create implements engine.Engine.
func (e *Engine) Create(_ context.Context, spec *types.InstanceSpec) (engine.Instance, error) {
	if len(spec.Entrypoint) == 0 {
		return nil, boxerr.New(boxerr.InvalidArgument, spec.BoxID, "instance spec has no entrypoint")
	}
	return &instance{spec: spec}, nil
}

type instance struct {
	spec      *types.InstanceSpec
	startedAt time.Time
}

// Enter implements engine.Instance: runs the entrypoint as a host process
// and blocks until it exits or ctx is done. It sets no time limit of its
// own; the only bound is the caller's ctx.
func (i *instance) Enter(ctx context.Context) error {
	i.startedAt = time.Now()
	cmd := exec.CommandContext(ctx, i.spec.Entrypoint[0], i.spec.Entrypoint[1:]...) //nolint:gosec
	cmd.Dir = i.spec.HomeDir
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return boxerr.New(boxerr.Engine, i.spec.BoxID, "mock instance exited %d", exitErr.ExitCode())
		}
		return boxerr.Wrap(boxerr.Engine, i.spec.BoxID, err)
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Stats implements engine.Instance with a placeholder snapshot; real
// cpu/memory accounting is a concern of whichever real engine is wired in.
func (i *instance) Stats(_ context.Context) (engine.Stats, error) {
	return engine.Stats{}, nil
}

// Exec implements engine.Execer the same way Enter runs the main
// entrypoint: directly on the host inside the box's home directory,
// standing in for a real guest-side exec RPC.
func (i *instance) Exec(ctx context.Context, req engine.ExecRequest) (int, error) {
	if len(req.Cmd) == 0 {
		return -1, boxerr.New(boxerr.InvalidArgument, i.spec.BoxID, "exec: empty command")
	}
	dir := i.spec.HomeDir
	if req.Dir != "" {
		dir = req.Dir
	}
	cmd := exec.CommandContext(ctx, req.Cmd[0], req.Cmd[1:]...) //nolint:gosec
	cmd.Dir = dir
	cmd.Env = envSlice(req.Env)
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if asExitError(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
