//go:build linux

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/boxlite/boxlite/internal/boxerr"
)

// bwrapBinary is the bubblewrap binary name, resolved via PATH.
const bwrapBinary = "bwrap"

// Linux isolates boxes using bubblewrap: a fresh mount/pid/ipc/uts
// namespace per box with an explicit allow-list of bind mounts, grounded
// on the original jailer's "deny by default, allow-list host paths"
// model (spec.md §4.6, I9).
type Linux struct{}

// IsAvailable implements Sandbox.
func (*Linux) IsAvailable() bool {
	_, err := exec.LookPath(bwrapBinary)
	return err == nil
}

// Setup implements Sandbox: probes that unprivileged user namespaces are
// usable, since bubblewrap silently falls back to an unsandboxed mode
// otherwise and spec.md I9 requires the jailer to fail loudly instead.
func (*Linux) Setup(ctx context.Context, sc Context) error {
	if !sc.Enabled {
		return nil
	}
	probe := exec.CommandContext(ctx, bwrapBinary, "--unshare-user", "--unshare-pid", "true")
	if out, err := probe.CombinedOutput(); err != nil {
		return boxerr.New(boxerr.Config, "sandbox",
			"unprivileged user namespaces unavailable (%v): enable with "+
				"'sysctl -w kernel.unprivileged_userns_clone=1' or run boxlite setcap/setuid: %s", err, out)
	}
	return nil
}

// Wrap implements Sandbox: builds a bwrap argv from sc, allow-listing
// RunDir (read-write), ShimDir (read-only) and every volume path, denying
// everything else by default.
func (*Linux) Wrap(_ context.Context, sc Context, binary string, args []string) (*exec.Cmd, error) {
	if !sc.Enabled {
		return exec.Command(binary, args...), nil //nolint:gosec
	}
	bwArgs := []string{
		"--die-with-parent",
		"--new-session",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--proc", "/proc",
		"--dev", "/dev",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--ro-bind", "/usr", "/usr",
	}
	if sc.RunDir != "" {
		bwArgs = append(bwArgs, "--bind", sc.RunDir, sc.RunDir)
	}
	if sc.ShimDir != "" {
		bwArgs = append(bwArgs, "--ro-bind", sc.ShimDir, sc.ShimDir)
	}
	for _, pa := range sc.PathAccess {
		if _, err := os.Stat(pa.Path); err != nil {
			continue
		}
		flag := "--ro-bind"
		if pa.Writable {
			flag = "--bind"
		}
		bwArgs = append(bwArgs, flag, pa.Path, pa.Path)
	}
	bwArgs = append(bwArgs, "--chdir", sc.RunDir, binary)
	bwArgs = append(bwArgs, args...)
	return exec.Command(bwrapBinary, bwArgs...), nil //nolint:gosec
}

// CGroupProcsPath implements Sandbox: the cgroup.procs path of a per-box
// cgroup under boxlite's slice. It only computes the path; nothing in this
// build creates that cgroup or writes a PID into it.
func (*Linux) CGroupProcsPath(sc Context) string {
	if sc.RunDir == "" {
		return ""
	}
	return filepath.Join("/sys/fs/cgroup/boxlite", filepath.Base(sc.RunDir), "cgroup.procs")
}
