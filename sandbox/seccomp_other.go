//go:build !linux

package sandbox

// SeccompProfile names a seccomp-bpf filter; only meaningful on Linux.
type SeccompProfile string

const (
	SeccompVMM  SeccompProfile = "vmm"
	SeccompVCPU SeccompProfile = "vcpu"
)

// LockAndApply is a no-op outside Linux: seccomp-bpf has no equivalent
// here, so the jailer's syscall-filtering layer is simply unavailable
// (the bubblewrap/Noop split in sandbox.go already governs process
// isolation on this platform).
func LockAndApply(SeccompProfile) error { return nil }
