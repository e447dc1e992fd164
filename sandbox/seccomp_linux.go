//go:build linux

package sandbox

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/boxlite/boxlite/internal/boxerr"
)

// SeccompProfile names one of the two fixed seccomp-bpf filters the shim
// installs on itself before handing control to the VMM (spec.md §4.6,
// mirrored from the original jailer's two profiles: one for the VMM
// control thread, a tighter one for vcpu threads that never need mmap
// PROT_EXEC or process-creation syscalls again after boot).
type SeccompProfile string

const (
	SeccompVMM  SeccompProfile = "vmm"
	SeccompVCPU SeccompProfile = "vcpu"
)

// deniedSyscalls lists syscalls each profile refuses outright (SECCOMP_RET_KILL_PROCESS).
// The vcpu profile is strictly narrower: once a vcpu thread is parked in
// the KVM run loop it has no legitimate reason to fork, exec, or open files.
var deniedSyscalls = map[SeccompProfile][]int{
	SeccompVMM: {
		unix.SYS_PTRACE,
		unix.SYS_KEXEC_LOAD,
		unix.SYS_REBOOT,
		unix.SYS_MOUNT,
		unix.SYS_UMOUNT2,
		unix.SYS_PIVOT_ROOT,
	},
	SeccompVCPU: {
		unix.SYS_PTRACE,
		unix.SYS_KEXEC_LOAD,
		unix.SYS_REBOOT,
		unix.SYS_MOUNT,
		unix.SYS_UMOUNT2,
		unix.SYS_PIVOT_ROOT,
		unix.SYS_EXECVE,
		unix.SYS_EXECVEAT,
		unix.SYS_FORK,
		unix.SYS_VFORK,
		unix.SYS_CLONE,
		unix.SYS_OPEN,
		unix.SYS_OPENAT,
	},
}

// Apply installs profile on the calling OS thread. Must run locked to one
// OS thread (runtime.LockOSThread) before calling, since seccomp filters
// are per-thread and Go reuses goroutine-to-thread mapping freely.
func Apply(profile SeccompProfile) error {
	denied, ok := deniedSyscalls[profile]
	if !ok {
		return boxerr.New(boxerr.Config, string(profile), "unknown seccomp profile")
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return boxerr.Wrap(boxerr.Engine, string(profile), err)
	}
	prog := assembleFilter(denied)
	if err := installFilter(prog); err != nil {
		return boxerr.Wrap(boxerr.Engine, string(profile), err)
	}
	return nil
}

// LockAndApply locks the calling goroutine to its OS thread before
// installing profile, since seccomp filters are per-thread and Go reuses
// goroutine-to-thread mapping freely otherwise. The caller's goroutine
// never unlocks: the shim's main goroutine holds the filter for the rest
// of the process's life, matching main.rs applying the filter once before
// handing control to the VMM.
func LockAndApply(profile SeccompProfile) error {
	runtime.LockOSThread()
	return Apply(profile)
}

// assembleFilter builds a classic BPF program: load the syscall number,
// compare against each denied syscall (kill on match), allow otherwise.
func assembleFilter(denied []int) []unix.SockFilter {
	const (
		bpfLdSyscallNr = unix.BPF_LD | unix.BPF_W | unix.BPF_ABS
		bpfJeqK        = unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K
		bpfRet         = unix.BPF_RET | unix.BPF_K
	)
	prog := []unix.SockFilter{
		{Code: bpfLdSyscallNr, K: 0}, // offsetof(seccomp_data, nr), 0 on amd64/arm64 layouts used by the runtime
	}
	for i, sc := range denied {
		jt := uint8(len(denied) - i) // every match lands on the same kill instruction (index len(denied)+2)
		prog = append(prog, unix.SockFilter{Code: bpfJeqK, K: uint32(sc), Jt: jt, Jf: 0})
	}
	for range denied {
		prog = append(prog, unix.SockFilter{Code: bpfRet, K: unix.SECCOMP_RET_KILL_PROCESS})
	}
	prog = append(prog, unix.SockFilter{Code: bpfRet, K: unix.SECCOMP_RET_ALLOW})
	return prog
}

// installFilter loads prog via the seccomp(2) syscall directly: x/sys/unix
// has no SeccompSetFilter helper (unlike its ptrace/prctl wrappers), so this
// mirrors what libseccomp itself does under the hood.
func installFilter(prog []unix.SockFilter) error {
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	const seccompSetModeFilter = 1
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, 0, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return errno
	}
	return nil
}
