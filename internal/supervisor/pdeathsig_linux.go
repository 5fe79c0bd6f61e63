//go:build linux

package supervisor

import "syscall"

// sysProcAttr arms PR_SET_PDEATHSIG on spawned workers: the kernel delivers
// SIGTERM to a child whose parent exits, closing the signal-forwarding gap if
// the supervisor itself is killed without a chance to stop its children.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
