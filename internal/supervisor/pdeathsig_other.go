//go:build !linux

package supervisor

import "syscall"

// Parent-death signaling is Linux-only; elsewhere workers rely on the
// supervisor's normal shutdown path.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
