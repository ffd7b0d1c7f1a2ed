//go:build linux

package supervisor

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// New process group so kill(-pid) reaches the whole tree.
		Setpgid: true,
		// Kernel kills the gateway if this process dies without cleanup.
		Pdeathsig: syscall.SIGKILL,
	}
}
