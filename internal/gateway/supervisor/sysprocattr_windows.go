//go:build windows

package supervisor

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	// New process group so Ctrl+C in the parent console doesn't propagate.
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
