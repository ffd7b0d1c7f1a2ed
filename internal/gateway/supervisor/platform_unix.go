//go:build !windows

package supervisor

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// killTree sends SIGKILL to the entire process group. The gateway is started
// with Setpgid, so its PID equals its PGID and killing -pid takes down all
// descendants that haven't created their own group.
func killTree(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Fallback: kill the single process if group kill fails
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// killOrphans finds processes whose command line matches pattern via pgrep
// and SIGKILLs their process groups. Returns the number of processes killed.
func killOrphans(log *logger.Logger, pattern string, excludePids ...int) int {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches
		return 0
	}

	excluded := make(map[int]bool, len(excludePids))
	for _, pid := range excludePids {
		excluded[pid] = true
	}

	killed := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr != nil || pid <= 0 || excluded[pid] {
			continue
		}
		log.Warn("killing orphaned gateway process", zap.Int("pid", pid))
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		killed++
	}
	return killed
}
