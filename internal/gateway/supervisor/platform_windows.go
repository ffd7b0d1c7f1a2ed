//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// killTree terminates the process and its descendants via taskkill /T.
func killTree(pid int) {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killOrphans finds gateway processes by image name via tasklist and
// terminates their trees. The pattern's first token is taken as the binary
// name; wmic-style command-line matching is not portable across Windows
// versions, so image-name matching is the practical signature here.
func killOrphans(log *logger.Logger, pattern string, excludePids ...int) int {
	image := pattern
	if i := strings.IndexByte(pattern, ' '); i > 0 {
		image = pattern[:i]
	}
	if !strings.HasSuffix(strings.ToLower(image), ".exe") {
		image += ".exe"
	}

	out, err := exec.Command("tasklist", "/FO", "CSV", "/NH", "/FI", "IMAGENAME eq "+image).Output()
	if err != nil {
		return 0
	}

	excluded := make(map[int]bool, len(excludePids))
	for _, pid := range excludePids {
		excluded[pid] = true
	}

	killed := 0
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\",\"")
		if len(fields) < 2 {
			continue
		}
		pid, convErr := strconv.Atoi(strings.Trim(fields[1], "\""))
		if convErr != nil || pid <= 0 || excluded[pid] {
			continue
		}
		log.Warn("killing orphaned gateway process", zap.Int("pid", pid))
		if killErr := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); killErr == nil {
			killed++
		}
	}
	return killed
}
