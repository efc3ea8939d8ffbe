package bridge

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/util"
)

// waitForSystemTimeSync polls timedatectl for up to a minute so the device
// clock is not seeded from an unsynchronized host. It never blocks startup
// permanently: systems without systemd, and any polling error, fall through
// immediately.
func waitForSystemTimeSync(shouldExit func() bool) {
	for attempts := 0; attempts < 60 && !shouldExit(); attempts++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		out, err := exec.CommandContext(ctx, "timedatectl", "status").CombinedOutput()
		cancel()

		if errors.Is(err, exec.ErrNotFound) {
			util.Warn("timedatectl not found - skipping sync check and continuing")
			return
		}
		if err != nil {
			util.Warnf("Error checking time sync (%v). Continuing.", err)
			return
		}

		if strings.Contains(string(out), "System clock synchronized: yes") {
			return
		}
		util.Warnf("System clock is not synchronized: %s", strings.TrimSpace(string(out)))
		time.Sleep(time.Second)
	}
	util.Warn("Timed out waiting for system clock sync - continuing anyway")
}
