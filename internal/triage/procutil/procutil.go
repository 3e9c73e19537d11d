// Package procutil inspects supervisor processes recorded in run.pid files.
package procutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	return !PIDZombie(ctx, pid)
}

// PIDZombie reports whether a process has exited but not been reaped.
func PIDZombie(ctx context.Context, pid int) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	states, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range states {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

// ReadPIDFile parses a pid file. A missing file returns 0 and no error.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("parse %s: empty pid", path)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	return pid, nil
}
