package mount

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// ChrootProcesses scans /proc for processes whose root, working directory or
// any open file lives under the chroot path. This is what keeps umount from
// failing with EBUSY forever.
func ChrootProcesses(chroot string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		if holdsPath(pid, chroot) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func holdsPath(pid int, prefix string) bool {
	base := filepath.Join("/proc", strconv.Itoa(pid))
	for _, link := range []string{"cwd", "root", "exe"} {
		if dest, err := os.Readlink(filepath.Join(base, link)); err == nil {
			if underPath(dest, prefix) {
				return true
			}
		}
	}
	fds, err := os.ReadDir(filepath.Join(base, "fd"))
	if err != nil {
		return false
	}
	for _, fd := range fds {
		if dest, err := os.Readlink(filepath.Join(base, "fd", fd.Name())); err == nil {
			if underPath(dest, prefix) {
				return true
			}
		}
	}
	return false
}

func underPath(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(os.PathSeparator))
}

// KillChrootProcesses sends SIGTERM to every process holding the chroot
// open, waits out the grace period, then SIGKILLs survivors. Returns how
// many processes were signalled. Best effort: a vanished pid is not an
// error.
func KillChrootProcesses(chroot string, grace time.Duration) (int, error) {
	pids, err := ChrootProcesses(chroot)
	if err != nil {
		return 0, err
	}
	if len(pids) == 0 {
		return 0, nil
	}

	for _, pid := range pids {
		internalUtils.Log.Debug().Int("pid", pid).Msg("Sending SIGTERM to chroot holder")
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	time.Sleep(grace)

	survivors, err := ChrootProcesses(chroot)
	if err != nil {
		return len(pids), err
	}
	for _, pid := range survivors {
		internalUtils.Log.Warn().Int("pid", pid).Msg("Escalating to SIGKILL")
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	return len(pids), nil
}
