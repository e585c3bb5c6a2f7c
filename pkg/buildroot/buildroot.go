package buildroot

import (
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"
	"golang.org/x/sys/unix"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// BuildRoot is the top-level working directory of one build attempt. It
// owns the chroot, checkpoint area, state log, logs and output. Opening it
// takes a non-blocking advisory lock so two pipelines can never target the
// same root at once.
type BuildRoot struct {
	Path    string
	BuildID string

	lock *os.File
}

// Open prepares the on-disk layout and acquires the lock. A lock held by
// another process is fatal for the caller, not something to wait out.
func Open(path string) (*BuildRoot, error) {
	for _, dir := range []string{"", cnst.ChrootDir, cnst.CheckpointsDir, cnst.LogsDir, cnst.OutputDir, cnst.StagingDir} {
		if err := internalUtils.CreateIfNotExists(filepath.Join(path, dir)); err != nil {
			return nil, err
		}
	}

	lock, err := os.OpenFile(filepath.Join(path, cnst.LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		return nil, cnst.ErrBuildRootLocked
	}

	id, err := uuid.NewV4()
	if err != nil {
		_ = lock.Close()
		return nil, err
	}

	return &BuildRoot{Path: path, BuildID: id.String(), lock: lock}, nil
}

// Close releases the advisory lock.
func (b *BuildRoot) Close() error {
	if b.lock == nil {
		return nil
	}
	_ = unix.Flock(int(b.lock.Fd()), unix.LOCK_UN)
	err := b.lock.Close()
	b.lock = nil
	return err
}

func (b *BuildRoot) ChrootPath() string  { return filepath.Join(b.Path, cnst.ChrootDir) }
func (b *BuildRoot) LogsPath() string    { return filepath.Join(b.Path, cnst.LogsDir) }
func (b *BuildRoot) OutputPath() string  { return filepath.Join(b.Path, cnst.OutputDir) }
func (b *BuildRoot) StagingPath() string { return filepath.Join(b.Path, cnst.StagingDir) }
