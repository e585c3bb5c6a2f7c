package chroot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
	"github.com/ultrathink-os/liveforge/pkg/mount"
)

// Binder is what the lifecycle needs from the mount subsystem.
type Binder interface {
	Mount() error
	Unmount() (mount.Result, error)
	MountSet() ([]string, error)
}

// Chroot is the managed secondary filesystem tree. It is the single
// authority over creation, verification and destruction; stages never touch
// the directory directly.
type Chroot struct {
	Path   string
	binder Binder
}

func New(path string) *Chroot {
	return &Chroot{
		Path:   path,
		binder: mount.NewBinder(path),
	}
}

// Binder exposes the mount set owner so the pipeline can share it with the
// interrupt handler.
func (c *Chroot) Binder() Binder { return c.binder }

// Exists reports whether the chroot directory is present at all.
func (c *Chroot) Exists() bool {
	info, err := os.Stat(c.Path)
	return err == nil && info.IsDir()
}

// Created reports whether the creation stage finished here, based on the
// completion marker it writes last.
func (c *Chroot) Created() bool {
	_, err := os.Stat(filepath.Join(c.Path, cnst.BootstrapCompleteMarker))
	return err == nil
}

// CreatedAt returns the bootstrap timestamp recorded at creation time.
func (c *Chroot) CreatedAt() (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(c.Path, cnst.BootstrapTimestampMarker))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(raw))
}

// Verify checks structural validity: required top-level directories plus
// essential binaries. Anything missing makes the tree invalid. Verify never
// mutates; recreation decisions belong to the designated creation stage.
func (c *Chroot) Verify() error {
	if !c.Exists() {
		return cnst.ErrChrootMissing
	}

	var merr *multierror.Error
	for _, dir := range cnst.RequiredChrootDirs() {
		full := filepath.Join(c.Path, dir)
		info, err := os.Stat(full)
		if err != nil || !info.IsDir() {
			merr = multierror.Append(merr, fmt.Errorf("missing required directory %s", dir))
		}
	}

	for _, alternatives := range cnst.EssentialBinaries() {
		found := false
		for _, bin := range alternatives {
			if _, err := os.Stat(filepath.Join(c.Path, bin)); err == nil {
				found = true
				break
			}
		}
		if !found {
			merr = multierror.Append(merr, fmt.Errorf("missing essential binary, tried %v", alternatives))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		internalUtils.Log.Err(err).Str("chroot", c.Path).Msg("Structural verification failed")
		return multierror.Append(cnst.ErrChrootInvalid, err)
	}
	internalUtils.Log.Debug().Str("chroot", c.Path).Msg("Structural verification passed")
	return nil
}

// Destroy terminates processes holding the chroot, releases the mount set
// and removes the tree. If files resist removal, permissions are widened
// once and the removal retried. Success strictly means the directory is
// gone; anything else is an error.
func (c *Chroot) Destroy() error {
	if !c.Exists() {
		internalUtils.Log.Debug().Str("chroot", c.Path).Msg("Destroy: nothing there")
		return nil
	}

	killed, err := mount.KillChrootProcesses(c.Path, cnst.KillGraceSeconds*time.Second)
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Scanning chroot holders")
	}
	if killed > 0 {
		internalUtils.Log.Info().Int("count", killed).Msg("Terminated processes before destroy")
	}

	// The mount set must be fully released before anything is removed:
	// walking RemoveAll into a live mount deletes through it.
	res, err := c.binder.Unmount()
	if err != nil || res != mount.ResultSuccess {
		internalUtils.Log.Warn().Err(err).Str("result", res.String()).Msg("Mount set not released, refusing to remove the tree")
		return multierror.Append(cnst.ErrDestroyIncomplete, cnst.ErrResidualMounts)
	}
	set, err := c.binder.MountSet()
	if err != nil {
		return multierror.Append(cnst.ErrDestroyIncomplete, err)
	}
	if len(set) > 0 {
		internalUtils.Log.Warn().Strs("mounts", set).Msg("Residual mounts under chroot, refusing to remove the tree")
		return multierror.Append(cnst.ErrDestroyIncomplete, cnst.ErrResidualMounts)
	}

	err = retry.Do(
		func() error { return os.RemoveAll(c.Path) },
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(_ uint, err error) {
			internalUtils.Log.Warn().Err(err).Msg("Removal failed, widening permissions and retrying")
			c.widenPermissions()
		}),
	)
	if err != nil {
		return multierror.Append(cnst.ErrDestroyIncomplete, err)
	}

	// Never report success while the directory still exists.
	if c.Exists() {
		return cnst.ErrDestroyIncomplete
	}
	internalUtils.Log.Info().Str("chroot", c.Path).Msg("Chroot destroyed")
	return nil
}

func (c *Chroot) widenPermissions() {
	_ = filepath.WalkDir(c.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = os.Chmod(path, 0755)
		} else {
			_ = os.Chmod(path, 0644)
		}
		return nil
	})
}

// TreeSize walks the chroot and totals regular file sizes, for the
// post-create report.
func (c *Chroot) TreeSize() int64 {
	var total int64
	_ = filepath.WalkDir(c.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
