package chroot

import (
	"os"
	"syscall"

	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// RunCallback executes the callback with the process root switched into the
// chroot, restoring the original root and working directory afterwards. The
// pseudo-filesystem set is bound on demand and released again when this call
// did the binding; a set mounted by the surrounding stage is left alone.
func (c *Chroot) RunCallback(callback func() error) (err error) {
	var currentPath string
	var oldRootF *os.File

	currentPath, err = os.Getwd()
	if err != nil {
		internalUtils.Log.Err(err).Msg("Failed to get current path")
		return err
	}
	defer func() {
		tmpErr := os.Chdir(currentPath)
		if err == nil && tmpErr != nil {
			err = tmpErr
		}
	}()

	oldRootF, err = os.Open("/")
	if err != nil {
		internalUtils.Log.Err(err).Msg("Can't open current root")
		return err
	}
	defer oldRootF.Close()

	set, err := c.binder.MountSet()
	if err != nil {
		return err
	}
	if len(set) == 0 {
		if err = c.binder.Mount(); err != nil {
			internalUtils.Log.Err(err).Msg("Can't bind pseudo filesystems")
			return err
		}
		defer func() {
			_, tmpErr := c.binder.Unmount()
			if err == nil {
				err = tmpErr
			}
		}()
	}

	err = syscall.Chdir(c.Path)
	if err != nil {
		internalUtils.Log.Err(err).Str("path", c.Path).Msg("Can't chdir")
		return err
	}

	err = syscall.Chroot(c.Path)
	if err != nil {
		internalUtils.Log.Err(err).Str("path", c.Path).Msg("Can't chroot")
		return err
	}

	defer func() {
		tmpErr := oldRootF.Chdir()
		if tmpErr != nil {
			internalUtils.Log.Err(tmpErr).Msg("Can't change to old root dir")
			if err == nil {
				err = tmpErr
			}
		} else {
			tmpErr = syscall.Chroot(".")
			if tmpErr != nil {
				internalUtils.Log.Err(tmpErr).Msg("Can't chroot back to old root")
				if err == nil {
					err = tmpErr
				}
			}
		}
	}()

	return callback()
}

// Run executes a shell command inside the chroot and returns its combined
// output. The command gets a sane PATH regardless of how the build was
// launched.
func (c *Chroot) Run(command string) (string, error) {
	var err error
	var out string
	callback := func() error {
		out, err = internalUtils.CommandWithPath("export DEBIAN_FRONTEND=noninteractive; " + command)
		return err
	}
	err = c.RunCallback(callback)
	if err != nil {
		internalUtils.Log.Err(err).Str("cmd", command).Msg("Can't run command in chroot")
	}
	return out, err
}
