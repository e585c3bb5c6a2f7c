package mount

import (
	"path/filepath"

	"github.com/containerd/containerd/mount"
	"github.com/moby/sys/mountinfo"
	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// pseudoFS describes one kernel filesystem bound into the chroot.
type pseudoFS struct {
	RelPath string
	Type    string
	Source  string
	Options []string
}

// pseudoSet returns the mount specs in bind order, parents before children.
func pseudoSet() []pseudoFS {
	return []pseudoFS{
		{RelPath: "proc", Type: "proc", Source: "proc", Options: []string{"nosuid", "noexec", "nodev"}},
		{RelPath: "sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev"}},
		{RelPath: "dev", Type: "devtmpfs", Source: "devtmpfs", Options: []string{"mode=0755", "nosuid"}},
		{RelPath: "dev/pts", Type: "devpts", Source: "devpts", Options: []string{"gid=5", "mode=620"}},
		{RelPath: "dev/shm", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
		{RelPath: "run", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=0755"}},
		{RelPath: "tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
	}
}

// Mount binds the pseudo-filesystem set into the chroot. Targets that are
// already mounted are skipped, so any stage can call this before privileged
// work without tracking who mounted first.
func (b *Binder) Mount() error {
	for _, pfs := range pseudoSet() {
		target := filepath.Join(b.chroot, pfs.RelPath)
		l := internalUtils.Log.With().Str("what", pfs.Source).Str("where", target).Str("type", pfs.Type).Logger()

		if err := internalUtils.CreateIfNotExists(target); err != nil {
			l.Err(err).Msg("Creating mountpoint dir")
			return err
		}

		mounted, err := mountinfo.Mounted(target)
		if err != nil {
			l.Err(err).Msg("Checking mount status")
			return err
		}
		if mounted {
			l.Debug().Msg("Already mounted, skipping")
			continue
		}

		err = mount.All([]mount.Mount{{
			Type:    pfs.Type,
			Source:  pfs.Source,
			Options: pfs.Options,
		}}, target)
		if err != nil {
			l.Err(err).Msg("Mounting pseudo filesystem")
			return err
		}
		l.Debug().Msg("Mounted")
	}
	return nil
}

// MountSet returns mount table entries rooted at the chroot path, deepest
// first. This is the authoritative view, not an in-memory bookkeeping list,
// so it survives a crash and restart.
func (b *Binder) MountSet() ([]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(b.chroot))
	if err != nil {
		return nil, err
	}
	var set []string
	for _, info := range infos {
		set = append(set, info.Mountpoint)
	}
	// Deepest paths first so unmounting in slice order releases children
	// before their parents.
	for i, j := 0, len(set)-1; i < j; i, j = i+1, j-1 {
		set[i], set[j] = set[j], set[i]
	}
	return set, nil
}

// expectedTargets returns the managed mountpoints in reverse bind order.
func (b *Binder) expectedTargets() []string {
	pseudo := cnst.PseudoFilesystems()
	targets := make([]string, 0, len(pseudo))
	for i := len(pseudo) - 1; i >= 0; i-- {
		targets = append(targets, filepath.Join(b.chroot, pseudo[i]))
	}
	return targets
}
