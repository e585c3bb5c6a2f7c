package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/deniswernert/go-fstab"
	"github.com/kdomanski/iso9660"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// bootConfigStage prepares the tree for live boot: kernel and initramfs,
// fstab, live-boot configuration, and the GRUB config for the ISO.
type bootConfigStage struct{}

func (s *bootConfigStage) Name() string { return cnst.OpBootConfig }
func (s *bootConfigStage) Phase() int   { return 65 }
func (s *bootConfigStage) Fatal() bool  { return true }

func (s *bootConfigStage) Precondition(ctx *Context) error {
	return ctx.Chroot.Verify()
}

func (s *bootConfigStage) Run(ctx *Context) error {
	c := ctx.Chroot

	binder := c.Binder()
	if err := binder.Mount(); err != nil {
		return err
	}
	defer func() {
		if res, err := binder.Unmount(); err != nil {
			internalUtils.Log.Warn().Err(err).Str("result", res.String()).Msg("Unmount after boot configuration")
		}
	}()

	if out, err := c.Run("apt-get install -y linux-image-generic live-boot"); err != nil {
		return fmt.Errorf("installing kernel and live-boot: %w: %s", err, out)
	}

	if err := s.writeFstab(ctx); err != nil {
		return err
	}

	if err := c.WriteFile("etc/live/config.conf", "LIVE_HOSTNAME=\""+ctx.Hostname()+"\"\n", 0644); err != nil {
		return err
	}

	if out, err := c.Run("update-initramfs -u"); err != nil {
		return fmt.Errorf("update-initramfs: %w: %s", err, out)
	}

	if err := s.stageBootArtifacts(ctx); err != nil {
		return err
	}
	return s.writeGrubConfig(ctx)
}

// writeFstab renders /etc/fstab inside the chroot. A live system mounts its
// root from the squashfs, so only the kernel filesystems are listed.
func (s *bootConfigStage) writeFstab(ctx *Context) error {
	mounts := []*fstab.Mount{
		{Spec: "proc", File: "/proc", VfsType: "proc", MntOps: map[string]string{"defaults": ""}, Freq: 0, PassNo: 0},
		{Spec: "tmpfs", File: "/tmp", VfsType: "tmpfs", MntOps: map[string]string{"nosuid": "", "nodev": ""}, Freq: 0, PassNo: 0},
	}
	content := "# generated by liveforge\n"
	for _, m := range mounts {
		content += m.String() + "\n"
	}
	return ctx.Chroot.WriteFile("etc/fstab", content, 0644)
}

// stageBootArtifacts copies the newest kernel and initramfs out of the
// chroot into the staging tree the ISO is built from.
func (s *bootConfigStage) stageBootArtifacts(ctx *Context) error {
	liveDir := filepath.Join(ctx.BuildRoot.StagingPath(), "live")
	if err := internalUtils.CreateIfNotExists(liveDir); err != nil {
		return err
	}

	kernel, err := newestGlob(filepath.Join(ctx.Chroot.Path, "boot", "vmlinuz-*"))
	if err != nil {
		return fmt.Errorf("locating kernel: %w", err)
	}
	initrd, err := newestGlob(filepath.Join(ctx.Chroot.Path, "boot", "initrd.img-*"))
	if err != nil {
		return fmt.Errorf("locating initramfs: %w", err)
	}

	if err := copyFile(kernel, filepath.Join(liveDir, "vmlinuz")); err != nil {
		return err
	}
	if err := copyFile(initrd, filepath.Join(liveDir, "initrd.img")); err != nil {
		return err
	}
	internalUtils.Log.Info().Str("kernel", filepath.Base(kernel)).Str("initrd", filepath.Base(initrd)).Msg("Boot artifacts staged")
	return nil
}

func (s *bootConfigStage) writeGrubConfig(ctx *Context) error {
	grubDir := filepath.Join(ctx.BuildRoot.StagingPath(), "boot", "grub")
	if err := internalUtils.CreateIfNotExists(grubDir); err != nil {
		return err
	}
	cfg := fmt.Sprintf(`set default=0
set timeout=5

menuentry "%s (%s/%s)" {
    linux /live/vmlinuz boot=live quiet splash
    initrd /live/initrd.img
}

menuentry "%s (failsafe)" {
    linux /live/vmlinuz boot=live noapic noapm nodma nosmp vga=normal
    initrd /live/initrd.img
}
`, ctx.Hostname(), ctx.Release, ctx.Arch, ctx.Hostname())
	return os.WriteFile(filepath.Join(grubDir, "grub.cfg"), []byte(cfg), 0644)
}

// profileEnhanceStage applies profile-specific tuning. Optional: a profile
// without enhancements skips it, and any failure degrades to a warning.
type profileEnhanceStage struct{}

func (s *profileEnhanceStage) Name() string { return cnst.OpProfileEnhance }
func (s *profileEnhanceStage) Phase() int   { return 75 }
func (s *profileEnhanceStage) Fatal() bool  { return false }

func (s *profileEnhanceStage) Precondition(ctx *Context) error {
	if !ctx.Profile.HasEnhancements() {
		return fmt.Errorf("profile %s has no enhancements", ctx.Profile)
	}
	return ctx.Chroot.Verify()
}

func (s *profileEnhanceStage) Run(ctx *Context) error {
	if ctx.Profile.EnableZFS() {
		if err := ctx.Chroot.WriteFile("etc/modprobe.d/zfs.conf", "options zfs zfs_arc_max=2147483648\n", 0644); err != nil {
			return err
		}
		if out, err := ctx.Chroot.Run("systemctl enable zfs-import-cache zfs-mount zfs.target"); err != nil {
			return fmt.Errorf("enabling zfs services: %w: %s", err, out)
		}
		internalUtils.Log.Info().Msg("ZFS enhancements applied")
	}

	if ctx.Profile.EnableSecurity() {
		hardening := `kernel.kptr_restrict=2
kernel.dmesg_restrict=1
net.ipv4.conf.all.rp_filter=1
net.ipv4.tcp_syncookies=1
`
		if err := ctx.Chroot.WriteFile("etc/sysctl.d/99-hardening.conf", hardening, 0644); err != nil {
			return err
		}
		if out, err := ctx.Chroot.Run("systemctl enable fail2ban apparmor auditd"); err != nil {
			return fmt.Errorf("enabling security services: %w: %s", err, out)
		}
		internalUtils.Log.Info().Msg("Security enhancements applied")
	}
	return nil
}

// squashFSStage compresses the finished, unmounted chroot into the staging
// tree. The external tool is an atomic blocking step bounded only by its
// timeout.
type squashFSStage struct{}

func (s *squashFSStage) Name() string { return cnst.OpSquashFS }
func (s *squashFSStage) Phase() int   { return 85 }
func (s *squashFSStage) Fatal() bool  { return true }

func (s *squashFSStage) Precondition(ctx *Context) error {
	if !internalUtils.ToolInPath("mksquashfs") {
		return fmt.Errorf("mksquashfs not in PATH: %w", cnst.ErrToolMissing)
	}
	return ctx.Chroot.Verify()
}

func (s *squashFSStage) Run(ctx *Context) error {
	// The image must be taken from a quiesced tree.
	if res, err := ctx.Chroot.Binder().Unmount(); err != nil {
		internalUtils.Log.Warn().Err(err).Str("result", res.String()).Msg("Unmount before squashfs")
	}

	target := filepath.Join(ctx.BuildRoot.StagingPath(), "live", "filesystem.squashfs")
	if err := internalUtils.CreateIfNotExists(filepath.Dir(target)); err != nil {
		return err
	}
	// A previous attempt's artifact would make mksquashfs append.
	_ = os.Remove(target)

	out, err := internalUtils.CommandWithTimeout(cnst.CommandTimeoutMinutes*time.Minute,
		"mksquashfs", ctx.Chroot.Path, target,
		"-comp", "xz", "-noappend",
		"-wildcards",
		"-e", "proc/*", "sys/*", "dev/*", "run/*", "tmp/*",
	)
	if err != nil {
		return fmt.Errorf("mksquashfs: %w: %s", err, out)
	}

	if info, err := os.Stat(target); err == nil {
		internalUtils.Log.Info().Int64("bytes", info.Size()).Msg("SquashFS image written")
	}
	return nil
}

// isoStage assembles the bootable ISO from the staging tree into output/.
type isoStage struct{}

func (s *isoStage) Name() string { return cnst.OpISO }
func (s *isoStage) Phase() int   { return 95 }
func (s *isoStage) Fatal() bool  { return true }

func (s *isoStage) Precondition(ctx *Context) error {
	squash := filepath.Join(ctx.BuildRoot.StagingPath(), "live", "filesystem.squashfs")
	if _, err := os.Stat(squash); err != nil {
		return fmt.Errorf("squashfs image missing from staging: %w", err)
	}
	return nil
}

func (s *isoStage) Run(ctx *Context) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return err
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	staging := ctx.BuildRoot.StagingPath()
	err = filepath.WalkDir(staging, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(staging, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return writer.AddFile(f, rel)
	})
	if err != nil {
		return err
	}

	isoPath := filepath.Join(ctx.BuildRoot.OutputPath(), fmt.Sprintf("liveforge-%s-%s.iso", ctx.Release, ctx.Arch))
	out, err := os.Create(isoPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := writer.WriteTo(out, ctx.VolumeLabel()); err != nil {
		return fmt.Errorf("writing ISO: %w", err)
	}

	if info, err := os.Stat(isoPath); err == nil {
		internalUtils.Log.Info().Str("iso", isoPath).Int64("bytes", info.Size()).Msg("ISO image written")
		_ = ctx.Store.UpdateState("iso_path", isoPath)
		_ = ctx.Store.UpdateState("iso_bytes", strconv.FormatInt(info.Size(), 10))
	}
	return nil
}

// finalizeStage is a best-effort closing sweep: no failure here may change
// the build outcome.
type finalizeStage struct{}

func (s *finalizeStage) Name() string { return cnst.OpFinalize }
func (s *finalizeStage) Phase() int   { return 100 }
func (s *finalizeStage) Fatal() bool  { return false }

func (s *finalizeStage) Precondition(ctx *Context) error { return nil }

func (s *finalizeStage) Run(ctx *Context) error {
	if res, err := ctx.Chroot.Binder().Unmount(); err != nil {
		internalUtils.Log.Warn().Err(err).Str("result", res.String()).Msg("Final unmount sweep")
	}

	duration := time.Since(ctx.StartedAt).Round(time.Second)
	_ = ctx.Store.UpdateState("build_complete", "1")
	_ = ctx.Store.UpdateState("build_duration_seconds", strconv.Itoa(int(duration.Seconds())))

	internalUtils.Log.Info().
		Str("profile", string(ctx.Profile)).
		Str("release", ctx.Release).
		Str("arch", ctx.Arch).
		Dur("duration", duration).
		Msg("Build finished")
	return nil
}

// newestGlob returns the lexicographically newest match, which for versioned
// kernel artifacts is the most recent one.
func newestGlob(pattern string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no match for %s", pattern)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func copyFile(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, raw, 0644)
}
