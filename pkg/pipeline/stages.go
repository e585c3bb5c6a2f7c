package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jaypipes/ghw"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
	"github.com/ultrathink-os/liveforge/pkg/chroot"
)

// preflightStage checks the host before anything touches the build root: a
// bootstrap tool must be reachable, and host capacity is logged for the
// operator.
type preflightStage struct{}

func (s *preflightStage) Name() string { return cnst.OpPreflight }
func (s *preflightStage) Phase() int   { return 5 }
func (s *preflightStage) Fatal() bool  { return true }

func (s *preflightStage) Precondition(ctx *Context) error {
	if !internalUtils.ToolInPath("mmdebstrap") && !internalUtils.ToolInPath("debootstrap") {
		return cnst.ErrNoBootstrapTool
	}
	return nil
}

func (s *preflightStage) Run(ctx *Context) error {
	if internalUtils.ToolInPath("mmdebstrap") {
		internalUtils.Log.Info().Msg("mmdebstrap detected, using advanced bootstrap")
	} else {
		internalUtils.Log.Warn().Msg("mmdebstrap not found, builds will use the debootstrap fallback")
	}

	// Host inspection is informational only; a failure here must not stop
	// the build.
	if mem, err := ghw.Memory(); err == nil {
		internalUtils.Log.Info().Int64("bytes", mem.TotalPhysicalBytes).Msg("Host memory")
	}
	if blk, err := ghw.Block(); err == nil {
		for _, disk := range blk.Disks {
			internalUtils.Log.Debug().Str("disk", disk.Name).Uint64("bytes", disk.SizeBytes).Msg("Host disk")
		}
	}

	_ = ctx.Store.UpdateState(cnst.StateKeyBuildID, ctx.BuildRoot.BuildID)
	_ = ctx.Store.UpdateState(cnst.StateKeyProfile, string(ctx.Profile))
	_ = ctx.Store.UpdateState(cnst.StateKeyRelease, ctx.Release)
	_ = ctx.Store.UpdateState(cnst.StateKeyArch, ctx.Arch)
	return nil
}

// bootstrapStage is the single designated creation point of the chroot. An
// existing, valid tree is reused as-is. A broken or partial tree is
// destroyed and recreated, which is legal only here.
type bootstrapStage struct{}

func (s *bootstrapStage) Name() string { return cnst.OpBootstrap }
func (s *bootstrapStage) Phase() int   { return 15 }
func (s *bootstrapStage) Fatal() bool  { return true }

func (s *bootstrapStage) Precondition(ctx *Context) error { return nil }

func (s *bootstrapStage) Run(ctx *Context) error {
	c := ctx.Chroot

	if c.Created() {
		if err := c.Verify(); err == nil {
			created, _ := c.CreatedAt()
			internalUtils.Log.Info().Time("created", created).Msg("Valid chroot found, reusing")
			return nil
		}
		internalUtils.Log.Warn().Msg("Existing chroot failed verification, recreating")
		if err := c.Destroy(); err != nil {
			return err
		}
	} else if c.Exists() {
		// A tree without the completion marker is a leftover from an
		// interrupted create.
		internalUtils.Log.Warn().Msg("Partial chroot found, destroying before create")
		if err := c.Destroy(); err != nil {
			return err
		}
	}

	return c.Create(chroot.CreateOptions{
		Release:         ctx.Release,
		Arch:            ctx.Arch,
		IncludePackages: ctx.Packages(),
		Profile:         string(ctx.Profile),
		EnableZFS:       ctx.Profile.EnableZFS(),
		EnableSecurity:  ctx.Profile.EnableSecurity(),
	})
}

// verifyEnhanceStage re-verifies the chroot a previous stage produced and
// applies the base system configuration. It never creates or destroys: an
// invalid tree here means the creation invariant was broken somewhere, and
// that is fatal.
type verifyEnhanceStage struct{}

func (s *verifyEnhanceStage) Name() string { return cnst.OpVerifyEnhance }
func (s *verifyEnhanceStage) Phase() int   { return 30 }
func (s *verifyEnhanceStage) Fatal() bool  { return true }

func (s *verifyEnhanceStage) Precondition(ctx *Context) error {
	if !ctx.Chroot.Created() {
		return cnst.ErrChrootMissing
	}
	return nil
}

func (s *verifyEnhanceStage) Run(ctx *Context) error {
	if err := ctx.Chroot.Verify(); err != nil {
		return err
	}

	// Keep package scripts from starting services inside the build tree.
	if err := ctx.Chroot.WriteFile("usr/sbin/policy-rc.d", "#!/bin/sh\nexit 101\n", 0755); err != nil {
		return err
	}

	for _, cmd := range []string{
		"dpkg-divert --local --rename --add /sbin/initctl || true",
		"ln -sf /bin/true /sbin/initctl || true",
		"locale-gen en_US.UTF-8 || true",
	} {
		if out, err := ctx.Chroot.Run(cmd); err != nil {
			return fmt.Errorf("base configuration %q: %w: %s", cmd, err, out)
		}
	}

	if err := ctx.Chroot.WriteFile("etc/hostname", ctx.Hostname()+"\n", 0644); err != nil {
		return err
	}

	internalUtils.Log.Info().Str("hostname", ctx.Hostname()).Msg("Base system configured")
	return nil
}

// packagesStage installs the profile package set in batches inside the
// mounted chroot and reports per-batch counts as one result.
type packagesStage struct{}

const packageBatchSize = 20

func (s *packagesStage) Name() string { return cnst.OpPackages }
func (s *packagesStage) Phase() int   { return 50 }
func (s *packagesStage) Fatal() bool  { return true }

func (s *packagesStage) Precondition(ctx *Context) error {
	return ctx.Chroot.Verify()
}

func (s *packagesStage) Run(ctx *Context) error {
	pkgs := ctx.Packages()
	if len(pkgs) == 0 {
		internalUtils.Log.Info().Msg("No packages selected, nothing to install")
		return nil
	}

	binder := ctx.Chroot.Binder()
	if err := binder.Mount(); err != nil {
		return err
	}
	defer func() {
		if res, err := binder.Unmount(); err != nil {
			internalUtils.Log.Warn().Err(err).Str("result", res.String()).Msg("Unmount after package installation")
		}
	}()

	if out, err := ctx.Chroot.Run("apt-get update"); err != nil {
		return fmt.Errorf("apt-get update: %w: %s", err, out)
	}

	var merr *multierror.Error
	installed, failed := 0, 0
	for start := 0; start < len(pkgs); start += packageBatchSize {
		end := start + packageBatchSize
		if end > len(pkgs) {
			end = len(pkgs)
		}
		batch := pkgs[start:end]

		cmd := "apt-get install -y " + strings.Join(batch, " ")
		internalUtils.Log.Info().Int("count", len(batch)).Strs("packages", batch).Msg("Installing batch")
		if out, err := ctx.Chroot.Run(cmd); err != nil {
			failed += len(batch)
			merr = multierror.Append(merr, fmt.Errorf("batch %v: %w: %s", batch, err, out))
			continue
		}
		installed += len(batch)
	}

	_ = ctx.Store.UpdateState("packages_installed", strconv.Itoa(installed))
	_ = ctx.Store.UpdateState("packages_failed", strconv.Itoa(failed))
	internalUtils.Log.Info().Int("installed", installed).Int("failed", failed).Msg("Package installation finished")
	return merr.ErrorOrNil()
}

