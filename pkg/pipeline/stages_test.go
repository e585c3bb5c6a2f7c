package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	"github.com/ultrathink-os/liveforge/pkg/profile"
)

// scaffoldChroot lays out a structurally valid tree with creation markers,
// as the bootstrap stage would have left it.
func scaffoldChroot(path string) {
	for _, dir := range cnst.RequiredChrootDirs() {
		Expect(os.MkdirAll(filepath.Join(path, dir), 0755)).To(Succeed())
	}
	for _, bin := range []string{"bin/bash", "bin/sh", "usr/bin/apt", "usr/bin/systemctl"} {
		Expect(os.MkdirAll(filepath.Join(path, filepath.Dir(bin)), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(path, bin), []byte("#!/bin/sh\n"), 0755)).To(Succeed())
	}
	Expect(os.WriteFile(filepath.Join(path, cnst.BootstrapTimestampMarker), []byte(time.Now().Format(time.RFC3339)), 0644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(path, cnst.BootstrapCompleteMarker), []byte("1\n"), 0644)).To(Succeed())
}

var _ = ginkgo.Describe("pipeline stages", func() {
	var dir string
	var ctx *Context

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "liveforge-stages")
		Expect(err).ToNot(HaveOccurred())
		ctx = newTestContext(dir)
	})
	ginkgo.AfterEach(func() {
		os.RemoveAll(dir)
	})

	ginkgo.Context("bootstrap stage", func() {
		ginkgo.It("reuses an existing valid chroot without recreating it", func() {
			scaffoldChroot(ctx.Chroot.Path)
			marker := filepath.Join(ctx.Chroot.Path, cnst.BootstrapTimestampMarker)
			before, err := os.ReadFile(marker)
			Expect(err).ToNot(HaveOccurred())

			s := &bootstrapStage{}
			Expect(s.Run(ctx)).To(Succeed())

			after, err := os.ReadFile(marker)
			Expect(err).ToNot(HaveOccurred())
			Expect(after).To(Equal(before), "reuse must not rewrite the creation markers")
		})
	})

	ginkgo.Context("verify-enhance stage", func() {
		ginkgo.It("requires the creation marker as precondition", func() {
			s := &verifyEnhanceStage{}
			Expect(s.Precondition(ctx)).To(MatchError(cnst.ErrChrootMissing))
		})
		ginkgo.It("fails fatally on a structurally broken chroot", func() {
			scaffoldChroot(ctx.Chroot.Path)
			Expect(os.RemoveAll(filepath.Join(ctx.Chroot.Path, "etc"))).To(Succeed())

			d := NewDriverWithStages(ctx, []Stage{&verifyEnhanceStage{}})
			Expect(d.Run(context.Background())).ToNot(Succeed())

			env, err := ctx.Store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("module_failed", cnst.OpVerifyEnhance))
			Expect(env).To(HaveKeyWithValue("failure_reason", "verification_failure"))
			Expect(d.ExitCode()).To(Equal(cnst.ExitVerifyFailure))
		})
	})

	ginkgo.Context("packages stage", func() {
		ginkgo.It("does nothing when overrides empty the package list", func() {
			scaffoldChroot(ctx.Chroot.Path)
			ctx.Profile = profile.Minimal
			ctx.Overrides = &profile.Overrides{
				ExcludePackages: profile.Minimal.Packages(),
			}
			Expect(ctx.Packages()).To(BeEmpty())

			s := &packagesStage{}
			Expect(s.Precondition(ctx)).To(Succeed())
			Expect(s.Run(ctx)).To(Succeed())
		})
	})

	ginkgo.Context("profile-enhance stage", func() {
		ginkgo.It("is skipped for profiles without enhancements", func() {
			scaffoldChroot(ctx.Chroot.Path)
			ctx.Profile = profile.Standard

			d := NewDriverWithStages(ctx, []Stage{&profileEnhanceStage{}})
			Expect(d.Run(context.Background())).To(Succeed())
			Expect(ctx.Store.HasCheckpoint(cnst.OpProfileEnhance + "_skipped")).To(BeTrue())
			Expect(d.ExitCode()).To(Equal(cnst.ExitOK))
		})
	})

	ginkgo.Context("iso stage", func() {
		ginkgo.It("requires the squashfs image in staging", func() {
			s := &isoStage{}
			Expect(s.Precondition(ctx)).ToNot(Succeed())
		})
		ginkgo.It("packs the staging tree into an ISO under output", func() {
			liveDir := filepath.Join(ctx.BuildRoot.StagingPath(), "live")
			Expect(os.MkdirAll(liveDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(liveDir, "filesystem.squashfs"), []byte("squash"), 0644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(liveDir, "vmlinuz"), []byte("kernel"), 0644)).To(Succeed())

			grubDir := filepath.Join(ctx.BuildRoot.StagingPath(), "boot", "grub")
			Expect(os.MkdirAll(grubDir, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(grubDir, "grub.cfg"), []byte("set default=0\n"), 0644)).To(Succeed())

			s := &isoStage{}
			Expect(s.Precondition(ctx)).To(Succeed())
			Expect(s.Run(ctx)).To(Succeed())

			isoPath := filepath.Join(ctx.BuildRoot.OutputPath(), "liveforge-noble-amd64.iso")
			info, err := os.Stat(isoPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Size()).To(BeNumerically(">", 0))

			v, ok := ctx.Store.Get("iso_path")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(isoPath))
		})
	})

	ginkgo.Context("finalize stage", func() {
		ginkgo.It("records completion and duration", func() {
			ctx.StartedAt = time.Now().Add(-90 * time.Second)
			s := &finalizeStage{}
			Expect(s.Run(ctx)).To(Succeed())

			env, err := ctx.Store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("build_complete", "1"))
			Expect(env).To(HaveKey("build_duration_seconds"))
		})
	})

	ginkgo.Context("context naming", func() {
		ginkgo.It("uses defaults without overrides", func() {
			Expect(ctx.VolumeLabel()).To(Equal("ULTRATHINK_LIVE"))
			Expect(ctx.Hostname()).To(Equal(cnst.LiveHostname))
		})
		ginkgo.It("honors operator overrides", func() {
			ctx.Overrides = &profile.Overrides{Hostname: "custom-live", VolumeLabel: "CUSTOM"}
			Expect(ctx.VolumeLabel()).To(Equal("CUSTOM"))
			Expect(ctx.Hostname()).To(Equal("custom-live"))
		})
		ginkgo.It("installs a package only once when an override repeats it", func() {
			ctx.Profile = profile.Standard
			ctx.Overrides = &profile.Overrides{ExtraPackages: []string{"curl", "htop", "htop"}}

			seen := map[string]int{}
			for _, p := range ctx.Packages() {
				seen[p]++
			}
			Expect(seen["curl"]).To(Equal(1))
			Expect(seen["htop"]).To(Equal(1))
		})
	})
})
