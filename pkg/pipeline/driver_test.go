package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	"github.com/ultrathink-os/liveforge/pkg/buildroot"
	"github.com/ultrathink-os/liveforge/pkg/chroot"
	"github.com/ultrathink-os/liveforge/pkg/profile"
	"github.com/ultrathink-os/liveforge/pkg/state"
)

// fakeStage lets the driver tests script preconditions, bodies and
// classification without touching a real chroot.
type fakeStage struct {
	name   string
	fatal  bool
	preErr error
	runErr error
	panics bool
	ran    bool
}

func (f *fakeStage) Name() string { return f.name }
func (f *fakeStage) Phase() int   { return 50 }
func (f *fakeStage) Fatal() bool  { return f.fatal }

func (f *fakeStage) Precondition(*Context) error { return f.preErr }

func (f *fakeStage) Run(*Context) error {
	f.ran = true
	if f.panics {
		panic("boom")
	}
	return f.runErr
}

func newTestContext(dir string) *Context {
	root, err := buildroot.Open(filepath.Join(dir, "build"))
	Expect(err).ToNot(HaveOccurred())
	ginkgo.DeferCleanup(func() { _ = root.Close() })

	store, err := state.NewStore(root.Path)
	Expect(err).ToNot(HaveOccurred())

	return &Context{
		BuildRoot: root,
		Chroot:    chroot.New(root.ChrootPath()),
		Store:     store,
		Profile:   profile.Standard,
		Release:   cnst.DefaultRelease,
		Arch:      cnst.DefaultArch,
		StartedAt: time.Now(),
	}
}

var _ = ginkgo.Describe("pipeline driver", func() {
	var dir string
	var ctx *Context

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "liveforge-pipeline")
		Expect(err).ToNot(HaveOccurred())
		ctx = newTestContext(dir)
	})
	ginkgo.AfterEach(func() {
		os.RemoveAll(dir)
	})

	ginkgo.Context("a clean run", func() {
		ginkgo.It("checkpoints every stage and reports success", func() {
			a := &fakeStage{name: "alpha", fatal: true}
			b := &fakeStage{name: "beta", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a, b})

			Expect(d.Run(context.Background())).To(Succeed())
			Expect(a.ran).To(BeTrue())
			Expect(b.ran).To(BeTrue())
			Expect(ctx.Store.HasCheckpoint("alpha_complete")).To(BeTrue())
			Expect(ctx.Store.HasCheckpoint("beta_complete")).To(BeTrue())
			Expect(d.ExitCode()).To(Equal(cnst.ExitOK))

			results := d.Results()
			Expect(results).To(HaveLen(2))
			for _, res := range results {
				Expect(res.Status).To(Equal(StatusSuccess))
			}
		})
	})

	ginkgo.Context("a fatal precondition failure", func() {
		ginkgo.It("aborts the pipeline and records the forensics rows", func() {
			a := &fakeStage{name: "alpha", fatal: true, preErr: cnst.ErrChrootMissing}
			b := &fakeStage{name: "beta", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a, b})

			Expect(d.Run(context.Background())).ToNot(Succeed())
			Expect(a.ran).To(BeFalse())
			Expect(b.ran).To(BeFalse(), "downstream stages must not run after a fatal failure")

			Expect(ctx.Store.HasCheckpoint("alpha_failed")).To(BeTrue())
			Expect(ctx.Store.HasCheckpoint("beta_complete")).To(BeFalse())

			env, err := ctx.Store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("module_failed", "alpha"))
			Expect(env).To(HaveKeyWithValue("failure_reason", "verification_failure"))
			Expect(d.ExitCode()).To(Equal(cnst.ExitVerifyFailure))
		})
	})

	ginkgo.Context("an optional precondition failure", func() {
		ginkgo.It("skips the stage and keeps the pipeline green", func() {
			a := &fakeStage{name: "alpha", fatal: false, preErr: errors.New("no network")}
			b := &fakeStage{name: "beta", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a, b})

			Expect(d.Run(context.Background())).To(Succeed())
			Expect(a.ran).To(BeFalse())
			Expect(b.ran).To(BeTrue())
			Expect(ctx.Store.HasCheckpoint("alpha_skipped")).To(BeTrue())
			Expect(ctx.Store.HasCheckpoint("beta_complete")).To(BeTrue())
			Expect(d.ExitCode()).To(Equal(cnst.ExitOK))
		})
	})

	ginkgo.Context("an optional body failure", func() {
		ginkgo.It("records a warning and continues", func() {
			a := &fakeStage{name: "alpha", fatal: false, runErr: errors.New("vendor toolkit build failed")}
			b := &fakeStage{name: "beta", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a, b})

			Expect(d.Run(context.Background())).To(Succeed())
			Expect(b.ran).To(BeTrue())
			Expect(ctx.Store.HasCheckpoint("alpha_failed")).To(BeTrue())
			Expect(d.ExitCode()).To(Equal(cnst.ExitOK))

			results := d.Results()
			Expect(results[0].Status).To(Equal(StatusWarning))
			Expect(results[1].Status).To(Equal(StatusSuccess))
		})
	})

	ginkgo.Context("a fatal body failure", func() {
		ginkgo.It("classifies the error and stops", func() {
			a := &fakeStage{name: "alpha", fatal: true, runErr: cnst.ErrNoBootstrapTool}
			b := &fakeStage{name: "beta", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a, b})

			Expect(d.Run(context.Background())).ToNot(Succeed())
			Expect(b.ran).To(BeFalse())
			Expect(d.ExitCode()).To(Equal(cnst.ExitToolMissing))

			env, err := ctx.Store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("failure_reason", "tool_missing"))
		})
	})

	ginkgo.Context("a panicking stage body", func() {
		ginkgo.It("is converted into a classified failure, never a raw abort", func() {
			a := &fakeStage{name: "alpha", fatal: true, panics: true}
			d := NewDriverWithStages(ctx, []Stage{a})

			err := d.Run(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("stage panicked"))
			Expect(ctx.Store.HasCheckpoint("alpha_failed")).To(BeTrue())
		})
	})

	ginkgo.Context("progress bookkeeping", func() {
		ginkgo.It("records the current stage and phase before running it", func() {
			a := &fakeStage{name: "alpha", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a})

			Expect(d.Run(context.Background())).To(Succeed())
			env, err := ctx.Store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("current_stage", "alpha"))
			Expect(env).To(HaveKeyWithValue("current_phase", "50"))
		})
	})

	ginkgo.Context("re-running a completed pipeline", func() {
		ginkgo.It("appends a second checkpoint record instead of mutating", func() {
			a := &fakeStage{name: "alpha", fatal: true}
			d := NewDriverWithStages(ctx, []Stage{a})
			Expect(d.Run(context.Background())).To(Succeed())

			d2 := NewDriverWithStages(ctx, []Stage{&fakeStage{name: "alpha", fatal: true}})
			Expect(d2.Run(context.Background())).To(Succeed())

			count, err := ctx.Store.CheckpointCount("alpha_complete")
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(2))
		})
	})

	ginkgo.Context("dry run", func() {
		ginkgo.It("prints the full default pipeline in order", func() {
			d := NewDriver(ctx)
			var buf strings.Builder
			Expect(d.DryRun(&buf)).To(Succeed())
			out := buf.String()
			Expect(out).To(ContainSubstring(cnst.OpPreflight))
			Expect(out).To(ContainSubstring(cnst.OpBootstrap))
			Expect(out).To(ContainSubstring(cnst.OpISO))
			Expect(out).To(ContainSubstring(cnst.OpFinalize))
		})
	})
})
