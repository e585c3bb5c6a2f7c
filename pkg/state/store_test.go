package state_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ultrathink-os/liveforge/pkg/state"
)

var _ = Describe("checkpoint and state store", func() {
	var dir string
	var store *state.Store

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "liveforge-state")
		Expect(err).ToNot(HaveOccurred())
		store, err = state.NewStore(dir)
		Expect(err).ToNot(HaveOccurred())
	})
	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("Checkpoint", func() {
		It("records a timestamped row", func() {
			Expect(store.Checkpoint("bootstrap_complete")).To(Succeed())
			Expect(store.HasCheckpoint("bootstrap_complete")).To(BeTrue())
			count, err := store.CheckpointCount("bootstrap_complete")
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
		})
		It("appends a second distinct record instead of overwriting", func() {
			Expect(store.Checkpoint("packages_complete")).To(Succeed())
			first, err := os.ReadFile(filepath.Join(dir, "checkpoints", "packages_complete"))
			Expect(err).ToNot(HaveOccurred())

			Expect(store.Checkpoint("packages_complete")).To(Succeed())
			second, err := os.ReadFile(filepath.Join(dir, "checkpoints", "packages_complete"))
			Expect(err).ToNot(HaveOccurred())

			// The original row survives untouched at the head of the file.
			Expect(strings.HasPrefix(string(second), string(first))).To(BeTrue())
			count, err := store.CheckpointCount("packages_complete")
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(2))
		})
		It("reports zero records for an unknown name", func() {
			Expect(store.HasCheckpoint("nope")).To(BeFalse())
			count, err := store.CheckpointCount("nope")
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(0))
		})
		It("lists recorded names sorted", func() {
			Expect(store.Checkpoint("zz")).To(Succeed())
			Expect(store.Checkpoint("aa")).To(Succeed())
			names, err := store.Checkpoints()
			Expect(err).ToNot(HaveOccurred())
			Expect(names).To(Equal([]string{"aa", "zz"}))
		})
	})

	Context("UpdateState", func() {
		It("resolves the last occurrence of a key", func() {
			Expect(store.UpdateState("current_stage", "bootstrap")).To(Succeed())
			Expect(store.UpdateState("current_stage", "packages")).To(Succeed())

			v, ok := store.Get("current_stage")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("packages"))

			// Both rows stay in the log.
			raw, err := os.ReadFile(filepath.Join(dir, ".build_state"))
			Expect(err).ToNot(HaveOccurred())
			Expect(strings.Count(string(raw), "current_stage=")).To(Equal(2))
		})
		It("returns an empty map when no state was recorded", func() {
			env, err := store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(BeEmpty())
		})
	})

	Context("RecordFailure", func() {
		It("writes the forensics rows an operator needs after a crash", func() {
			store.RecordFailure("verify-enhance", "verification_failure")
			env, err := store.ReadState()
			Expect(err).ToNot(HaveOccurred())
			Expect(env).To(HaveKeyWithValue("module_failed", "verify-enhance"))
			Expect(env).To(HaveKeyWithValue("failure_reason", "verification_failure"))
		})
	})
})
