package chroot_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	"github.com/ultrathink-os/liveforge/pkg/chroot"
)

// makeValidTree lays out the minimal structure Verify accepts.
func makeValidTree(root string) {
	for _, dir := range cnst.RequiredChrootDirs() {
		Expect(os.MkdirAll(filepath.Join(root, dir), 0755)).To(Succeed())
	}
	for _, bin := range []string{"bin/bash", "bin/sh", "usr/bin/apt", "usr/bin/systemctl"} {
		Expect(os.MkdirAll(filepath.Join(root, filepath.Dir(bin)), 0755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, bin), []byte("#!/bin/sh\n"), 0755)).To(Succeed())
	}
}

func markCreated(root string) {
	Expect(os.WriteFile(filepath.Join(root, cnst.BootstrapTimestampMarker), []byte(time.Now().Format(time.RFC3339)), 0644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(root, cnst.BootstrapCompleteMarker), []byte("1\n"), 0644)).To(Succeed())
}

var _ = Describe("chroot lifecycle", func() {
	var dir string
	var c *chroot.Chroot

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "liveforge-chroot")
		Expect(err).ToNot(HaveOccurred())
		c = chroot.New(filepath.Join(dir, "chroot"))
	})
	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("Verify", func() {
		It("rejects a missing chroot", func() {
			err := c.Verify()
			Expect(err).To(MatchError(cnst.ErrChrootMissing))
		})
		It("accepts a complete tree", func() {
			makeValidTree(c.Path)
			Expect(c.Verify()).To(Succeed())
		})
		It("rejects a tree missing /etc", func() {
			makeValidTree(c.Path)
			Expect(os.RemoveAll(filepath.Join(c.Path, "etc"))).To(Succeed())
			err := c.Verify()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("missing required directory etc"))
		})
		It("rejects a tree without a shell", func() {
			makeValidTree(c.Path)
			Expect(os.Remove(filepath.Join(c.Path, "bin/bash"))).To(Succeed())
			Expect(os.Remove(filepath.Join(c.Path, "bin/sh"))).To(Succeed())
			Expect(c.Verify()).ToNot(Succeed())
		})
		It("accepts dpkg standing in for apt", func() {
			makeValidTree(c.Path)
			Expect(os.Remove(filepath.Join(c.Path, "usr/bin/apt"))).To(Succeed())
			Expect(os.WriteFile(filepath.Join(c.Path, "usr/bin/dpkg"), []byte("#!/bin/sh\n"), 0755)).To(Succeed())
			Expect(c.Verify()).To(Succeed())
		})
	})

	Context("creation markers", func() {
		It("reports not created without the completion marker", func() {
			makeValidTree(c.Path)
			Expect(c.Created()).To(BeFalse())
		})
		It("round-trips the creation timestamp", func() {
			makeValidTree(c.Path)
			markCreated(c.Path)
			Expect(c.Created()).To(BeTrue())
			created, err := c.CreatedAt()
			Expect(err).ToNot(HaveOccurred())
			Expect(created).To(BeTemporally("~", time.Now(), time.Minute))
		})
	})

	Context("Destroy", func() {
		It("removes the tree and only then reports success", func() {
			makeValidTree(c.Path)
			markCreated(c.Path)
			Expect(c.Destroy()).To(Succeed())
			Expect(c.Exists()).To(BeFalse())
		})
		It("succeeds when there is nothing to destroy", func() {
			Expect(c.Destroy()).To(Succeed())
		})
		It("widens permissions to remove stubborn files", func() {
			makeValidTree(c.Path)
			locked := filepath.Join(c.Path, "var", "locked")
			Expect(os.MkdirAll(locked, 0755)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(locked, "file"), []byte("x"), 0644)).To(Succeed())
			Expect(os.Chmod(locked, 0000)).To(Succeed())

			Expect(c.Destroy()).To(Succeed())
			Expect(c.Exists()).To(BeFalse())
		})
	})

	Context("Create guard", func() {
		It("refuses to create over a completed chroot", func() {
			makeValidTree(c.Path)
			markCreated(c.Path)
			err := c.Create(chroot.CreateOptions{Release: "noble", Arch: "amd64"})
			Expect(err).To(MatchError(cnst.ErrChrootExists))
		})
	})

	Context("WriteFile", func() {
		It("creates parent directories inside the tree", func() {
			Expect(c.WriteFile("etc/apt/sources.list", "deb example\n", 0644)).To(Succeed())
			raw, err := os.ReadFile(filepath.Join(c.Path, "etc/apt/sources.list"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(raw)).To(Equal("deb example\n"))
		})
	})

	Context("TreeSize", func() {
		It("totals regular file sizes", func() {
			Expect(c.WriteFile("etc/a", "12345", 0644)).To(Succeed())
			Expect(c.WriteFile("etc/b", "12345", 0644)).To(Succeed())
			Expect(c.TreeSize()).To(BeNumerically(">=", 10))
		})
	})
})
