package pipeline

import (
	"errors"
	"time"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
	"github.com/ultrathink-os/liveforge/pkg/buildroot"
	"github.com/ultrathink-os/liveforge/pkg/chroot"
	"github.com/ultrathink-os/liveforge/pkg/profile"
	"github.com/ultrathink-os/liveforge/pkg/state"
)

// Status classifies a stage outcome.
type Status int

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StageResult is what the driver records for every stage it touched.
type StageResult struct {
	Stage   string
	Status  Status
	Message string
}

// Stage is one unit of the build pipeline. Phase is an operator-facing
// progress percentage, never used for control decisions. Fatal stages abort
// the pipeline on failure; optional stages degrade to a warning.
type Stage interface {
	Name() string
	Phase() int
	Fatal() bool
	Precondition(*Context) error
	Run(*Context) error
}

// Context carries the per-build collaborators into every stage. No shared
// mutable globals: everything a stage may touch comes through here.
type Context struct {
	BuildRoot *buildroot.BuildRoot
	Chroot    *chroot.Chroot
	Store     *state.Store
	Profile   profile.Profile
	Overrides *profile.Overrides
	Release   string
	Arch      string
	StartedAt time.Time
}

// Packages resolves the effective package list: profile selection plus
// operator overrides, deduplicated so an override repeating a profile
// package never installs twice.
func (c *Context) Packages() []string {
	pkgs := c.Profile.Packages()
	if c.Overrides != nil {
		pkgs = c.Overrides.Apply(pkgs)
	}
	return internalUtils.UniqueSlice(pkgs)
}

// VolumeLabel is the ISO volume label, override-able per build.
func (c *Context) VolumeLabel() string {
	if c.Overrides != nil && c.Overrides.VolumeLabel != "" {
		return c.Overrides.VolumeLabel
	}
	return "ULTRATHINK_LIVE"
}

// Hostname is the live-image hostname, override-able per build.
func (c *Context) Hostname() string {
	if c.Overrides != nil && c.Overrides.Hostname != "" {
		return c.Overrides.Hostname
	}
	return cnst.LiveHostname
}

// reasonCode maps an error to the enumerated failure reason recorded in the
// state log, and the matching process exit code.
func reasonCode(err error) (string, int) {
	switch {
	case errors.Is(err, cnst.ErrNoBootstrapTool), errors.Is(err, cnst.ErrToolMissing):
		return "tool_missing", cnst.ExitToolMissing
	case errors.Is(err, cnst.ErrChrootMissing), errors.Is(err, cnst.ErrChrootInvalid):
		return "verification_failure", cnst.ExitVerifyFailure
	case errors.Is(err, cnst.ErrDestroyIncomplete):
		return "destroy_failure", cnst.ExitDestroyFailed
	case errors.Is(err, cnst.ErrBuildRootLocked):
		return "lock_held", cnst.ExitLockHeld
	default:
		return "stage_failure", cnst.ExitStageFailure
	}
}
