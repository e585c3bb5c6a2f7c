package constants

import "errors"

var (
	ErrAlreadyMounted      = errors.New("already mounted")
	ErrNotMounted          = errors.New("not mounted")
	ErrTeardownInProgress  = errors.New("teardown already in progress")
	ErrChrootMissing       = errors.New("chroot does not exist")
	ErrChrootInvalid       = errors.New("chroot failed structural verification")
	ErrChrootExists        = errors.New("chroot already exists")
	ErrNoBootstrapTool     = errors.New("no bootstrap tool found, install mmdebstrap or debootstrap")
	ErrToolMissing         = errors.New("required external tool not found")
	ErrDestroyIncomplete   = errors.New("chroot directory still present after destroy")
	ErrBuildRootLocked     = errors.New("build root is locked by another process")
	ErrResidualMounts      = errors.New("residual mounts remain under chroot")
)

// Stage op names, registered on the pipeline graph in this order.
const (
	OpPreflight      = "preflight"
	OpBootstrap      = "bootstrap"
	OpVerifyEnhance  = "verify-enhance"
	OpPackages       = "packages"
	OpBootConfig     = "boot-config"
	OpProfileEnhance = "profile-enhance"
	OpSquashFS       = "squashfs"
	OpISO            = "iso"
	OpFinalize       = "finalize"
)

// Exit codes. Zero is success, everything else is a fatal stage failure.
const (
	ExitOK            = 0
	ExitStageFailure  = 1
	ExitPrecondition  = 2
	ExitToolMissing   = 3
	ExitVerifyFailure = 4
	ExitDestroyFailed = 5
	ExitLockHeld      = 6
)

// Marker files written inside the chroot by the creation stage and read
// back by every later verification.
const (
	BootstrapCompleteMarker  = ".bootstrap-complete"
	BootstrapTimestampMarker = ".bootstrap-timestamp"
	BootstrapMetadataFile    = "etc/bootstrap-info.json"
)

// Layout under the build root.
const (
	ChrootDir      = "chroot"
	CheckpointsDir = "checkpoints"
	LogsDir        = "logs"
	OutputDir      = "output"
	StagingDir     = "staging"
	StateFile      = ".build_state"
	LockFile       = ".lock"
)

// State keys the driver writes on fatal abort so a post-mortem does not
// require re-running the build.
const (
	StateKeyModuleFailed  = "module_failed"
	StateKeyFailureReason = "failure_reason"
	StateKeyCurrentStage  = "current_stage"
	StateKeyCurrentPhase  = "current_phase"
	StateKeyBuildID       = "build_id"
	StateKeyProfile       = "profile"
	StateKeyRelease       = "release"
	StateKeyArch          = "arch"
)

// PseudoFilesystems returns the kernel filesystems bound into the chroot,
// parents before children. Unmount walks this in reverse.
func PseudoFilesystems() []string {
	return []string{"proc", "sys", "dev", "dev/pts", "dev/shm", "run", "tmp"}
}

// RequiredChrootDirs returns the top-level directories a structurally valid
// chroot must carry.
func RequiredChrootDirs() []string {
	return []string{"bin", "boot", "dev", "etc", "home", "lib", "proc", "root", "sbin", "sys", "tmp", "usr", "var"}
}

// EssentialBinaries returns path alternatives, any one of each group makes
// the group satisfied.
func EssentialBinaries() [][]string {
	return [][]string{
		{"bin/bash", "usr/bin/bash"},
		{"bin/sh", "usr/bin/sh"},
		{"usr/bin/apt", "usr/bin/apt-get", "usr/bin/dpkg"},
		{"usr/bin/systemctl", "bin/systemctl", "sbin/init"},
	}
}

const (
	DefaultRelease = "noble"
	DefaultArch    = "amd64"
	DefaultProfile = "standard"

	PrimaryMirror  = "http://archive.ubuntu.com/ubuntu"
	SecurityMirror = "http://security.ubuntu.com/ubuntu"

	LiveHostname = "UltraThink-ZFS-Live"
)

// Timeouts for external tool invocations. Bootstrap pulls a whole
// distribution tree, everything else is shorter.
const (
	BootstrapTimeoutMinutes = 45
	CommandTimeoutMinutes   = 30
	KillGraceSeconds        = 3
)
