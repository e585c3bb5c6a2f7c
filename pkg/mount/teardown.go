package mount

import (
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// Result classifies the outcome of an unmount sweep.
type Result int

const (
	ResultSuccess Result = iota
	// ResultWarning means residual mounts remain after the escalation
	// ladder. Teardown never escalates back to fatal.
	ResultWarning
	// ResultSkipped means a teardown was already running; the second
	// caller did nothing.
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultWarning:
		return "warning"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// teardown states. Entering Unmount while tearingDown is a defined
// transition that returns ResultSkipped, not an error.
type teardownState int

const (
	stateIdle teardownState = iota
	stateTearingDown
)

// Binder owns the pseudo-filesystem mount set of one chroot. One Binder is
// shared between the pipeline and the interrupt handler, so the teardown
// state machine below is what keeps cleanup from racing itself.
type Binder struct {
	chroot string

	mu    sync.Mutex
	state teardownState
}

func NewBinder(chroot string) *Binder {
	return &Binder{chroot: chroot, state: stateIdle}
}

func (b *Binder) Chroot() string { return b.chroot }

func (b *Binder) beginTeardown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateTearingDown {
		return false
	}
	b.state = stateTearingDown
	return true
}

func (b *Binder) endTeardown() {
	b.mu.Lock()
	b.state = stateIdle
	b.mu.Unlock()
}

// Unmount releases the pseudo-filesystem set in strict reverse bind order.
// Per target the ladder is: normal unmount, lazy detach, terminate processes
// holding the chroot open, retry. Already-unmounted targets count as
// success. After the sweep the mount table is re-queried; anything left
// under the chroot demotes the result to ResultWarning.
func (b *Binder) Unmount() (Result, error) {
	if !b.beginTeardown() {
		internalUtils.Log.Warn().Str("chroot", b.chroot).Msg("Teardown already in progress, skipping")
		return ResultSkipped, nil
	}
	defer b.endTeardown()

	var merr *multierror.Error
	for _, target := range b.expectedTargets() {
		if err := b.unmountOne(target); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	// The managed set is released. Sweep whatever the table still shows
	// under the chroot (nested mounts a stage created behind our back).
	leftover, err := b.MountSet()
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, target := range leftover {
		if err := b.unmountOne(target); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	// Postcondition: no entries rooted at the chroot path may remain.
	remaining, err := b.MountSet()
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	if len(remaining) > 0 {
		internalUtils.Log.Warn().Strs("mounts", remaining).Msg("Residual mounts after unmount ladder")
		merr = multierror.Append(merr, cnst.ErrResidualMounts)
		return ResultWarning, merr.ErrorOrNil()
	}
	if merr.ErrorOrNil() != nil {
		// Individual rungs failed but the table ended up clean.
		internalUtils.Log.Debug().Err(merr).Msg("Unmount ladder recovered")
	}
	return ResultSuccess, nil
}

// unmountOne walks a single target through the escalation ladder.
func (b *Binder) unmountOne(target string) error {
	l := internalUtils.Log.With().Str("what", target).Logger()

	mounted, err := mountinfo.Mounted(target)
	if err != nil {
		if os.IsNotExist(err) {
			// No mountpoint directory at all, nothing to release.
			return nil
		}
		l.Warn().Err(err).Msg("Checking mount status")
	} else if !mounted {
		l.Debug().Msg("Not mounted, nothing to do")
		return nil
	}

	if err := unix.Unmount(target, 0); err == nil {
		l.Debug().Msg("Unmounted")
		return nil
	}

	l.Debug().Msg("Normal unmount failed, trying lazy detach")
	if err := unix.Unmount(target, unix.MNT_DETACH); err == nil {
		// Lazy detach removes the entry from our namespace even when a
		// process still holds it, which satisfies the postcondition.
		if mounted, err := mountinfo.Mounted(target); err == nil && !mounted {
			l.Debug().Msg("Lazy detach done")
			return nil
		}
	}

	l.Warn().Msg("Lazy detach failed, terminating chroot holders")
	killed, killErr := KillChrootProcesses(b.chroot, cnst.KillGraceSeconds*time.Second)
	if killErr != nil {
		l.Warn().Err(killErr).Msg("Terminating holders")
	}
	if killed > 0 {
		l.Info().Int("count", killed).Msg("Terminated processes holding the chroot")
	}

	return retry.Do(
		func() error {
			mounted, err := mountinfo.Mounted(target)
			if err == nil && !mounted {
				return nil
			}
			return unix.Unmount(target, 0)
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Debug().Uint("attempt", n).Err(err).Msg("Retrying unmount")
		}),
	)
}
