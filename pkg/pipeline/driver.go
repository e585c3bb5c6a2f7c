package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spectrocloud-labs/herd"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// Driver runs a fixed, ordered list of stages against one build root. The
// stages are registered as a linear chain on a herd graph: each op depends
// on its predecessor, so execution is strictly sequential and a fatal
// failure cancels everything downstream.
type Driver struct {
	ctx    *Context
	stages []Stage

	mu       sync.Mutex
	results  []StageResult
	exitCode int
	fatalErr error
}

// NewDriver assembles the default pipeline in its fixed order.
func NewDriver(ctx *Context) *Driver {
	return &Driver{
		ctx: ctx,
		stages: []Stage{
			&preflightStage{},
			&bootstrapStage{},
			&verifyEnhanceStage{},
			&packagesStage{},
			&bootConfigStage{},
			&profileEnhanceStage{},
			&squashFSStage{},
			&isoStage{},
			&finalizeStage{},
		},
	}
}

// NewDriverWithStages exists for tests and custom pipelines.
func NewDriverWithStages(ctx *Context, stages []Stage) *Driver {
	return &Driver{ctx: ctx, stages: stages}
}

// Results returns the per-stage outcomes recorded so far.
func (d *Driver) Results() []StageResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StageResult, len(d.results))
	copy(out, d.results)
	return out
}

// ExitCode returns the enumerated exit code of the run, zero on success.
func (d *Driver) ExitCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

func (d *Driver) record(res StageResult) {
	d.mu.Lock()
	d.results = append(d.results, res)
	d.mu.Unlock()
}

func (d *Driver) setExitCode(code int) {
	d.mu.Lock()
	if d.exitCode == cnst.ExitOK {
		d.exitCode = code
	}
	d.mu.Unlock()
}

// Register adds the stage chain to the graph.
func (d *Driver) Register(g *herd.Graph) error {
	prev := ""
	for _, st := range d.stages {
		opts := []herd.OpOption{herd.WithCallback(d.wrap(st))}
		if prev != "" {
			opts = append(opts, herd.WithDeps(prev))
		}
		if err := g.Add(st.Name(), opts...); err != nil {
			return fmt.Errorf("registering stage %s: %w", st.Name(), err)
		}
		prev = st.Name()
	}
	return nil
}

// Run executes the pipeline. The returned error is the first fatal stage
// failure; optional stage failures are recorded but never change the
// overall outcome.
func (d *Driver) Run(ctx context.Context) error {
	g := herd.DAG(herd.EnableInit)
	if err := d.Register(g); err != nil {
		return err
	}

	stop := d.installInterruptHandler()
	defer stop()

	runErr := g.Run(ctx)
	d.logGraph(g)

	// The recorded fatal failure is authoritative over whatever the
	// scheduler surfaced.
	d.mu.Lock()
	fatal := d.fatalErr
	d.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return runErr
}

// DryRun registers the pipeline and writes the stage plan without executing
// anything.
func (d *Driver) DryRun(w io.Writer) error {
	g := herd.DAG(herd.EnableInit)
	if err := d.Register(g); err != nil {
		return err
	}
	for i, layer := range g.Analyze() {
		fmt.Fprintf(w, "%d.\n", i+1)
		for _, op := range layer {
			fmt.Fprintf(w, " <%s>\n", op.Name)
		}
	}
	return nil
}

// wrap turns a stage into a graph callback implementing the classification
// contract: no raw, unclassified abort ever reaches the scheduler.
func (d *Driver) wrap(st Stage) func(context.Context) error {
	return func(_ context.Context) (err error) {
		name := st.Name()
		l := internalUtils.Log.With().Str("stage", name).Int("phase", st.Phase()).Logger()

		_ = d.ctx.Store.UpdateState(cnst.StateKeyCurrentStage, name)
		_ = d.ctx.Store.UpdateState(cnst.StateKeyCurrentPhase, strconv.Itoa(st.Phase()))
		l.Info().Msg("Stage starting")

		defer func() {
			if r := recover(); r != nil {
				err = d.fail(st, fmt.Errorf("stage panicked: %v", r))
			}
		}()

		if preErr := st.Precondition(d.ctx); preErr != nil {
			if st.Fatal() {
				return d.fail(st, preErr)
			}
			_ = d.ctx.Store.Checkpoint(name + "_skipped")
			l.Warn().Err(preErr).Msg("Optional stage precondition failed, skipping")
			d.record(StageResult{Stage: name, Status: StatusWarning, Message: preErr.Error()})
			return nil
		}

		if runErr := st.Run(d.ctx); runErr != nil {
			if st.Fatal() {
				return d.fail(st, runErr)
			}
			_ = d.ctx.Store.Checkpoint(name + "_failed")
			l.Warn().Err(runErr).Msg("Optional stage failed, continuing")
			d.record(StageResult{Stage: name, Status: StatusWarning, Message: runErr.Error()})
			return nil
		}

		_ = d.ctx.Store.Checkpoint(name + "_complete")
		l.Info().Msg("Stage complete")
		d.record(StageResult{Stage: name, Status: StatusSuccess, Message: "ok"})
		return nil
	}
}

// fail records the forensics rows and checkpoint for a fatal stage failure
// before propagating it, so an operator can diagnose without re-running.
func (d *Driver) fail(st Stage, err error) error {
	name := st.Name()
	reason, code := reasonCode(err)

	_ = d.ctx.Store.Checkpoint(name + "_failed")
	d.ctx.Store.RecordFailure(name, reason)
	d.setExitCode(code)
	d.record(StageResult{Stage: name, Status: StatusFatal, Message: err.Error()})

	internalUtils.Log.Error().Err(err).Str("stage", name).Str("reason", reason).Msg("Fatal stage failure")
	wrapped := fmt.Errorf("stage %s: %w", name, err)
	d.mu.Lock()
	if d.fatalErr == nil {
		d.fatalErr = wrapped
	}
	d.mu.Unlock()
	return wrapped
}

// installInterruptHandler routes operator interrupts through the same mount
// teardown path as an error exit, so Ctrl-C never leaves the chroot
// half-mounted. Re-entrancy is absorbed by the binder's teardown state.
func (d *Driver) installInterruptHandler() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			internalUtils.Log.Warn().Str("signal", sig.String()).Msg("Interrupted, tearing down mounts")
			res, err := d.ctx.Chroot.Binder().Unmount()
			if err != nil {
				internalUtils.Log.Warn().Err(err).Str("result", res.String()).Msg("Teardown on interrupt")
			}
			d.ctx.Store.RecordFailure("interrupted", "operator_interrupt")
			os.Exit(cnst.ExitStageFailure)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// logGraph prints the analyzed graph the way the scheduler saw it, with
// per-op errors. Useful when a stage chain aborts halfway.
func (d *Driver) logGraph(g *herd.Graph) {
	for i, layer := range g.Analyze() {
		for _, op := range layer {
			l := internalUtils.Log.Debug().Int("layer", i+1).Str("op", op.Name).Bool("run", op.Executed)
			if op.Error != nil {
				l = internalUtils.Log.Warn().Int("layer", i+1).Str("op", op.Name).Bool("run", op.Executed).Err(op.Error)
			}
			l.Msg("Pipeline op")
		}
	}
}
