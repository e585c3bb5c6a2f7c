package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	"github.com/ultrathink-os/liveforge/internal/utils"
	"github.com/ultrathink-os/liveforge/internal/version"
	"github.com/ultrathink-os/liveforge/pkg/buildroot"
	"github.com/ultrathink-os/liveforge/pkg/chroot"
	"github.com/ultrathink-os/liveforge/pkg/pipeline"
	"github.com/ultrathink-os/liveforge/pkg/profile"
	"github.com/ultrathink-os/liveforge/pkg/state"
)

// Flags shared by the build-oriented commands. Every knob has an
// environment override so the pipeline can run unattended.
var buildFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "build-root",
		EnvVars: []string{"BUILD_ROOT"},
		Value:   filepath.Join(os.TempDir(), "liveforge-build"),
		Usage:   "top-level working directory for one build attempt",
	},
	&cli.StringFlag{
		Name:    "release",
		EnvVars: []string{"DEBIAN_RELEASE"},
		Value:   cnst.DefaultRelease,
		Usage:   "target distribution codename",
	},
	&cli.StringFlag{
		Name:    "arch",
		EnvVars: []string{"ARCH"},
		Value:   cnst.DefaultArch,
		Usage:   "target architecture (amd64|arm64|armhf|i386)",
	},
	&cli.StringFlag{
		Name:    "profile",
		EnvVars: []string{"BUILD_PROFILE"},
		Value:   cnst.DefaultProfile,
		Usage:   "build profile (minimal|standard|development|zfs_optimized|security)",
	},
	&cli.StringFlag{
		Name:  "overrides",
		Usage: "optional YAML file with package and naming overrides",
	},
	&cli.BoolFlag{
		Name:  "dry-run",
		Usage: "print the stage pipeline without executing it",
	},
}

var validArchs = map[string]bool{"amd64": true, "arm64": true, "armhf": true, "i386": true}

// setup opens the build root and wires the per-build context every command
// shares. The caller owns closing the returned build root.
func setup(c *cli.Context) (*pipeline.Context, error) {
	if !validArchs[c.String("arch")] {
		return nil, cli.Exit(fmt.Sprintf("unsupported architecture %q", c.String("arch")), cnst.ExitPrecondition)
	}
	prof, err := profile.Parse(c.String("profile"))
	if err != nil {
		return nil, cli.Exit(err.Error(), cnst.ExitPrecondition)
	}

	root, err := buildroot.Open(c.String("build-root"))
	if err != nil {
		code := cnst.ExitStageFailure
		if err == cnst.ErrBuildRootLocked {
			code = cnst.ExitLockHeld
		}
		return nil, cli.Exit(err.Error(), code)
	}

	utils.SetLogger(root.LogsPath())

	store, err := state.NewStore(root.Path)
	if err != nil {
		_ = root.Close()
		return nil, cli.Exit(err.Error(), cnst.ExitStageFailure)
	}

	var overrides *profile.Overrides
	if path := c.String("overrides"); path != "" {
		overrides, err = profile.LoadOverrides(path)
		if err != nil {
			_ = root.Close()
			return nil, cli.Exit(err.Error(), cnst.ExitPrecondition)
		}
	}

	return &pipeline.Context{
		BuildRoot: root,
		Chroot:    chroot.New(root.ChrootPath()),
		Store:     store,
		Profile:   prof,
		Overrides: overrides,
		Release:   c.String("release"),
		Arch:      c.String("arch"),
		StartedAt: time.Now(),
	}, nil
}

func runPipeline(c *cli.Context, ctx *pipeline.Context) error {
	defer ctx.BuildRoot.Close()

	v := version.Get()
	utils.Log.Info().
		Str("version", v.Version).
		Str("build root", ctx.BuildRoot.Path).
		Str("release", ctx.Release).
		Str("arch", ctx.Arch).
		Str("profile", string(ctx.Profile)).
		Msg("liveforge")

	d := pipeline.NewDriver(ctx)

	if c.Bool("dry-run") {
		return d.DryRun(os.Stdout)
	}

	err := d.Run(context.Background())
	for _, res := range d.Results() {
		utils.Log.Info().Str("stage", res.Stage).Str("status", res.Status.String()).Str("message", res.Message).Msg("Stage result")
	}
	if err != nil {
		code := d.ExitCode()
		if code == cnst.ExitOK {
			code = cnst.ExitStageFailure
		}
		return cli.Exit(err.Error(), code)
	}
	return nil
}

var Commands = []*cli.Command{
	{
		Name:  "build",
		Usage: "run the full image build pipeline",
		Flags: buildFlags,
		Action: func(c *cli.Context) error {
			ctx, err := setup(c)
			if err != nil {
				return err
			}
			return runPipeline(c, ctx)
		},
	},
	{
		Name:  "rebuild",
		Usage: "destroy the chroot, then run the full pipeline from scratch",
		Flags: buildFlags,
		Action: func(c *cli.Context) error {
			ctx, err := setup(c)
			if err != nil {
				return err
			}
			utils.Log.Warn().Str("chroot", ctx.Chroot.Path).Msg("Rebuild requested, destroying chroot")
			if err := ctx.Chroot.Destroy(); err != nil {
				_ = ctx.BuildRoot.Close()
				return cli.Exit(err.Error(), cnst.ExitDestroyFailed)
			}
			_ = ctx.Store.Checkpoint("rebuild_requested")
			return runPipeline(c, ctx)
		},
	},
	{
		Name:  "clean",
		Usage: "destroy the chroot and release its mounts",
		Flags: buildFlags,
		Action: func(c *cli.Context) error {
			ctx, err := setup(c)
			if err != nil {
				return err
			}
			defer ctx.BuildRoot.Close()
			if err := ctx.Chroot.Destroy(); err != nil {
				return cli.Exit(err.Error(), cnst.ExitDestroyFailed)
			}
			_ = ctx.Store.Checkpoint("clean_complete")
			return nil
		},
	},
	{
		Name:  "verify",
		Usage: "run structural verification against the chroot and report",
		Flags: buildFlags,
		Action: func(c *cli.Context) error {
			ctx, err := setup(c)
			if err != nil {
				return err
			}
			defer ctx.BuildRoot.Close()
			if err := ctx.Chroot.Verify(); err != nil {
				return cli.Exit(err.Error(), cnst.ExitVerifyFailure)
			}
			created, _ := ctx.Chroot.CreatedAt()
			utils.Log.Info().Time("created", created).Msg("Chroot is structurally valid")
			return nil
		},
	},
	{
		Name:  "state",
		Usage: "print the recorded build state and checkpoints",
		Flags: buildFlags,
		Action: func(c *cli.Context) error {
			ctx, err := setup(c)
			if err != nil {
				return err
			}
			defer ctx.BuildRoot.Close()

			env, err := ctx.Store.ReadState()
			if err != nil {
				return cli.Exit(err.Error(), cnst.ExitStageFailure)
			}
			for k, v := range env {
				fmt.Printf("%s=%s\n", k, v)
			}
			names, err := ctx.Store.Checkpoints()
			if err != nil {
				return cli.Exit(err.Error(), cnst.ExitStageFailure)
			}
			for _, name := range names {
				count, _ := ctx.Store.CheckpointCount(name)
				fmt.Printf("checkpoint %s (%d records)\n", name, count)
			}
			return nil
		},
	},
	{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			v := version.Get()
			fmt.Printf("liveforge %s (commit %s, %s)\n", v.Version, v.GitCommit, v.GoVersion)
			return nil
		},
	},
}
