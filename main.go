package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ultrathink-os/liveforge/internal/cmd"
	"github.com/ultrathink-os/liveforge/internal/version"
)

// liveforge assembles a bootable Debian/Ubuntu live image: it bootstraps a
// chroot, installs a package profile into it, configures live boot and packs
// the result into an ISO, driving everything through a staged pipeline with
// an auditable checkpoint trail.
func main() {
	app := cli.NewApp()
	app.Name = "liveforge"
	app.Version = version.GetVersion()
	app.Usage = "staged live-image build orchestrator"
	app.Commands = cmd.Commands
	app.DefaultCommand = "build"

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
