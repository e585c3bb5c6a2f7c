package chroot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// CreateOptions parameterizes the one designated creation of the tree.
type CreateOptions struct {
	Release         string
	Arch            string
	IncludePackages []string
	Profile         string
	EnableZFS       bool
	EnableSecurity  bool
}

// bootstrapMetadata is written to etc/bootstrap-info.json inside the tree so
// the finished image records how it was born.
type bootstrapMetadata struct {
	Method    string   `json:"bootstrap_method"`
	Timestamp string   `json:"bootstrap_timestamp"`
	Release   string   `json:"release"`
	Arch      string   `json:"arch"`
	Profile   string   `json:"profile"`
	Packages  []string `json:"packages"`
}

// Create populates an empty tree with the primary bootstrap tool, falling
// back to the secondary once when the primary is missing or fails. On
// success it writes the completion marker and ISO-8601 timestamp, the APT
// configuration the later stages rely on, and reports the tree size.
func (c *Chroot) Create(opts CreateOptions) error {
	if c.Created() {
		return cnst.ErrChrootExists
	}
	if err := internalUtils.CreateIfNotExists(c.Path); err != nil {
		return err
	}

	method := "mmdebstrap"
	err := c.runMmdebstrap(opts)
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Primary bootstrap failed, falling back to debootstrap")
		method = "debootstrap"
		if err = c.runDebootstrap(opts); err != nil {
			internalUtils.Log.Err(err).Msg("Fallback bootstrap failed")
			return err
		}
	}

	if err := c.configureApt(opts); err != nil {
		return err
	}
	if err := c.writeMetadata(method, opts); err != nil {
		return err
	}
	if err := c.writeMarkers(); err != nil {
		return err
	}

	internalUtils.Log.Info().
		Str("method", method).
		Str("release", opts.Release).
		Str("arch", opts.Arch).
		Int64("bytes", c.TreeSize()).
		Msg("Chroot created")
	return nil
}

func (c *Chroot) runMmdebstrap(opts CreateOptions) error {
	if !internalUtils.ToolInPath("mmdebstrap") {
		return fmt.Errorf("mmdebstrap not in PATH: %w", cnst.ErrNoBootstrapTool)
	}

	args := []string{
		"--arch", opts.Arch,
		"--variant", "minbase",
		"--components", "main,restricted,universe,multiverse",
	}
	if len(opts.IncludePackages) > 0 {
		args = append(args, "--include", strings.Join(opts.IncludePackages, ","))
	}
	args = append(args,
		`--aptopt=Acquire::Check-Valid-Until "false"`,
		`--aptopt=APT::Install-Recommends "false"`,
		`--aptopt=APT::Install-Suggests "false"`,
		`--aptopt=Acquire::Languages "none"`,
		`--aptopt=Acquire::Retries "3"`,
		opts.Release, c.Path,
		primaryMirror(), cnst.SecurityMirror,
	)

	internalUtils.Log.Info().Str("release", opts.Release).Str("arch", opts.Arch).Msg("Running mmdebstrap")
	out, err := internalUtils.CommandWithTimeout(cnst.BootstrapTimeoutMinutes*time.Minute, "mmdebstrap", args...)
	if err != nil {
		return fmt.Errorf("mmdebstrap: %w: %s", err, lastLines(out, 5))
	}
	return nil
}

func (c *Chroot) runDebootstrap(opts CreateOptions) error {
	if !internalUtils.ToolInPath("debootstrap") {
		return cnst.ErrNoBootstrapTool
	}

	args := []string{
		"--arch", opts.Arch,
		"--variant", "minbase",
		"--components", "main,restricted,universe,multiverse",
	}
	if len(opts.IncludePackages) > 0 {
		// debootstrap chokes on long include lists, cap it and let the
		// packages stage install the rest.
		include := opts.IncludePackages
		if len(include) > 10 {
			include = include[:10]
		}
		args = append(args, "--include", strings.Join(include, ","))
	}
	args = append(args, opts.Release, c.Path, primaryMirror())

	internalUtils.Log.Info().Str("release", opts.Release).Str("arch", opts.Arch).Msg("Running debootstrap")
	out, err := internalUtils.CommandWithTimeout(cnst.BootstrapTimeoutMinutes*time.Minute, "debootstrap", args...)
	if err != nil {
		return fmt.Errorf("debootstrap: %w: %s", err, lastLines(out, 5))
	}
	return nil
}

// primaryMirror resolves the package mirror, overridable per build for
// local mirrors and caching proxies.
func primaryMirror() string {
	return internalUtils.EnvOrDefault("LIVEFORGE_MIRROR", cnst.PrimaryMirror)
}

// configureApt writes sources.list, an apt.conf.d drop-in, resolv.conf,
// hostname and hosts into the fresh tree.
func (c *Chroot) configureApt(opts CreateOptions) error {
	sources := fmt.Sprintf(`deb %[1]s %[2]s main restricted universe multiverse
deb %[1]s %[2]s-updates main restricted universe multiverse
deb %[1]s %[2]s-backports main restricted universe multiverse
deb %[3]s %[2]s-security main restricted universe multiverse
`, primaryMirror(), opts.Release, cnst.SecurityMirror)
	if opts.EnableZFS {
		sources += fmt.Sprintf("deb https://ppa.launchpadcontent.net/jonathonf/zfs/ubuntu %s main\n", opts.Release)
	}
	if err := c.WriteFile("etc/apt/sources.list", sources, 0644); err != nil {
		return err
	}

	aptConf := `APT::Install-Recommends "false";
APT::Install-Suggests "false";
APT::Get::Assume-Yes "true";
Acquire::Languages "none";
Dpkg::Use-Pty "0";
Acquire::Retries "3";
Acquire::Timeout "30";
`
	if err := c.WriteFile("etc/apt/apt.conf.d/99-liveforge", aptConf, 0644); err != nil {
		return err
	}

	if resolv, err := os.ReadFile("/etc/resolv.conf"); err == nil {
		if err := c.WriteFile("etc/resolv.conf", string(resolv), 0644); err != nil {
			return err
		}
	}

	if err := c.WriteFile("etc/hostname", cnst.LiveHostname+"\n", 0644); err != nil {
		return err
	}
	return c.WriteFile("etc/hosts", fmt.Sprintf("127.0.0.1 localhost\n127.0.1.1 %s\n", cnst.LiveHostname), 0644)
}

func (c *Chroot) writeMetadata(method string, opts CreateOptions) error {
	meta := bootstrapMetadata{
		Method:    method,
		Timestamp: time.Now().Format(time.RFC3339),
		Release:   opts.Release,
		Arch:      opts.Arch,
		Profile:   opts.Profile,
		Packages:  opts.IncludePackages,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return c.WriteFile(cnst.BootstrapMetadataFile, string(raw)+"\n", 0644)
}

// writeMarkers records completion last, so a half-finished create never
// looks complete to a later verification.
func (c *Chroot) writeMarkers() error {
	ts := time.Now().Format(time.RFC3339)
	if err := c.WriteFile(cnst.BootstrapTimestampMarker, ts, 0644); err != nil {
		return err
	}
	return c.WriteFile(cnst.BootstrapCompleteMarker, "1\n", 0644)
}

func (c *Chroot) WriteFile(rel, content string, perm os.FileMode) error {
	full := filepath.Join(c.Path, rel)
	if err := internalUtils.CreateIfNotExists(filepath.Dir(full)); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), perm)
}

func lastLines(out string, n int) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
