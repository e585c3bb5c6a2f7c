package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile selects which package set and enhancement stages a build applies.
type Profile string

const (
	Minimal      Profile = "minimal"
	Standard     Profile = "standard"
	Development  Profile = "development"
	ZFSOptimized Profile = "zfs_optimized"
	Security     Profile = "security"
)

// Parse validates an operator-supplied profile name.
func Parse(name string) (Profile, error) {
	switch Profile(name) {
	case Minimal, Standard, Development, ZFSOptimized, Security:
		return Profile(name), nil
	default:
		return "", fmt.Errorf("unknown build profile %q", name)
	}
}

// Packages returns the package list installed for the profile.
func (p Profile) Packages() []string {
	base := []string{"systemd", "dbus", "apt-utils", "locales"}
	common := append(base, "sudo")
	switch p {
	case Minimal:
		return base
	case Standard:
		return append(common,
			"wget", "curl", "gnupg", "ca-certificates", "openssh-server",
			"nano", "vim-tiny")
	case Development:
		return append(common,
			"build-essential", "git", "python3", "python3-pip",
			"nodejs", "npm", "docker.io")
	case ZFSOptimized:
		return append(common,
			"zfsutils-linux", "zfs-dkms", "linux-headers-generic",
			"smartmontools", "hdparm")
	case Security:
		return append(common,
			"cryptsetup", "gnupg2", "openssl", "fail2ban",
			"ufw", "apparmor", "auditd")
	default:
		return base
	}
}

// EnableZFS reports whether the profile pulls the ZFS package repository in.
func (p Profile) EnableZFS() bool { return p == ZFSOptimized }

// EnableSecurity reports whether the security hardening enhancements apply.
func (p Profile) EnableSecurity() bool { return p == Security }

// HasEnhancements reports whether the optional profile-enhance stage has
// anything to do for this profile.
func (p Profile) HasEnhancements() bool { return p.EnableZFS() || p.EnableSecurity() }

// Overrides is the optional operator-supplied YAML tuning file.
type Overrides struct {
	// ExtraPackages are appended to the profile package list.
	ExtraPackages []string `yaml:"extra_packages"`
	// ExcludePackages are dropped from the profile package list.
	ExcludePackages []string `yaml:"exclude_packages"`
	// Hostname overrides the default live-image hostname.
	Hostname string `yaml:"hostname"`
	// VolumeLabel overrides the ISO volume label.
	VolumeLabel string `yaml:"volume_label"`
}

// LoadOverrides reads a YAML override file. A missing file is not an error,
// it just means no overrides.
func LoadOverrides(path string) (*Overrides, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Overrides{}, nil
	}
	if err != nil {
		return nil, err
	}
	var o Overrides
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &o, nil
}

// Apply merges the overrides into a profile package list.
func (o *Overrides) Apply(packages []string) []string {
	excluded := make(map[string]bool, len(o.ExcludePackages))
	for _, p := range o.ExcludePackages {
		excluded[p] = true
	}
	var out []string
	for _, p := range append(packages, o.ExtraPackages...) {
		if !excluded[p] {
			out = append(out, p)
		}
	}
	return out
}
