package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ManifestVersion is the manifest format this runtime understands.
const ManifestVersion = 2

var idPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9-]+)+$`)

// Manifest describes a plugin: identity, what it provides, what it
// depends on, and the resource limits it accepts.
type Manifest struct {
	ManifestVersion int          `json:"manifestVersion" yaml:"manifest_version"`
	ID              string       `json:"id" yaml:"id"`
	Version         string       `json:"version" yaml:"version"`
	Description     string       `json:"description,omitempty" yaml:"description,omitempty"`
	Provides        []Capability `json:"provides" yaml:"provides"`
	Dependencies    []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Limits          Limits       `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Capability is one thing a plugin offers: a neuron set, a schedule, a
// tool, an event kind.
type Capability struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id" yaml:"id"`
}

// Dependency pins another plugin to a half-open version range
// [Min, Max). An empty Max means any version from Min on.
type Dependency struct {
	ID  string `json:"id" yaml:"id"`
	Min string `json:"min" yaml:"min"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// Limits are per-plugin resource caps. Zero fields inherit the runtime
// defaults; a manifest may lower a default but never raise it.
type Limits struct {
	MaxSchedules     int     `json:"maxSchedules,omitempty" yaml:"max_schedules,omitempty"`
	MaxStorageMB     float64 `json:"maxStorageMB,omitempty" yaml:"max_storage_mb,omitempty"`
	SignalsPerMinute int     `json:"signalsPerMinute,omitempty" yaml:"signals_per_minute,omitempty"`
}

// Validate checks the manifest against the format rules. All problems
// wrap ErrValidationFailed.
func (m *Manifest) Validate() error {
	if m.ManifestVersion != ManifestVersion {
		return fmt.Errorf("%w: manifest version %d, want %d", ErrValidationFailed, m.ManifestVersion, ManifestVersion)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: missing plugin id", ErrValidationFailed)
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: plugin id %q is not reverse-DNS", ErrValidationFailed, m.ID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q is not semver: %v", ErrValidationFailed, m.Version, err)
	}
	if len(m.Provides) == 0 {
		return fmt.Errorf("%w: plugin must provide at least one capability", ErrValidationFailed)
	}

	seen := make(map[string]bool, len(m.Provides))
	for _, c := range m.Provides {
		if c.Type == "" || c.ID == "" {
			return fmt.Errorf("%w: capability needs both type and id", ErrValidationFailed)
		}
		key := c.Type + "/" + c.ID
		if seen[key] {
			return fmt.Errorf("%w: duplicate capability %s", ErrValidationFailed, key)
		}
		seen[key] = true
	}

	for _, dep := range m.Dependencies {
		if dep.ID == "" {
			return fmt.Errorf("%w: dependency without id", ErrValidationFailed)
		}
		if dep.ID == m.ID {
			return fmt.Errorf("%w: plugin cannot depend on itself", ErrValidationFailed)
		}
		if _, err := semver.NewVersion(dep.Min); err != nil {
			return fmt.Errorf("%w: dependency %s min %q is not semver: %v", ErrValidationFailed, dep.ID, dep.Min, err)
		}
		if dep.Max != "" {
			max, err := semver.NewVersion(dep.Max)
			if err != nil {
				return fmt.Errorf("%w: dependency %s max %q is not semver: %v", ErrValidationFailed, dep.ID, dep.Max, err)
			}
			min := semver.MustParse(dep.Min)
			if !max.GreaterThan(min) {
				return fmt.Errorf("%w: dependency %s has empty range [%s, %s)", ErrValidationFailed, dep.ID, dep.Min, dep.Max)
			}
		}
	}

	if m.Limits.MaxSchedules < 0 || m.Limits.MaxStorageMB < 0 || m.Limits.SignalsPerMinute < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrValidationFailed)
	}
	return nil
}

// InRange reports whether version satisfies the dependency's half-open
// range [Min, Max).
func (d *Dependency) InRange(version string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("failed to parse version %q: %w", version, err)
	}
	min, err := semver.NewVersion(d.Min)
	if err != nil {
		return false, fmt.Errorf("failed to parse min %q: %w", d.Min, err)
	}
	if v.LessThan(min) {
		return false, nil
	}
	if d.Max != "" {
		max, err := semver.NewVersion(d.Max)
		if err != nil {
			return false, fmt.Errorf("failed to parse max %q: %w", d.Max, err)
		}
		if !v.LessThan(max) {
			return false, nil
		}
	}
	return true, nil
}

// EventKindFor returns the namespaced event kind for a plugin-local
// name, e.g. "com.example.reminder" + "due" -> "com.example.reminder:due".
func EventKindFor(pluginID, name string) string {
	return pluginID + ":" + name
}

// KindOwner returns the plugin id prefix of a namespaced event kind,
// or "" if the kind has no prefix.
func KindOwner(kind string) string {
	idx := strings.IndexByte(kind, ':')
	if idx <= 0 {
		return ""
	}
	return kind[:idx]
}
