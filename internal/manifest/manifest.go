// Package manifest parses and validates the declarative description of
// one container: its identity, entrypoint, resource policy, and mount
// plan inputs.
package manifest

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is a three-part semantic version.
type Version struct {
	Major, Minor, Patch uint64
}

// ParseVersion parses a "MAJOR.MINOR.PATCH" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want MAJOR.MINOR.PATCH", s)
	}
	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v precedes other in semver precedence.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Identity is a container's (name, version) pair.
type Identity struct {
	Name    string
	Version Version
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s", id.Name, id.Version)
}

var nameRE = regexp.MustCompile(`^[a-z0-9_-]+$`)

func validateName(name string) error {
	if name == "" || !nameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// MountKind discriminates the supported mount variants.
type MountKind string

const (
	MountBind     MountKind = "bind"
	MountPersist  MountKind = "persist"
	MountProc     MountKind = "proc"
	MountResource MountKind = "resource"
	MountTmpfs    MountKind = "tmpfs"
	MountDev      MountKind = "dev"
)

// MountConfig is one manifest-declared mount, tagged by Kind.
type MountConfig struct {
	Kind MountKind

	// Bind
	Host    string
	Options []string

	// Resource
	ResourceName    string
	ResourceVersion string
	Dir             string

	// Tmpfs
	Size int64
}

type rawMount struct {
	Type    string   `yaml:"type"`
	Host    string   `yaml:"host"`
	Options []string `yaml:"options"`
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Dir     string   `yaml:"dir"`
	Size    int64    `yaml:"size"`
}

func (m *MountConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw rawMount
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch MountKind(raw.Type) {
	case MountBind:
		*m = MountConfig{Kind: MountBind, Host: raw.Host, Options: raw.Options}
	case MountPersist:
		*m = MountConfig{Kind: MountPersist}
	case MountProc:
		*m = MountConfig{Kind: MountProc}
	case MountResource:
		*m = MountConfig{Kind: MountResource, ResourceName: raw.Name, ResourceVersion: raw.Version, Dir: raw.Dir}
	case MountTmpfs:
		*m = MountConfig{Kind: MountTmpfs, Size: raw.Size}
	case MountDev:
		*m = MountConfig{Kind: MountDev}
	default:
		return fmt.Errorf("%w: unknown mount type %q", ErrInvalidMount, raw.Type)
	}
	return nil
}

// OnExit is the restart policy.
type OnExit struct {
	Restart int `yaml:"restart"`
}

// Cgroups limits.
type Cgroups struct {
	MemoryBytes int64 `yaml:"memory_bytes"`
	CPUShares   int64 `yaml:"cpu_shares"`
}

// Seccomp profile selection.
type Seccomp struct {
	Profile string   `yaml:"profile"`
	Allow   []string `yaml:"allow"`
}

// LogBuffer selects which in-memory ring buffer a container's output is
// attached to.
type LogBuffer struct {
	Tag    string `yaml:"tag"`
	Buffer string `yaml:"buffer"` // "main" or "custom(N)"
}

// ConsoleConfig is the per-container console permission/limit subset.
type ConsoleConfig struct {
	Permissions []string `yaml:"permissions"`
}

// Manifest is the validated, typed declaration of one package.
type Manifest struct {
	Container    Identity               `yaml:"container"`
	Init         string                 `yaml:"init"`
	Args         []string               `yaml:"args"`
	Env          map[string]string      `yaml:"env"`
	UID          uint32                 `yaml:"uid"`
	GID          uint32                 `yaml:"gid"`
	SupplGroups  []string               `yaml:"suppl_groups"`
	Autostart    bool                   `yaml:"autostart"`
	OnExit       *OnExit                `yaml:"on_exit"`
	Cgroups      *Cgroups               `yaml:"cgroups"`
	Seccomp      *Seccomp               `yaml:"seccomp"`
	Capabilities []string               `yaml:"capabilities"`
	Rlimits      map[string]uint64      `yaml:"rlimits"`
	Mounts       map[string]MountConfig `yaml:"mounts"`
	Console      *ConsoleConfig         `yaml:"console"`
	Log          *LogBuffer             `yaml:"log"`
	Instances    *int                   `yaml:"instances"`

	// mountOrder preserves the document's declared mount-target order.
	// The planner consumes targets in this order; manifests constructed
	// programmatically (tests) fall back to sorted targets.
	mountOrder []string
}

// MountTargets returns the mount targets in the order the planner must
// expand them: declared document order when the manifest was parsed,
// sorted order otherwise.
func (m *Manifest) MountTargets() []string {
	if len(m.mountOrder) == len(m.Mounts) {
		return m.mountOrder
	}
	targets := make([]string, 0, len(m.Mounts))
	for t := range m.Mounts {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// rawManifest lets Container/Version decode from a nested "name"/"version"
// pair instead of Identity's composite zero-value decode path.
type rawManifest struct {
	Container struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"container"`
	Init         string                 `yaml:"init"`
	Args         []string               `yaml:"args"`
	Env          map[string]string      `yaml:"env"`
	UID          uint32                 `yaml:"uid"`
	GID          uint32                 `yaml:"gid"`
	SupplGroups  []string               `yaml:"suppl_groups"`
	Autostart    bool                   `yaml:"autostart"`
	OnExit       *OnExit                `yaml:"on_exit"`
	Cgroups      *Cgroups               `yaml:"cgroups"`
	Seccomp      *Seccomp               `yaml:"seccomp"`
	Capabilities []string               `yaml:"capabilities"`
	Rlimits      map[string]uint64      `yaml:"rlimits"`
	Mounts       map[string]MountConfig `yaml:"mounts"`
	Console      *ConsoleConfig         `yaml:"console"`
	Log          *LogBuffer             `yaml:"log"`
	Instances    *int                   `yaml:"instances"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	version, err := ParseVersion(raw.Container.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
	}
	if err := validateName(raw.Container.Name); err != nil {
		return nil, err
	}

	m := &Manifest{
		Container:    Identity{Name: raw.Container.Name, Version: version},
		Init:         raw.Init,
		Args:         raw.Args,
		Env:          raw.Env,
		UID:          raw.UID,
		GID:          raw.GID,
		SupplGroups:  raw.SupplGroups,
		Autostart:    raw.Autostart,
		OnExit:       raw.OnExit,
		Cgroups:      raw.Cgroups,
		Seccomp:      raw.Seccomp,
		Capabilities: raw.Capabilities,
		Rlimits:      raw.Rlimits,
		Mounts:       raw.Mounts,
		Console:      raw.Console,
		Log:          raw.Log,
		Instances:    raw.Instances,
		mountOrder:   mountTargetOrder(data),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// mountTargetOrder walks the raw document for the top-level "mounts"
// mapping and returns its keys in declared order. yaml.v3's map decode
// discards ordering, so the order is recovered from the node tree.
func mountTargetOrder(data []byte) []string {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "mounts" {
			continue
		}
		mounts := root.Content[i+1]
		if mounts.Kind != yaml.MappingNode {
			return nil
		}
		order := make([]string, 0, len(mounts.Content)/2)
		for j := 0; j+1 < len(mounts.Content); j += 2 {
			order = append(order, mounts.Content[j].Value)
		}
		return order
	}
	return nil
}

// Validate re-checks the manifest invariants beyond what Parse's
// decode already enforces (name/version shape).
func (m *Manifest) Validate() error {
	if !path.IsAbs(m.Init) {
		return fmt.Errorf("%w: %q", ErrInvalidInit, m.Init)
	}
	if m.OnExit != nil && m.OnExit.Restart < 1 {
		return ErrInvalidOnExit
	}
	if m.Instances != nil && *m.Instances < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidInstances, *m.Instances)
	}

	// Duplicate targets cannot survive the map decode; a parsed document
	// with a repeated key is rejected by yaml.v3 itself. What's left to
	// check per target is kind-specific shape.
	var procTarget string
	for target, mc := range m.Mounts {
		if mc.Kind == MountProc {
			procTarget = target
		}
		if mc.Kind == MountTmpfs && mc.Size <= 0 {
			return fmt.Errorf("%w: tmpfs at %q must have size > 0", ErrInvalidMount, target)
		}
	}
	if procTarget != "" {
		procClean := path.Clean("/" + procTarget)
		for target, mc := range m.Mounts {
			if mc.Kind == MountProc {
				continue
			}
			cleaned := path.Clean("/" + target)
			if cleaned == procClean || strings.HasPrefix(cleaned, procClean+"/") {
				return fmt.Errorf("%w: %q overlaps proc mount at %q", ErrInvalidMount, target, procTarget)
			}
		}
	}
	return nil
}
