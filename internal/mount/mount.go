// Package mount turns a manifest's declared mounts into an ordered,
// concrete mount plan the init helper executes verbatim.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/resolve"
)

// Mount is one concrete mount syscall's worth of arguments.
type Mount struct {
	Source string
	Target string
	Fstype string
	Flags  uintptr
	Data   string
}

// Plan is the ordered list of Mounts plus the container root they are
// relative to.
type Plan struct {
	Root   string
	Mounts []Mount
}

// Config carries the daemon-wide paths the planner resolves targets
// against.
type Config struct {
	RunDir  string
	DataDir string
}

const (
	persistFlags = unix.MS_BIND | unix.MS_NODEV | unix.MS_NOSUID | unix.MS_NOEXEC
	procFlags    = unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV
	tmpfsFlags   = unix.MS_NODEV | unix.MS_NOSUID | unix.MS_NOEXEC
	remountRO    = unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY
)

// Build expands m's declared mounts into the ordered mount list for the
// container instance id, resolving any mount::Resource entries against
// candidates (every identity installed across all repositories). id is
// passed separately from m.Container so multi-instance containers get
// distinct roots and persist directories while sharing one manifest.
func Build(cfg Config, id manifest.Identity, m *manifest.Manifest, candidates []manifest.Identity) (*Plan, error) {
	root := filepath.Join(cfg.RunDir, fmt.Sprintf("%s:%s", id.Name, id.Version))

	plan := &Plan{Root: root}
	for _, target := range m.MountTargets() {
		mc := m.Mounts[target]
		dest := filepath.Join(root, strings.TrimPrefix(target, "/"))

		switch mc.Kind {
		case manifest.MountBind:
			if _, err := os.Stat(mc.Host); os.IsNotExist(err) {
				log.Logger.Warn().Str("container", id.String()).Str("host", mc.Host).Msg("bind mount host path missing, skipping")
				continue
			}
			flags := bindFlags(mc.Options)
			plan.Mounts = append(plan.Mounts, Mount{Source: mc.Host, Target: dest, Flags: flags})
			if !containsOption(mc.Options, "Rw") {
				plan.Mounts = append(plan.Mounts, Mount{Source: mc.Host, Target: dest, Flags: remountRO})
			}

		case manifest.MountPersist:
			dataPath := filepath.Join(cfg.DataDir, id.Name)
			if err := os.MkdirAll(dataPath, 0o755); err != nil {
				return nil, fmt.Errorf("mount: persist dir: %w", err)
			}
			if err := os.Chown(dataPath, int(m.UID), int(m.GID)); err != nil {
				return nil, fmt.Errorf("mount: chown persist dir: %w", err)
			}
			plan.Mounts = append(plan.Mounts, Mount{Source: dataPath, Target: dest, Flags: persistFlags})

		case manifest.MountProc:
			plan.Mounts = append(plan.Mounts, Mount{Source: "proc", Target: dest, Fstype: "proc", Flags: procFlags})

		case manifest.MountResource:
			dep, ok := resolve.Resource(candidates, mc.ResourceName, mc.ResourceVersion)
			if !ok {
				return nil, fmt.Errorf("%w: %s needs %s %s", ErrMissingResource, id, mc.ResourceName, mc.ResourceVersion)
			}
			src := filepath.Join(cfg.RunDir, fmt.Sprintf("%s:%s", dep.Name, dep.Version), mc.Dir)
			if _, err := os.Stat(src); os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: resource path %s does not exist", ErrMissingResource, src)
			}
			plan.Mounts = append(plan.Mounts, Mount{Source: src, Target: dest, Flags: unix.MS_BIND})
			plan.Mounts = append(plan.Mounts, Mount{Source: src, Target: dest, Flags: remountRO})

		case manifest.MountTmpfs:
			plan.Mounts = append(plan.Mounts, Mount{
				Source: "tmpfs", Target: dest, Fstype: "tmpfs", Flags: tmpfsFlags,
				Data: fmt.Sprintf("size=%d,mode=1777", mc.Size),
			})

		case manifest.MountDev:
			// expanded by the init helper, not the planner.
		}
	}

	return plan, nil
}

func bindFlags(options []string) uintptr {
	var flags uintptr = unix.MS_BIND
	for _, o := range options {
		switch o {
		case "NoExec":
			flags |= unix.MS_NOEXEC
		case "NoSuid":
			flags |= unix.MS_NOSUID
		case "NoDev":
			flags |= unix.MS_NODEV
		case "Rec":
			flags |= unix.MS_REC
		}
	}
	return flags
}

func containsOption(options []string, want string) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}
