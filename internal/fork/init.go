package fork

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// RunInit is the entrypoint the re-exec'd init helper calls: it reads the
// plan serialized by Fork, applies every mount in order, drops to the
// manifest's uid/gid/supplementary groups, and execs the entrypoint. It
// never returns on success, since syscall.Exec replaces the process
// image outright.
func RunInit(planPath string) error {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("init: read plan: %w", err)
	}
	var plan InitPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("init: decode plan: %w", err)
	}

	for _, m := range plan.Plan.Mounts {
		if err := os.MkdirAll(m.Target, 0o755); err != nil {
			return fmt.Errorf("init: mkdir %s: %w", m.Target, err)
		}
		if err := unix.Mount(m.Source, m.Target, m.Fstype, m.Flags, m.Data); err != nil {
			return fmt.Errorf("init: mount %s -> %s: %w", m.Source, m.Target, err)
		}
	}

	gids, err := resolveGroups(plan.Manifest.SupplGroups)
	if err != nil {
		return err
	}
	if len(gids) > 0 {
		if err := syscall.Setgroups(gids); err != nil {
			return fmt.Errorf("init: setgroups: %w", err)
		}
	}
	if err := syscall.Setresgid(int(plan.Manifest.GID), int(plan.Manifest.GID), int(plan.Manifest.GID)); err != nil {
		return fmt.Errorf("init: setresgid: %w", err)
	}
	if err := syscall.Setresuid(int(plan.Manifest.UID), int(plan.Manifest.UID), int(plan.Manifest.UID)); err != nil {
		return fmt.Errorf("init: setresuid: %w", err)
	}

	argv := append([]string{plan.Manifest.Init}, plan.Args...)
	return syscall.Exec(plan.Manifest.Init, argv, plan.Env)
}

// resolveGroups turns supplementary group names into gids, attaching
// the specific unresolved name to the error so a failed start names the
// group that broke it.
func resolveGroups(names []string) ([]int, error) {
	gids := make([]int, 0, len(names))
	for _, name := range names {
		g, err := user.LookupGroup(name)
		if err != nil {
			return nil, fmt.Errorf("init: resolve supplementary group %q: %w", name, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil, fmt.Errorf("init: group %q has non-numeric gid %q: %w", name, g.Gid, err)
		}
		gids = append(gids, gid)
	}
	return gids, nil
}
