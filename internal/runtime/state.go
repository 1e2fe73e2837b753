package runtime

import (
	"fmt"
	"time"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/repository"
)

// State exclusively owns repositories and per-identity runtime status.
// It is mutated only from the event loop goroutine; callers elsewhere
// hold only references handed out via snapshot methods.
type State struct {
	repoOrder  []string
	repos      map[string]*repository.Repository
	containers map[manifest.Identity]*RuntimeStatus
}

// NewState constructs an empty State.
func NewState() *State {
	return &State{
		repos:      make(map[string]*repository.Repository),
		containers: make(map[manifest.Identity]*RuntimeStatus),
	}
}

// instanceIdentities expands a manifest into the runtime identities it
// installs as: the container identity itself, or, when instances is set
// above one, that many ordinal-suffixed identities.
func instanceIdentities(m *manifest.Manifest) []manifest.Identity {
	base := m.Container
	if m.Instances == nil || *m.Instances <= 1 {
		return []manifest.Identity{base}
	}
	out := make([]manifest.Identity, 0, *m.Instances)
	for i := 1; i <= *m.Instances; i++ {
		out = append(out, manifest.Identity{
			Name:    fmt.Sprintf("%s-%d", base.Name, i),
			Version: base.Version,
		})
	}
	return out
}

// AddRepository registers a repository snapshot at the end of the
// resolution priority order and indexes every container it carries as
// Installed. An identity already indexed by an earlier repository wins
// by priority; the later one is logged and skipped.
func (s *State) AddRepository(repo *repository.Repository) error {
	if _, ok := s.repos[repo.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRepository, repo.ID)
	}
	s.repos[repo.ID] = repo
	s.repoOrder = append(s.repoOrder, repo.ID)

	for _, entry := range repo.Containers {
		m := entry.Npk.Manifest
		for _, id := range instanceIdentities(m) {
			if _, exists := s.containers[id]; exists {
				log.Logger.Warn().
					Str("identity", id.String()).
					Str("repo", repo.ID).
					Msg("identity already indexed by a higher-priority repository, skipping")
				continue
			}
			s.containers[id] = &RuntimeStatus{
				Identity:     id,
				Manifest:     m,
				RepositoryID: repo.ID,
				State:        Installed,
			}
		}
	}
	return nil
}

// Repository returns the current snapshot for id.
func (s *State) Repository(id string) (*repository.Repository, bool) {
	r, ok := s.repos[id]
	return r, ok
}

// Repositories returns snapshots in resolution priority order.
func (s *State) Repositories() []*repository.Repository {
	out := make([]*repository.Repository, 0, len(s.repoOrder))
	for _, id := range s.repoOrder {
		out = append(out, s.repos[id])
	}
	return out
}

// AllIdentities returns every identity known across all repositories,
// the candidate set resource resolution scans.
func (s *State) AllIdentities() []manifest.Identity {
	var out []manifest.Identity
	for _, id := range s.repoOrder {
		for identity := range s.repos[id].Containers {
			out = append(out, identity)
		}
	}
	return out
}

// Instances returns the runtime identities backed by the package base
// (one for a single-instance container, N for an instanced one).
func (s *State) Instances(base manifest.Identity) []manifest.Identity {
	var out []manifest.Identity
	for id, status := range s.containers {
		if status.Manifest.Container == base {
			out = append(out, id)
		}
	}
	return out
}

// Install records a newly installed package as owned by repoID. The
// caller (the event loop, after the streaming install completed and
// repository.Add ran) supplies the updated repository snapshot.
func (s *State) Install(repoID string, updated *repository.Repository, identity manifest.Identity) error {
	entry, ok := updated.Containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s missing from updated snapshot", ErrUnknownContainer, identity)
	}
	ids := instanceIdentities(entry.Npk.Manifest)
	for _, id := range ids {
		if _, exists := s.containers[id]; exists {
			return fmt.Errorf("%w: %s", ErrAlreadyInstalled, id)
		}
	}
	s.repos[repoID] = updated
	for _, id := range ids {
		s.containers[id] = &RuntimeStatus{
			Identity:     id,
			Manifest:     entry.Npk.Manifest,
			RepositoryID: repoID,
			State:        Installed,
		}
	}
	return nil
}

// Uninstall removes a package's runtime identities; every one of them
// must still be Installed (never mounted, or unmounted since).
func (s *State) Uninstall(repoID string, updated *repository.Repository, identities []manifest.Identity) error {
	for _, id := range identities {
		status, ok := s.containers[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownContainer, id)
		}
		if status.State != Installed {
			return fmt.Errorf("%w: uninstall requires Installed, have %s for %s", ErrInvalidTransition, status.State, id)
		}
	}
	s.repos[repoID] = updated
	for _, id := range identities {
		delete(s.containers, id)
	}
	return nil
}

// BeginMount transitions Installed -> Mounted, recording the container
// root the mount planner resolved.
func (s *State) BeginMount(identity manifest.Identity, root string) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Installed {
		return fmt.Errorf("%w: mount requires Installed, have %s", ErrInvalidTransition, status.State)
	}
	status.State = Mounted
	status.Root = root
	return nil
}

// Unmount reverses BeginMount.
func (s *State) Unmount(identity manifest.Identity) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Mounted {
		return fmt.Errorf("%w: umount requires Mounted, have %s", ErrInvalidTransition, status.State)
	}
	status.State = Installed
	status.Root = ""
	return nil
}

// BeginStart transitions Mounted|Exited -> Starting for an explicit,
// caller-initiated start. The restart counter resets, so an operator's
// Start always regains the full on_exit budget.
func (s *State) BeginStart(identity manifest.Identity) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Mounted && status.State != Exited {
		return fmt.Errorf("%w: start requires Mounted or Exited, have %s", ErrInvalidTransition, status.State)
	}
	status.State = Starting
	status.RestartCount = 0
	return nil
}

// BeginAutoRestart transitions Exited -> Starting for an on_exit-driven
// automatic restart, preserving the restart counter HandleChildExit
// already advanced so the policy's budget can exhaust.
func (s *State) BeginAutoRestart(identity manifest.Identity) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Exited {
		return fmt.Errorf("%w: auto-restart requires Exited, have %s", ErrInvalidTransition, status.State)
	}
	status.State = Starting
	return nil
}

// AbortStart reverts a Starting container to prev after a failed fork,
// so a start that could not produce a process is a no-op on the state
// machine.
func (s *State) AbortStart(identity manifest.Identity, prev ContainerState) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Starting {
		return fmt.Errorf("%w: abort requires Starting, have %s", ErrInvalidTransition, status.State)
	}
	status.State = prev
	return nil
}

// Started transitions Starting -> Running, recording the forked pid.
func (s *State) Started(identity manifest.Identity, pid int) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Starting {
		return fmt.Errorf("%w: started requires Starting, have %s", ErrInvalidTransition, status.State)
	}
	status.State = Running
	status.Pid = pid
	status.StartedAt = time.Now()
	return nil
}

// BeginKill transitions Running -> Stopping.
func (s *State) BeginKill(identity manifest.Identity) error {
	status, ok := s.containers[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Running {
		return fmt.Errorf("%w: kill requires Running, have %s", ErrInvalidTransition, status.State)
	}
	status.State = Stopping
	return nil
}

// HandleChildExit transitions Running|Stopping -> Exited and reports
// whether an automatic restart is due under the manifest's on_exit
// policy.
func (s *State) HandleChildExit(identity manifest.Identity, exit ExitStatus) (shouldRestart bool, err error) {
	status, ok := s.containers[identity]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownContainer, identity)
	}
	if status.State != Running && status.State != Stopping {
		return false, fmt.Errorf("%w: child exit requires Running or Stopping, have %s", ErrInvalidTransition, status.State)
	}
	wasStopping := status.State == Stopping
	status.State = Exited
	status.Pid = 0
	status.LastExit = &exit

	if wasStopping || status.Manifest.OnExit == nil {
		return false, nil
	}
	if status.RestartCount >= status.Manifest.OnExit.Restart {
		return false, nil
	}
	status.RestartCount++
	return true, nil
}

// Status returns the current runtime status for identity.
func (s *State) Status(identity manifest.Identity) (RuntimeStatus, bool) {
	status, ok := s.containers[identity]
	if !ok {
		return RuntimeStatus{}, false
	}
	return *status, true
}

// List returns every tracked runtime status.
func (s *State) List() []RuntimeStatus {
	out := make([]RuntimeStatus, 0, len(s.containers))
	for _, status := range s.containers {
		out = append(out, *status)
	}
	return out
}
