// Package runtime owns container runtime state: the lifecycle state
// machine, resource-dependency resolution, and the single-writer event
// loop that serializes all mutations.
package runtime

import (
	"fmt"
	"time"

	"github.com/npk-runtime/npkd/internal/manifest"
)

// ContainerState is a container's position in the lifecycle state
// machine.
type ContainerState int

const (
	Installed ContainerState = iota
	Mounted
	Starting
	Running
	Stopping
	Exited
)

func (s ContainerState) String() string {
	switch s {
	case Installed:
		return "installed"
	case Mounted:
		return "mounted"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitStatus records how a container's init process last ended.
type ExitStatus struct {
	Signalled bool
	Code      int32
	Signal    uint32
}

func (e ExitStatus) String() string {
	if e.Signalled {
		return fmt.Sprintf("signalled(%d)", e.Signal)
	}
	return fmt.Sprintf("exit(%d)", e.Code)
}

// RuntimeStatus is the full per-container runtime record.
type RuntimeStatus struct {
	Identity     manifest.Identity
	Manifest     *manifest.Manifest
	RepositoryID string
	Root         string
	State        ContainerState
	Pid          int
	StartedAt    time.Time
	LastExit     *ExitStatus
	RestartCount int
}

// ChildEvent is a notification from a forked init process, delivered to
// the event loop as the process's fate becomes known.
type ChildEvent struct {
	Identity manifest.Identity
	Exit     ExitStatus
}
