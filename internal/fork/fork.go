// Package fork implements the runtime.Forker contract by re-executing
// the daemon's own binary as a short-lived "init" helper: the pattern
// containerd/runc-family tools use instead of a raw fork(2)+exec(2)
// from a multi-threaded Go process. The helper applies the mount plan,
// drops identity, and execs the container entrypoint; the package is
// kept deliberately thin and swappable behind the Forker interface.
package fork

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/mount"
	"github.com/npk-runtime/npkd/internal/runtime"
)

// InitEnvVar names the environment variable Fork uses to hand the child
// process the path to its serialized InitPlan.
const InitEnvVar = "NPKD_INIT_PLAN"

// InitPlan is everything the re-exec'd init helper needs: the manifest
// (uid/gid/groups/entrypoint/env) and the concrete mount plan this
// daemon already computed.
type InitPlan struct {
	Manifest *manifest.Manifest
	Plan     *mount.Plan
	Args     []string
	Env      []string
}

// ExitNotifier is called from a background goroutine once a forked
// child's fate is known, so the caller can feed it back into the event
// loop as a ChildEvent.
type ExitNotifier interface {
	SubmitChild(runtime.ChildEvent)
}

// Forker launches init helpers by re-executing the current binary with a
// hidden subcommand and reports their exit back to notifier.
type Forker struct {
	selfExe  string
	initArgv []string
	notifier ExitNotifier
}

// New constructs a Forker. initArgv is the argv this binary recognizes
// as "run the init helper" (e.g. []string{"__init"}), dispatched by
// cmd/npkd's root command.
func New(notifier ExitNotifier, initArgv []string) (*Forker, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("fork: resolve self executable: %w", err)
	}
	return &Forker{selfExe: self, initArgv: initArgv, notifier: notifier}, nil
}

// Fork starts one init helper for status, handing it plan via a temp
// file referenced by InitEnvVar, and returns its pid immediately: the
// container counts as started once the helper process exists.
func (f *Forker) Fork(status *runtime.RuntimeStatus, plan *mount.Plan) (int, error) {
	tmp, err := os.CreateTemp("", "npkd-init-*.json")
	if err != nil {
		return 0, fmt.Errorf("fork: create plan file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	planErr := enc.Encode(InitPlan{
		Manifest: status.Manifest,
		Plan:     plan,
		Args:     status.Manifest.Args,
		Env:      envSlice(status.Manifest.Env),
	})
	tmp.Close()
	if planErr != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("fork: write plan: %w", planErr)
	}

	cmd := exec.Command(f.selfExe, f.initArgv...)
	cmd.Env = append(os.Environ(), InitEnvVar+"="+tmp.Name())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("fork: start init helper: %w", err)
	}

	pid := cmd.Process.Pid
	identity := status.Identity
	go func() {
		waitErr := cmd.Wait()
		os.Remove(tmp.Name())
		f.notifier.SubmitChild(runtime.ChildEvent{Identity: identity, Exit: exitStatus(waitErr)})
	}()
	return pid, nil
}

// Signal delivers sig to pid.
func (f *Forker) Signal(pid int, sig int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.Signal(sig))
}

func exitStatus(err error) runtime.ExitStatus {
	if err == nil {
		return runtime.ExitStatus{Code: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return runtime.ExitStatus{Code: -1}
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return runtime.ExitStatus{Code: int32(exitErr.ExitCode())}
	}
	if status.Signaled() {
		return runtime.ExitStatus{Signalled: true, Signal: uint32(status.Signal())}
	}
	return runtime.ExitStatus{Code: int32(status.ExitStatus())}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
