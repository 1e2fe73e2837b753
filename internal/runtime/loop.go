package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/metrics"
	"github.com/npk-runtime/npkd/internal/mount"
	"github.com/npk-runtime/npkd/internal/repository"
)

// Op enumerates the console-facing operations the event loop dispatches,
// mirroring the Command{Op,Data} shape used to drive state transitions
// one at a time.
type Op int

const (
	OpInstall Op = iota
	OpUninstall
	OpMount
	OpUnmount
	OpStart
	OpKill
	OpStatus
	OpList
	OpRepositories
)

// RepositoryInfo summarizes one registered repository for the console's
// Repositories response, including the operator-visible skipped-file
// count.
type RepositoryInfo struct {
	ID      string
	Dir     string
	Count   int
	Skipped int
}

// Request is one console-originated operation awaiting dispatch on the
// event loop.
type Request struct {
	Op           Op
	Identity     manifest.Identity
	RepositoryID string
	Stream       io.Reader // Install only: package bytes already drained from the wire
	Size         int64     // Install only: declared byte count
	Signal       int       // Kill only

	// Start only: optional overrides for the manifest's args and env.
	Args []string
	Env  map[string]string
}

// Response is what the event loop hands back for a dispatched Request.
type Response struct {
	Status       *RuntimeStatus
	Statuses     []RuntimeStatus
	Repositories []RepositoryInfo
	Err          error
}

// ConsoleEvent pairs a Request with the channel its caller is waiting on.
type ConsoleEvent struct {
	Request Request
	Reply   chan<- Response
}

// Event is the single sum type the event loop selects over.
type Event struct {
	Console     *ConsoleEvent
	Child       *ChildEvent
	installDone *installResult
}

type installResult struct {
	repoID   string
	identity manifest.Identity
	updated  *repository.Repository
	err      error
	reply    chan<- Response
}

// Config carries the paths and limits the event loop needs to plan
// mounts and fork inits.
type Config struct {
	RunDir          string
	DataDir         string
	ShutdownGrace   time.Duration
	MaxInstallBytes int64
}

// Engine is the single-writer event loop: the only goroutine that
// mutates State.
type Engine struct {
	cfg           Config
	state         *State
	notify        *Broadcaster
	events        chan Event
	forker        Forker
	consoleAttach ContainerConsole

	// plans remembers the mount plan handed to each running container's
	// init helper, so Umount can reverse it. Touched only from the loop
	// goroutine.
	plans map[manifest.Identity]*mount.Plan

	// unmountFn is the syscall seam Umount reversal goes through.
	unmountFn func(target string) error
}

// Forker starts and signals container init processes. Production code
// wires this to the real fork/exec/mount-namespace helper; tests supply
// a fake.
type Forker interface {
	Fork(status *RuntimeStatus, plan *mount.Plan) (pid int, err error)
	Signal(pid int, sig int) error
}

// ContainerConsole attaches and detaches the per-container console
// listener a mounted container uses to query its own identity,
// reachable only from inside the container's own mount namespace via a
// socket bind-mounted at its root.
type ContainerConsole interface {
	Attach(identity manifest.Identity, socketPath string) error
	Detach(identity manifest.Identity)
}

// NewEngine constructs an Engine ready to Run. sink may be nil to
// disable notification history persistence.
func NewEngine(cfg Config, forker Forker, sink NotificationSink) *Engine {
	return &Engine{
		cfg:    cfg,
		state:  NewState(),
		notify: NewBroadcaster(sink),
		events: make(chan Event, 256),
		forker: forker,
		plans:  make(map[manifest.Identity]*mount.Plan),
		unmountFn: func(target string) error {
			return unix.Unmount(target, unix.MNT_DETACH)
		},
	}
}

// SetForker assigns the Forker after construction, for the common
// wiring order where the Forker's ExitNotifier is the Engine itself
// (internal/fork.New takes the engine as notifier, but NewEngine needs
// to exist first to be passed in).
func (e *Engine) SetForker(f Forker) { e.forker = f }

// SetContainerConsole assigns the optional per-container console
// attacher. Without one, Mount/Unmount simply skip the attach step and
// Ident remains unreachable from inside containers.
func (e *Engine) SetContainerConsole(c ContainerConsole) { e.consoleAttach = c }

// State exposes the owned state for read-mostly queries (listing,
// resource resolution) performed outside the loop goroutine. Callers
// must not mutate the returned pointer's fields.
func (e *Engine) State() *State { return e.state }

// Notifications returns the fanout broadcaster.
func (e *Engine) Notifications() *Broadcaster { return e.notify }

// Submit enqueues a console request and blocks until the event queue
// accepts it (or ctx is done), but does not itself wait for the response.
func (e *Engine) Submit(ctx context.Context, req Request) (<-chan Response, error) {
	reply := make(chan Response, 1)
	select {
	case e.events <- Event{Console: &ConsoleEvent{Request: req, Reply: reply}}:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitChild enqueues a child-process lifecycle event.
func (e *Engine) SubmitChild(ev ChildEvent) {
	e.events <- Event{Child: &ev}
}

// Run drains events until ctx is cancelled, serializing every state
// mutation through this single goroutine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainShutdown()
			return
		case ev := <-e.events:
			e.dispatch(ev)
			e.updateStateMetrics()
		}
	}
}

func (e *Engine) dispatch(ev Event) {
	switch {
	case ev.Console != nil:
		e.handleConsole(*ev.Console)
	case ev.Child != nil:
		e.handleChild(*ev.Child)
	case ev.installDone != nil:
		e.handleInstallDone(*ev.installDone)
	}
}

func (e *Engine) updateStateMetrics() {
	counts := make(map[ContainerState]int)
	for _, status := range e.state.List() {
		counts[status.State]++
	}
	for st := Installed; st <= Exited; st++ {
		metrics.ContainersByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

func (e *Engine) handleConsole(ce ConsoleEvent) {
	req := ce.Request
	switch req.Op {
	case OpInstall:
		e.beginInstall(req, ce.Reply)
	case OpUninstall:
		ce.Reply <- e.uninstall(req.Identity)
	case OpMount:
		ce.Reply <- e.mountContainer(req.Identity)
	case OpUnmount:
		ce.Reply <- e.unmountContainer(req.Identity)
	case OpStart:
		ce.Reply <- e.startContainer(req.Identity, req.Args, req.Env)
	case OpKill:
		ce.Reply <- e.killContainer(req.Identity, req.Signal)
	case OpStatus:
		status, ok := e.state.Status(req.Identity)
		if !ok {
			ce.Reply <- Response{Err: fmt.Errorf("%w: %s", ErrUnknownContainer, req.Identity)}
			return
		}
		ce.Reply <- Response{Status: &status}
	case OpList:
		ce.Reply <- Response{Statuses: e.state.List()}
	case OpRepositories:
		var infos []RepositoryInfo
		for _, r := range e.state.Repositories() {
			infos = append(infos, RepositoryInfo{ID: r.ID, Dir: r.Dir, Count: len(r.Containers), Skipped: r.Skipped})
		}
		ce.Reply <- Response{Repositories: infos}
	}
}

// beginInstall streams the package to a temp file, parses it and adds it
// to the repository off the loop goroutine, then re-enters the loop with
// the result, so other identities' transitions are never stalled behind
// one slow upload.
func (e *Engine) beginInstall(req Request, reply chan<- Response) {
	if e.cfg.MaxInstallBytes > 0 && req.Size > e.cfg.MaxInstallBytes {
		reply <- Response{Err: fmt.Errorf("install of %d bytes exceeds limit %d", req.Size, e.cfg.MaxInstallBytes)}
		return
	}
	repo, ok := e.state.Repository(req.RepositoryID)
	if !ok {
		reply <- Response{Err: fmt.Errorf("repository %q not registered", req.RepositoryID)}
		return
	}
	go func() {
		tmp, err := os.MkdirTemp(repo.Dir, "install-*")
		if err != nil {
			e.events <- Event{installDone: &installResult{err: err, reply: reply}}
			return
		}
		defer os.RemoveAll(tmp)

		f, err := os.Create(filepath.Join(tmp, "manifest.yaml"))
		if err == nil {
			_, err = io.CopyN(f, req.Stream, req.Size)
			f.Close()
		}
		if err != nil {
			e.events <- Event{installDone: &installResult{err: err, reply: reply}}
			return
		}

		data, err := os.ReadFile(filepath.Join(tmp, "manifest.yaml"))
		if err != nil {
			e.events <- Event{installDone: &installResult{err: err, reply: reply}}
			return
		}
		m, err := manifest.Parse(data)
		if err != nil {
			e.events <- Event{installDone: &installResult{err: err, reply: reply}}
			return
		}

		updated, err := repo.Add(m.Container, tmp)
		e.events <- Event{installDone: &installResult{
			repoID: req.RepositoryID, identity: m.Container, updated: updated, err: err, reply: reply,
		}}
	}()
}

func (e *Engine) handleInstallDone(r installResult) {
	if r.err != nil {
		r.reply <- Response{Err: r.err}
		return
	}
	if err := e.state.Install(r.repoID, r.updated, r.identity); err != nil {
		// The copied package must not survive a failed index step, or a
		// restart would load a duplicate identity.
		if entry, ok := r.updated.Containers[r.identity]; ok {
			if rmErr := os.RemoveAll(entry.Path); rmErr != nil {
				log.Logger.Error().Str("path", entry.Path).Err(rmErr).Msg("orphaned package cleanup failed")
			}
		}
		r.reply <- Response{Err: err}
		return
	}
	e.notify.Publish(Notification{Kind: NotifyInstall, Identity: r.identity})
	status, _ := e.state.Status(r.identity)
	r.reply <- Response{Status: &status}
}

func (e *Engine) uninstall(identity manifest.Identity) Response {
	status, ok := e.state.Status(identity)
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", ErrUnknownContainer, identity)}
	}
	repo, ok := e.state.Repository(status.RepositoryID)
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", ErrUnknownContainer, identity)}
	}
	base := status.Manifest.Container
	instances := e.state.Instances(base)
	for _, id := range instances {
		st, ok := e.state.Status(id)
		if !ok || st.State != Installed {
			return Response{Err: fmt.Errorf("%w: uninstall requires Installed, have %s for %s", ErrInvalidTransition, st.State, id)}
		}
	}
	updated, err := repo.Remove(base)
	if err != nil {
		return Response{Err: err}
	}
	if err := e.state.Uninstall(status.RepositoryID, updated, instances); err != nil {
		return Response{Err: err}
	}
	e.notify.Publish(Notification{Kind: NotifyUninstall, Identity: identity})
	return Response{}
}

func (e *Engine) containerRoot(identity manifest.Identity) string {
	return filepath.Join(e.cfg.RunDir, identity.String())
}

func (e *Engine) mountContainer(identity manifest.Identity) Response {
	status, ok := e.state.Status(identity)
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", ErrUnknownContainer, identity)}
	}
	if status.State == Mounted {
		// Idempotent: mounting a mounted container succeeds untouched.
		return Response{Status: &status}
	}
	root := e.containerRoot(identity)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Response{Err: err}
	}
	if err := e.state.BeginMount(identity, root); err != nil {
		return Response{Err: err}
	}
	if e.consoleAttach != nil {
		sock := filepath.Join(root, "console.sock")
		if err := e.consoleAttach.Attach(identity, sock); err != nil {
			log.Logger.Warn().Str("container", identity.String()).Err(err).Msg("container console attach failed")
		}
	}
	e.notify.Publish(Notification{Kind: NotifyMount, Identity: identity})
	updated, _ := e.state.Status(identity)
	return Response{Status: &updated}
}

func (e *Engine) unmountContainer(identity manifest.Identity) Response {
	if err := e.state.Unmount(identity); err != nil {
		return Response{Err: err}
	}
	if plan, ok := e.plans[identity]; ok {
		// Reverse the applied plan back-to-front; a target the init
		// helper never reached unmounts with EINVAL, which is fine.
		for i := len(plan.Mounts) - 1; i >= 0; i-- {
			if err := e.unmountFn(plan.Mounts[i].Target); err != nil {
				log.Logger.Debug().Str("target", plan.Mounts[i].Target).Err(err).Msg("umount reversal")
			}
		}
		delete(e.plans, identity)
	}
	if e.consoleAttach != nil {
		e.consoleAttach.Detach(identity)
	}
	e.notify.Publish(Notification{Kind: NotifyUmount, Identity: identity})
	updated, _ := e.state.Status(identity)
	return Response{Status: &updated}
}

func (e *Engine) startContainer(identity manifest.Identity, args []string, env map[string]string) Response {
	status, ok := e.state.Status(identity)
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", ErrUnknownContainer, identity)}
	}
	prev := status.State

	// Resource resolution happens here, before any state transition: a
	// start that cannot plan its mounts leaves the container Mounted.
	plan, err := mount.Build(mount.Config{RunDir: e.cfg.RunDir, DataDir: e.cfg.DataDir}, identity, status.Manifest, e.state.AllIdentities())
	if err != nil {
		return Response{Err: err}
	}
	if err := e.state.BeginStart(identity); err != nil {
		return Response{Err: err}
	}

	if len(args) > 0 || len(env) > 0 {
		m := *status.Manifest
		if len(args) > 0 {
			m.Args = args
		}
		if len(env) > 0 {
			merged := make(map[string]string, len(m.Env)+len(env))
			for k, v := range m.Env {
				merged[k] = v
			}
			for k, v := range env {
				merged[k] = v
			}
			m.Env = merged
		}
		status.Manifest = &m
	}

	pid, err := e.forker.Fork(&status, plan)
	if err != nil {
		if abortErr := e.state.AbortStart(identity, prev); abortErr != nil {
			log.Logger.Error().Str("container", identity.String()).Err(abortErr).Msg("start abort failed")
		}
		return Response{Err: err}
	}
	if err := e.state.Started(identity, pid); err != nil {
		return Response{Err: err}
	}
	e.plans[identity] = plan
	e.notify.Publish(Notification{Kind: NotifyStarted, Identity: identity})
	updated, _ := e.state.Status(identity)
	return Response{Status: &updated}
}

func (e *Engine) killContainer(identity manifest.Identity, sig int) Response {
	status, ok := e.state.Status(identity)
	if !ok {
		return Response{Err: fmt.Errorf("%w: %s", ErrUnknownContainer, identity)}
	}
	if err := e.state.BeginKill(identity); err != nil {
		return Response{Err: err}
	}
	if err := e.forker.Signal(status.Pid, sig); err != nil {
		return Response{Err: err}
	}
	updated, _ := e.state.Status(identity)
	return Response{Status: &updated}
}

func (e *Engine) handleChild(ev ChildEvent) {
	logger := log.WithContainer(ev.Identity.String())
	restart, err := e.state.HandleChildExit(ev.Identity, ev.Exit)
	if err != nil {
		logger.Warn().Err(err).Msg("child exit for untracked container")
		return
	}
	e.notify.Publish(Notification{Kind: NotifyExit, Identity: ev.Identity, Exit: &ev.Exit})
	if !restart {
		return
	}

	status, _ := e.state.Status(ev.Identity)
	plan, err := mount.Build(mount.Config{RunDir: e.cfg.RunDir, DataDir: e.cfg.DataDir}, ev.Identity, status.Manifest, e.state.AllIdentities())
	if err != nil {
		logger.Warn().Err(err).Msg("auto-restart mount plan failed")
		return
	}
	if err := e.state.BeginAutoRestart(ev.Identity); err != nil {
		logger.Warn().Err(err).Msg("auto-restart transition failed")
		return
	}
	pid, err := e.forker.Fork(&status, plan)
	if err != nil {
		if abortErr := e.state.AbortStart(ev.Identity, Exited); abortErr != nil {
			logger.Error().Err(abortErr).Msg("auto-restart abort failed")
		}
		logger.Warn().Err(err).Msg("auto-restart fork failed")
		return
	}
	if err := e.state.Started(ev.Identity, pid); err == nil {
		e.plans[ev.Identity] = plan
		e.notify.Publish(Notification{Kind: NotifyStarted, Identity: ev.Identity})
	}
}

// drainShutdown stops every running container with the configured grace
// period, then lets Run return so listeners can close.
func (e *Engine) drainShutdown() {
	for _, status := range e.state.List() {
		if status.State != Running {
			continue
		}
		_ = e.forker.Signal(status.Pid, 15) // SIGTERM
	}
	if e.cfg.ShutdownGrace > 0 {
		time.Sleep(e.cfg.ShutdownGrace)
	}
}
