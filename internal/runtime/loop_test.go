package runtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/mount"
	"github.com/npk-runtime/npkd/internal/repository"
)

type fakeForker struct {
	nextPid int
	forked  []manifest.Identity
}

func (f *fakeForker) Fork(status *RuntimeStatus, plan *mount.Plan) (int, error) {
	f.nextPid++
	f.forked = append(f.forked, status.Identity)
	return f.nextPid, nil
}

func (f *fakeForker) Signal(pid int, sig int) error { return nil }

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	runDir := t.TempDir()
	dataDir := t.TempDir()
	e := NewEngine(Config{RunDir: runDir, DataDir: dataDir}, &fakeForker{}, nil)
	go e.Run(context.Background())
	return e, dataDir
}

func submitOK(t *testing.T, e *Engine, req Request) Response {
	t.Helper()
	reply, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	select {
	case resp := <-reply:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine response")
	}
	return Response{}
}

func TestEngineInstallMountStart(t *testing.T) {
	e, _ := newTestEngine(t)
	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, e.State().AddRepository(repo))

	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"
	resp := submitOK(t, e, Request{
		Op: OpInstall, RepositoryID: "repo-a", Stream: strings.NewReader(doc), Size: int64(len(doc)),
	})
	require.NoError(t, resp.Err)
	require.NotNil(t, resp.Status)
	assert.Equal(t, Installed, resp.Status.State)

	id := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	resp = submitOK(t, e, Request{Op: OpMount, Identity: id})
	require.NoError(t, resp.Err)
	assert.Equal(t, Mounted, resp.Status.State)

	resp = submitOK(t, e, Request{Op: OpStart, Identity: id})
	require.NoError(t, resp.Err)
	assert.Equal(t, Running, resp.Status.State)
	assert.Equal(t, 1, resp.Status.Pid)
}

func TestEngineInstallDuplicateFails(t *testing.T) {
	e, _ := newTestEngine(t)
	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, e.State().AddRepository(repo))

	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"
	resp := submitOK(t, e, Request{Op: OpInstall, RepositoryID: "repo-a", Stream: strings.NewReader(doc), Size: int64(len(doc))})
	require.NoError(t, resp.Err)

	resp = submitOK(t, e, Request{Op: OpInstall, RepositoryID: "repo-a", Stream: strings.NewReader(doc), Size: int64(len(doc))})
	require.Error(t, resp.Err)
}

// TestEngineAutoRestartExhaustsPolicy drives the engine end to end
// through the crash-restart scenario: on_exit.restart = 2 produces
// exactly two automatic restarts, then the container stays Exited.
func TestEngineAutoRestartExhaustsPolicy(t *testing.T) {
	e, _ := newTestEngine(t)
	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, e.State().AddRepository(repo))

	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\non_exit:\n  restart: 2\n"
	resp := submitOK(t, e, Request{Op: OpInstall, RepositoryID: "repo-a", Stream: strings.NewReader(doc), Size: int64(len(doc))})
	require.NoError(t, resp.Err)

	id := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	resp = submitOK(t, e, Request{Op: OpMount, Identity: id})
	require.NoError(t, resp.Err)
	resp = submitOK(t, e, Request{Op: OpStart, Identity: id})
	require.NoError(t, resp.Err)

	crash := func() {
		e.SubmitChild(ChildEvent{Identity: id, Exit: ExitStatus{Code: 1}})
	}
	// Status queries go through the loop so polling never races a
	// transition in flight.
	waitFor := func(want ContainerState, restarts int, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			resp := submitOK(t, e, Request{Op: OpStatus, Identity: id})
			require.NoError(t, resp.Err)
			if resp.Status.State == want && resp.Status.RestartCount == restarts {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal(msg)
	}

	crash()
	waitFor(Running, 1, "first crash must restart")
	crash()
	waitFor(Running, 2, "second crash must restart")
	crash()
	waitFor(Exited, 2, "third crash must stay exited")

	// An explicit start after exhaustion resets the counter and regains
	// the full restart budget.
	resp = submitOK(t, e, Request{Op: OpStart, Identity: id})
	require.NoError(t, resp.Err)
	assert.Equal(t, 0, resp.Status.RestartCount)
	crash()
	waitFor(Running, 1, "crash after explicit start must restart again")
}

// TestEngineMountIsIdempotent: mounting a mounted container succeeds
// without side effects.
func TestEngineMountIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, e.State().AddRepository(repo))

	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"
	resp := submitOK(t, e, Request{Op: OpInstall, RepositoryID: "repo-a", Stream: strings.NewReader(doc), Size: int64(len(doc))})
	require.NoError(t, resp.Err)

	id := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	resp = submitOK(t, e, Request{Op: OpMount, Identity: id})
	require.NoError(t, resp.Err)
	resp = submitOK(t, e, Request{Op: OpMount, Identity: id})
	require.NoError(t, resp.Err)
	assert.Equal(t, Mounted, resp.Status.State)
}

func TestEngineRepositoriesReportsSkipped(t *testing.T) {
	e, _ := newTestEngine(t)
	repoDir := t.TempDir()
	pkgDir := repoDir + "/bad.npk"
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	require.NoError(t, os.WriteFile(pkgDir+"/manifest.yaml", []byte("not valid yaml: [["), 0o644))

	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, e.State().AddRepository(repo))

	resp := submitOK(t, e, Request{Op: OpRepositories})
	require.NoError(t, resp.Err)
	require.Len(t, resp.Repositories, 1)
	assert.Equal(t, 1, resp.Repositories[0].Skipped)
}
