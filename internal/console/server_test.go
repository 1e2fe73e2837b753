package console

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/mount"
	"github.com/npk-runtime/npkd/internal/repository"
	"github.com/npk-runtime/npkd/internal/runtime"
)

type fakeForker struct{ pid int }

func (f *fakeForker) Fork(status *runtime.RuntimeStatus, plan *mount.Plan) (int, error) {
	f.pid++
	return f.pid, nil
}
func (f *fakeForker) Signal(pid int, sig int) error { return nil }

func newTestServer(t *testing.T, perms PermissionSet) (*Server, string, context.CancelFunc) {
	srv, sockPath, _, cancel := newTestServerWithEngine(t, perms)
	return srv, sockPath, cancel
}

func newTestServerWithEngine(t *testing.T, perms PermissionSet) (*Server, string, *runtime.Engine, context.CancelFunc) {
	t.Helper()
	runDir := t.TempDir()
	dataDir := t.TempDir()
	engine := runtime.NewEngine(runtime.Config{RunDir: runDir, DataDir: dataDir}, &fakeForker{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	sockPath := filepath.Join(t.TempDir(), "console.sock")
	srv := NewServer(Config{
		Listeners: []ListenerConfig{{URL: "unix://" + sockPath, Permissions: perms}},
	}, engine, cancel)

	go srv.ListenAndServe(ctx)
	waitForSocket(t, sockPath)
	return srv, sockPath, engine, cancel
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.DialTimeout("unix", path, 50*time.Millisecond); err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}

func dialAndHandshake(t *testing.T, path string, connect Connect) (net.Conn, *FrameReader, *FrameWriter, ConnectAck) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	fr := NewFrameReader(conn, defaultMaxRequestSize)
	fw := NewFrameWriter(conn)
	require.NoError(t, fw.WriteFrame(connect))
	var ack ConnectAck
	require.NoError(t, fr.ReadFrame(&ack))
	return conn, fr, fw, ack
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	_, path, cancel := newTestServer(t, NewPermissionSet(PermContainers))
	defer cancel()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	fr := NewFrameReader(conn, defaultMaxRequestSize)
	fw := NewFrameWriter(conn)
	require.NoError(t, fw.WriteFrame(Connect{Version: 99}))

	var nack ConnectNack
	require.NoError(t, fr.ReadFrame(&nack))
	assert.Equal(t, NackInvalidVersion, nack.Reason)
	assert.Equal(t, APIVersion, nack.WantVersion)
}

func TestHandshakeRejectsNotificationsWithoutPermission(t *testing.T) {
	_, path, cancel := newTestServer(t, NewPermissionSet(PermContainers))
	defer cancel()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	fr := NewFrameReader(conn, defaultMaxRequestSize)
	fw := NewFrameWriter(conn)
	require.NoError(t, fw.WriteFrame(Connect{Version: APIVersion, SubscribeNotifications: true}))

	var nack ConnectNack
	require.NoError(t, fr.ReadFrame(&nack))
	assert.Equal(t, NackPermissionDenied, nack.Reason)
}

func TestServerContainersRoundTrip(t *testing.T) {
	_, path, cancel := newTestServer(t, NewPermissionSet(PermContainers, PermRepositories))
	defer cancel()

	conn, fr, fw, ack := dialAndHandshake(t, path, Connect{Version: APIVersion})
	defer conn.Close()
	assert.Equal(t, APIVersion, ack.APIVersion)

	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqContainers}))
	var resp ResponseFrame
	require.NoError(t, fr.ReadFrame(&resp))
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Statuses)
}

func TestServerDeniesUnpermittedRequest(t *testing.T) {
	_, path, cancel := newTestServer(t, NewPermissionSet(PermContainers))
	defer cancel()

	conn, fr, fw, _ := dialAndHandshake(t, path, Connect{Version: APIVersion})
	defer conn.Close()

	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqShutdown}))
	var resp ResponseFrame
	require.NoError(t, fr.ReadFrame(&resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "permission denied")
}

func TestServerAttachDetachIdent(t *testing.T) {
	srv, _, cancel := newTestServer(t, NewPermissionSet(PermContainers))
	defer cancel()

	identity := manifest.Identity{Name: "hello", Version: manifest.Version{Major: 1}}
	sockPath := filepath.Join(t.TempDir(), "container-console.sock")
	require.NoError(t, srv.Attach(identity, sockPath))
	waitForSocket(t, sockPath)

	conn, fr, fw, _ := dialAndHandshake(t, sockPath, Connect{Version: APIVersion})
	defer conn.Close()

	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqIdent}))
	var resp ResponseFrame
	require.NoError(t, fr.ReadFrame(&resp))
	require.True(t, resp.OK)
	require.NotNil(t, resp.Ident)
	assert.Equal(t, identity, *resp.Ident)

	srv.Detach(identity)
	_, err := net.DialTimeout("unix", sockPath, 200*time.Millisecond)
	assert.Error(t, err, "detach must close the per-container listener")
}

func TestServerInstallStreamsPackageEndToEnd(t *testing.T) {
	_, sockPath, engine, cancel := newTestServerWithEngine(t, NewPermissionSet(PermInstall, PermContainers, PermUninstall))
	defer cancel()

	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, engine.State().AddRepository(repo))

	conn, fr, fw, _ := dialAndHandshake(t, sockPath, Connect{Version: APIVersion})
	defer conn.Close()

	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"
	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqInstall, RepositoryID: "repo-a", Size: int64(len(doc))}))
	_, err = conn.Write([]byte(doc))
	require.NoError(t, err)

	var resp ResponseFrame
	require.NoError(t, fr.ReadFrame(&resp))
	require.True(t, resp.OK, resp.Error)
	require.NotNil(t, resp.Status)
	assert.Equal(t, "hello", resp.Status.Identity.Name)

	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqContainers}))
	var list ResponseFrame
	require.NoError(t, fr.ReadFrame(&list))
	require.True(t, list.OK)
	require.Len(t, list.Statuses, 1)
	assert.Equal(t, "hello", list.Statuses[0].Identity.Name)

	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqUninstall, Name: "hello", Version: "1.0.0"}))
	var uninstallResp ResponseFrame
	require.NoError(t, fr.ReadFrame(&uninstallResp))
	assert.True(t, uninstallResp.OK, uninstallResp.Error)
}

// TestServerInstallPipelinedWithNextFrame writes the install frame, its
// payload, and a follow-up request in one burst: the bytes prefetched
// past the payload boundary must be parsed as the next frame, not
// swallowed by the install stream.
func TestServerInstallPipelinedWithNextFrame(t *testing.T) {
	_, sockPath, engine, cancel := newTestServerWithEngine(t, NewPermissionSet(PermInstall, PermContainers))
	defer cancel()

	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, engine.State().AddRepository(repo))

	conn, fr, _, _ := dialAndHandshake(t, sockPath, Connect{Version: APIVersion})
	defer conn.Close()

	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"
	var burst bytes.Buffer
	bw := NewFrameWriter(&burst)
	require.NoError(t, bw.WriteFrame(Frame{Kind: ReqInstall, RepositoryID: "repo-a", Size: int64(len(doc))}))
	burst.WriteString(doc)
	require.NoError(t, bw.WriteFrame(Frame{Kind: ReqContainers}))
	_, err = conn.Write(burst.Bytes())
	require.NoError(t, err)

	var installResp, listResp ResponseFrame
	require.NoError(t, fr.ReadFrame(&installResp))
	require.True(t, installResp.OK, installResp.Error)
	require.NoError(t, fr.ReadFrame(&listResp))
	require.True(t, listResp.OK, listResp.Error)
	require.Len(t, listResp.Statuses, 1)
}

func TestServerForwardsNotificationsToSubscriber(t *testing.T) {
	_, sockPath, engine, cancel := newTestServerWithEngine(t, NewPermissionSet(PermInstall, PermNotifications))
	defer cancel()

	repoDir := t.TempDir()
	repo, err := repository.Open("repo-a", repoDir, nil)
	require.NoError(t, err)
	require.NoError(t, engine.State().AddRepository(repo))

	sub, subFr, _, _ := dialAndHandshake(t, sockPath, Connect{Version: APIVersion, SubscribeNotifications: true})
	defer sub.Close()

	conn, fr, fw, _ := dialAndHandshake(t, sockPath, Connect{Version: APIVersion})
	defer conn.Close()
	doc := "container:\n  name: hello\n  version: 1.0.0\ninit: /bin/hello\n"
	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqInstall, RepositoryID: "repo-a", Size: int64(len(doc))}))
	_, err = conn.Write([]byte(doc))
	require.NoError(t, err)
	var resp ResponseFrame
	require.NoError(t, fr.ReadFrame(&resp))
	require.True(t, resp.OK, resp.Error)

	var n NotificationFrame
	require.NoError(t, subFr.ReadFrame(&n))
	assert.Equal(t, runtime.NotifyInstall, n.Kind)
	assert.Equal(t, "hello", n.Name)
	assert.Equal(t, "1.0.0", n.Version)
	assert.Equal(t, uint64(1), n.Sequence)
}

func TestServerInstallRejectsOversizedPackage(t *testing.T) {
	runDir := t.TempDir()
	dataDir := t.TempDir()
	engine := runtime.NewEngine(runtime.Config{RunDir: runDir, DataDir: dataDir}, &fakeForker{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	sockPath := filepath.Join(t.TempDir(), "console.sock")
	srv := NewServer(Config{
		Listeners:      []ListenerConfig{{URL: "unix://" + sockPath, Permissions: NewPermissionSet(PermInstall)}},
		MaxInstallSize: 10,
	}, engine, cancel)
	go srv.ListenAndServe(ctx)
	waitForSocket(t, sockPath)

	conn, fr, fw, _ := dialAndHandshake(t, sockPath, Connect{Version: APIVersion})
	defer conn.Close()

	require.NoError(t, fw.WriteFrame(Frame{Kind: ReqInstall, RepositoryID: "repo-a", Size: 4096}))
	var resp ResponseFrame
	require.NoError(t, fr.ReadFrame(&resp))
	assert.False(t, resp.OK)
	assert.True(t, strings.Contains(resp.Error, "exceeds max_npk_install_size"))
}
