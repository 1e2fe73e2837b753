package console

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/metrics"
	"github.com/npk-runtime/npkd/internal/runtime"
)

const defaultTCPPort = 4200

// ListenerConfig describes one console listener: its bind URL
// (tcp://host:port or unix:///path) and the fixed permission set granted
// to connections it accepts.
type ListenerConfig struct {
	URL         string
	Permissions PermissionSet
}

// Config carries the console's tunable limits.
type Config struct {
	Listeners            []ListenerConfig
	HandshakeTimeout     time.Duration
	MaxRequestSize       uint32
	MaxInstallSize       int64
	InstallIdleTimeout   time.Duration
	MaxRequestsPerSecond int
	ShutdownGrace        time.Duration
	TokenKey             []byte
	NotificationHistory  NotificationHistory
}

// NotificationHistory is the optional interface the audit log store
// satisfies, used to replay missed notifications. A nil store disables
// replay, leaving subscribers with live broadcast only.
type NotificationHistory interface {
	Since(seq uint64) ([]runtime.Notification, error)
}

func defaultConfig(cfg Config) Config {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MaxInstallSize == 0 {
		cfg.MaxInstallSize = 256 << 20
	}
	if cfg.InstallIdleTimeout == 0 {
		cfg.InstallIdleTimeout = 5 * time.Second
	}
	if cfg.MaxRequestsPerSecond == 0 {
		cfg.MaxRequestsPerSecond = 1024
	}
	return cfg
}

// Server accepts console connections on one or more listeners and
// forwards requests into the runtime Engine.
type Server struct {
	cfg    Config
	engine *runtime.Engine
	cancel context.CancelFunc

	mu                 sync.Mutex
	listeners          []net.Listener
	wg                 sync.WaitGroup
	conns              sync.WaitGroup
	rootCtx            context.Context
	containerListeners map[string]net.Listener
}

// NewServer constructs a Server bound to engine. shutdown is invoked when
// a client with the Shutdown permission issues a Shutdown request; wiring
// it to the daemon's own context cancel func lets the console trigger the
// same cooperative drain the top-level signal handler does.
func NewServer(cfg Config, engine *runtime.Engine, shutdown context.CancelFunc) *Server {
	return &Server{cfg: defaultConfig(cfg), engine: engine, cancel: shutdown}
}

// ListenAndServe binds every configured listener and serves connections
// until ctx is cancelled, then closes listeners and waits for in-flight
// connections to drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	for _, lc := range s.cfg.Listeners {
		ln, err := bind(lc.URL)
		if err != nil {
			s.closeAll()
			return fmt.Errorf("console: bind %s: %w", lc.URL, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.accept(ctx, ln, lc.Permissions, nil)
	}

	<-ctx.Done()
	s.closeAll()
	s.wg.Wait()
	s.conns.Wait()
	return nil
}

// Attach binds a unix listener at socketPath, exclusively reachable by
// whatever holds the path (the container's own mount namespace once
// bind-mounted in), and accepts connections pre-authenticated as a
// PeerContainer with just enough permission to self-query
// (runtime.ContainerConsole).
func (s *Server) Attach(identity manifest.Identity, socketPath string) error {
	ln, err := bindUnix(socketPath)
	if err != nil {
		return fmt.Errorf("console: attach %s: %w", identity, err)
	}
	s.mu.Lock()
	if s.containerListeners == nil {
		s.containerListeners = make(map[string]net.Listener)
	}
	s.containerListeners[identity.String()] = ln
	ctx := s.rootCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	peer := Peer{Kind: PeerContainer, Identity: identity}
	go s.accept(ctx, ln, NewPermissionSet(PermIdent, PermNotifications), &peer)
	return nil
}

// Detach closes identity's container console listener, if any.
func (s *Server) Detach(identity manifest.Identity) {
	s.mu.Lock()
	ln, ok := s.containerListeners[identity.String()]
	delete(s.containerListeners, identity.String())
	s.mu.Unlock()
	if ok {
		_ = ln.Close()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for _, ln := range s.containerListeners {
		_ = ln.Close()
	}
}

func (s *Server) accept(ctx context.Context, ln net.Listener, perms PermissionSet, fixedPeer *Peer) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Logger.Warn().Err(err).Str("addr", ln.Addr().String()).Msg("console accept failed")
				return
			}
		}
		s.conns.Add(1)
		metrics.ConnectionsActive.Inc()
		go func() {
			defer s.conns.Done()
			defer metrics.ConnectionsActive.Dec()
			s.handleConnection(ctx, conn, perms, fixedPeer)
		}()
	}
}

// bind dials a tcp:// or unix:// URL into a listener. A stale unix
// socket is handled by binding to a temp path in the same directory and
// renaming into place: if the live path already answers a connect
// probe, bind fails rather than unlinking a socket a running process
// might still own.
func bind(rawURL string) (net.Listener, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listener URL: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(defaultTCPPort)
		}
		return net.Listen("tcp", net.JoinHostPort(host, port))
	case "unix":
		return bindUnix(u.Path)
	default:
		return nil, fmt.Errorf("unsupported listener scheme %q", u.Scheme)
	}
}

func bindUnix(path string) (net.Listener, error) {
	if probeUnixLive(path) {
		return nil, fmt.Errorf("unix socket %s: already bound and answering", path)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()[:8]+".tmp")
	ln, err := net.Listen("unix", tmp)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		ln.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("rename socket into place: %w", err)
	}
	return &unixListener{Listener: ln, path: path}, nil
}

// probeUnixLive reports whether a socket file at path is presently
// accepting connections, distinguishing a stale file (safe to replace)
// from a live listener (must not be clobbered).
func probeUnixLive(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	c, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// unixListener removes its socket file on Close, since this process
// created it (via bindUnix's rename-into-place) rather than inheriting a
// path it must not touch.
type unixListener struct {
	net.Listener
	path string
}

func (l *unixListener) Close() error {
	err := l.Listener.Close()
	os.Remove(l.path)
	return err
}

// ParsePermissions maps permission name strings (as configured in
// npkd.yaml) to a PermissionSet, accepting "*" as shorthand for every
// permission.
func ParsePermissions(names []string) PermissionSet {
	all := []Permission{
		PermContainerStatistics, PermContainers, PermIdent, PermInstall, PermKill,
		PermMount, PermRepositories, PermShutdown, PermStart, PermToken, PermUmount,
		PermUninstall, PermNotifications,
	}
	set := make(PermissionSet)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "*" {
			return NewPermissionSet(all...)
		}
		set[Permission(n)] = true
	}
	return set
}
