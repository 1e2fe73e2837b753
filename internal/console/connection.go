package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/metrics"
	"github.com/npk-runtime/npkd/internal/runtime"
)

// handleConnection runs the full per-connection lifecycle: handshake,
// then the select-style request/notification loop, until the connection
// closes, the context is cancelled, or the client lags the notification
// broadcast.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, perms PermissionSet, fixedPeer *Peer) {
	defer conn.Close()

	connID := uuid.NewString()
	peer := Peer{Kind: PeerExtern, URL: conn.RemoteAddr().String()}
	if fixedPeer != nil {
		peer = *fixedPeer
	}
	logger := log.WithConn(connID)

	fr := NewFrameReader(conn, s.cfg.MaxRequestSize)
	fw := NewFrameWriter(conn)

	connect, err := s.handshake(conn, fr, fw, perms, logger)
	if err != nil {
		logger.Debug().Err(err).Msg("console handshake failed")
		return
	}

	var (
		notifCh <-chan runtime.Notification
		token   uint64
		lagged  <-chan struct{}
	)
	if connect.SubscribeNotifications {
		notifCh, token, lagged = s.engine.Notifications().Subscribe()
		defer s.engine.Notifications().Unsubscribe(token)
		if connect.SinceSequence > 0 && s.cfg.NotificationHistory != nil {
			s.replayHistory(fw, connect.SinceSequence, logger)
		}
	}

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	resume := make(chan struct{})
	stopReader := make(chan struct{})
	go s.readLoop(fr, frames, readErr, resume, stopReader)
	defer close(stopReader)

	limiter := NewRateLimiter(s.cfg.MaxRequestsPerSecond)

	for {
		select {
		case <-ctx.Done():
			return
		case <-lagged:
			metrics.NotificationsDropped.WithLabelValues("lagged").Inc()
			logger.Warn().Msg("console connection lagged notification broadcast, closing")
			return
		case n, ok := <-notifCh:
			if !ok {
				return
			}
			if err := fw.WriteFrame(notificationFrame(n)); err != nil {
				return
			}
		case err := <-readErr:
			if err != io.EOF {
				logger.Debug().Err(err).Msg("console connection read error")
			}
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			limiter.Wait()
			if !s.handleFrame(ctx, conn, fr, fw, perms, &peer, f, logger) {
				return
			}
			// The reader is parked until this frame is fully handled, so
			// an Install's trailing byte stream is consumed exactly once
			// and never misread as the next frame's length prefix.
			resume <- struct{}{}
		}
	}
}

// readLoop reads one frame at a time and parks on resume after each
// delivery. The connection loop owns the reader while a frame is being
// handled; without the park, an Install request's payload bytes would
// race the next ReadFrame on the shared buffered reader.
func (s *Server) readLoop(fr *FrameReader, frames chan<- Frame, errc chan<- error, resume, stop <-chan struct{}) {
	for {
		var f Frame
		if err := fr.ReadFrame(&f); err != nil {
			select {
			case errc <- err:
			case <-stop:
			}
			return
		}
		select {
		case frames <- f:
		case <-stop:
			return
		}
		select {
		case <-resume:
		case <-stop:
			return
		}
	}
}

func (s *Server) handshake(conn net.Conn, fr *FrameReader, fw *FrameWriter, perms PermissionSet, logger zerolog.Logger) (Connect, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var connect Connect
	if err := fr.ReadFrame(&connect); err != nil {
		return Connect{}, fmt.Errorf("read connect frame: %w", err)
	}

	if connect.Version != APIVersion {
		_ = fw.WriteFrame(ConnectNack{Reason: NackInvalidVersion, WantVersion: APIVersion})
		return Connect{}, fmt.Errorf("%w: client wants %d", ErrInvalidVersion, connect.Version)
	}
	if connect.SubscribeNotifications && !perms.Has(PermNotifications) {
		_ = fw.WriteFrame(ConnectNack{Reason: NackPermissionDenied})
		return Connect{}, ErrPermissionDenied
	}
	if err := fw.WriteFrame(ConnectAck{APIVersion: APIVersion}); err != nil {
		return Connect{}, err
	}
	return connect, nil
}

func (s *Server) replayHistory(fw *FrameWriter, since uint64, logger zerolog.Logger) {
	history, err := s.cfg.NotificationHistory.Since(since)
	if err != nil {
		logger.Warn().Err(err).Msg("notification history replay failed")
		return
	}
	for _, n := range history {
		if err := fw.WriteFrame(notificationFrame(n)); err != nil {
			return
		}
	}
}

func notificationFrame(n runtime.Notification) NotificationFrame {
	return NotificationFrame{
		Kind:     n.Kind,
		Name:     n.Identity.Name,
		Version:  n.Identity.Version.String(),
		Sequence: n.Sequence,
		Exit:     n.Exit,
	}
}

// handleFrame dispatches one inbound Frame, replying on the connection.
// It returns false when the connection must close (an install whose
// stream timed out or was cut short by cancellation), true to keep
// serving. Unknown request kinds and denied requests get an error reply
// and the connection stays open; a Shutdown request is answered and then
// cancels the daemon context.
func (s *Server) handleFrame(ctx context.Context, conn net.Conn, fr *FrameReader, fw *FrameWriter, perms PermissionSet, peer *Peer, f Frame, logger zerolog.Logger) bool {
	perm := permissionFor(f.Kind)
	if perm == "" {
		_ = fw.WriteFrame(ResponseFrame{Error: fmt.Sprintf("unknown request kind %q", f.Kind)})
		return true
	}
	if !perms.Has(perm) {
		metrics.RequestsTotal.WithLabelValues(string(perm), "denied").Inc()
		_ = fw.WriteFrame(ResponseFrame{
			Error: ErrPermissionDenied.Error(),
			ErrorDetail: map[string]string{
				"held":     fmt.Sprint(perms.List()),
				"required": string(perm),
			},
		})
		return true
	}

	if f.Kind == ReqInstall {
		ok := s.handleInstall(ctx, conn, fr, fw, f, logger)
		metrics.RequestsTotal.WithLabelValues(string(perm), outcome(ok)).Inc()
		return ok
	}

	resp := s.dispatchSimple(ctx, peer, f)
	metrics.RequestsTotal.WithLabelValues(string(perm), outcome(resp.OK)).Inc()
	_ = fw.WriteFrame(resp)
	if f.Kind == ReqShutdown && resp.OK {
		s.cancel()
	}
	return true
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (s *Server) dispatchSimple(ctx context.Context, peer *Peer, f Frame) ResponseFrame {
	switch f.Kind {
	case ReqUninstall, ReqStart, ReqKill:
		identity, err := identityOf(f)
		if err != nil {
			return ResponseFrame{Error: err.Error()}
		}
		op := map[RequestKind]runtime.Op{
			ReqUninstall: runtime.OpUninstall,
			ReqStart:     runtime.OpStart,
			ReqKill:      runtime.OpKill,
		}[f.Kind]
		resp, err := s.submit(ctx, runtime.Request{Op: op, Identity: identity, Signal: f.Signal, Args: f.Args, Env: f.Env})
		if err != nil {
			return ResponseFrame{Error: err.Error()}
		}
		if resp.Err != nil {
			return ResponseFrame{Error: resp.Err.Error()}
		}
		return ResponseFrame{OK: true, Status: resp.Status}

	case ReqMount, ReqUmount:
		identities, err := identitiesOf(f)
		if err != nil {
			return ResponseFrame{Error: err.Error()}
		}
		op := runtime.OpMount
		if f.Kind == ReqUmount {
			op = runtime.OpUnmount
		}
		var statuses []runtime.RuntimeStatus
		for _, identity := range identities {
			resp, err := s.submit(ctx, runtime.Request{Op: op, Identity: identity})
			if err != nil {
				return ResponseFrame{Error: err.Error()}
			}
			if resp.Err != nil {
				return ResponseFrame{Error: resp.Err.Error()}
			}
			if resp.Status != nil {
				statuses = append(statuses, *resp.Status)
			}
		}
		if len(statuses) == 1 {
			return ResponseFrame{OK: true, Status: &statuses[0]}
		}
		return ResponseFrame{OK: true, Statuses: statuses}

	case ReqContainers:
		resp, err := s.submit(ctx, runtime.Request{Op: runtime.OpList})
		if err != nil {
			return ResponseFrame{Error: err.Error()}
		}
		return ResponseFrame{OK: true, Statuses: resp.Statuses}

	case ReqContainerStats:
		resp, err := s.submit(ctx, runtime.Request{Op: runtime.OpList})
		if err != nil {
			return ResponseFrame{Error: err.Error()}
		}
		stats := make(map[string]ContainerStat, len(resp.Statuses))
		for _, st := range resp.Statuses {
			stat := ContainerStat{Identity: st.Identity, State: st.State.String(), Pid: st.Pid}
			if !st.StartedAt.IsZero() {
				stat.StartedAt = st.StartedAt.Unix()
			}
			stats[st.Identity.String()] = stat
		}
		return ResponseFrame{OK: true, ContainerStats: stats}

	case ReqRepositories:
		resp, err := s.submit(ctx, runtime.Request{Op: runtime.OpRepositories})
		if err != nil {
			return ResponseFrame{Error: err.Error()}
		}
		infos := make([]RepositoryInfo, 0, len(resp.Repositories))
		for _, r := range resp.Repositories {
			infos = append(infos, RepositoryInfo{ID: r.ID, Dir: r.Dir, Count: r.Count, Skipped: r.Skipped})
		}
		return ResponseFrame{OK: true, Repositories: infos}

	case ReqIdent:
		if peer.Kind != PeerContainer {
			return ResponseFrame{Error: "ident: peer is not an authenticated container"}
		}
		id := peer.Identity
		return ResponseFrame{OK: true, Ident: &id}

	case ReqShutdown:
		return ResponseFrame{OK: true}

	case ReqTokenCreate:
		validity := time.Duration(f.TokenValiditySecs) * time.Second
		if validity <= 0 {
			validity = time.Hour
		}
		tok := IssueToken(s.cfg.TokenKey, f.TokenUser, f.TokenTarget, time.Now().Add(validity))
		return ResponseFrame{OK: true, Token: &tok}

	case ReqTokenVerify:
		ok := VerifyToken(s.cfg.TokenKey, f.TokenUser, f.TokenTarget, f.Token)
		return ResponseFrame{OK: true, TokenVerified: ok}

	default:
		return ResponseFrame{Error: fmt.Sprintf("unhandled request kind %q", f.Kind)}
	}
}

func (s *Server) submit(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	reply, err := s.engine.Submit(ctx, req)
	if err != nil {
		return runtime.Response{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return runtime.Response{}, errors.New("console: " + ErrShutdown.Error())
	}
}
