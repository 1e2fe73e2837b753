package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/npk-runtime/npkd/internal/metrics"
	"github.com/npk-runtime/npkd/internal/runtime"
)

// installChunk bounds one read off the wire during a streaming install.
const installChunk = 1 << 20 // 1 MiB

// chunkResult is one unit handed from the feeder goroutine to the
// chanReader the event loop consumes as Request.Stream.
type chunkResult struct {
	data []byte
	err  error
}

// feedInstall drains fr's already-buffered bytes first, then reads the
// remainder directly off conn in chunks of up to 1 MiB, applying a
// per-chunk idle timeout. The channel's bounded capacity is the
// backpressure mechanism: a slow consumer (the install goroutine's io.CopyN)
// stalls this goroutine, which stalls further socket reads, which
// stalls the remote sender.
func (s *Server) feedInstall(conn net.Conn, fr *FrameReader, size int64) <-chan chunkResult {
	ch := make(chan chunkResult, 10)
	go func() {
		defer close(ch)
		remaining := size

		if buf := fr.DrainBuffered(remaining); len(buf) > 0 {
			ch <- chunkResult{data: buf}
			remaining -= int64(len(buf))
		}

		for remaining > 0 {
			n := int64(installChunk)
			if n > remaining {
				n = remaining
			}
			buf := make([]byte, n)
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.InstallIdleTimeout))
			read, err := io.ReadFull(fr.Raw(), buf)
			if read > 0 {
				ch <- chunkResult{data: buf[:read]}
				remaining -= int64(read)
			}
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					ch <- chunkResult{err: ErrStreamTimeout}
				} else {
					ch <- chunkResult{err: err}
				}
				return
			}
		}
		_ = conn.SetReadDeadline(time.Time{})
	}()
	return ch
}

// chanReader adapts a <-chan chunkResult to io.Reader so the engine's
// install goroutine can consume it with a plain io.CopyN, without knowing
// about channels.
type chanReader struct {
	ch  <-chan chunkResult
	cur []byte
	err error
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		res, ok := <-r.ch
		if !ok {
			r.err = io.EOF
			continue
		}
		if res.err != nil {
			r.err = res.err
			continue
		}
		r.cur = res.data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// handleInstall runs one streaming install. It returns false when the
// connection must close (stream idle timeout), true to keep serving
// further frames.
func (s *Server) handleInstall(ctx context.Context, conn net.Conn, fr *FrameReader, fw *FrameWriter, f Frame, logger zerolog.Logger) bool {
	if f.Size > s.cfg.MaxInstallSize {
		_ = fw.WriteFrame(ResponseFrame{
			Error: fmt.Sprintf("install size %d exceeds max_npk_install_size %d", f.Size, s.cfg.MaxInstallSize),
		})
		return true
	}

	start := time.Now()
	chunks := s.feedInstall(conn, fr, f.Size)
	reader := &chanReader{ch: chunks}

	reply, err := s.engine.Submit(ctx, runtime.Request{
		Op: runtime.OpInstall, RepositoryID: f.RepositoryID, Stream: reader, Size: f.Size,
	})
	if err != nil {
		_ = fw.WriteFrame(ResponseFrame{Error: err.Error()})
		return true
	}

	var resp runtime.Response
	select {
	case resp = <-reply:
	case <-ctx.Done():
		return false
	}

	// Exactly size bytes leave the wire no matter how the install ended:
	// if the event loop stopped consuming early (duplicate, parse error,
	// unknown repository), the remaining chunks are read and discarded
	// here so the next length prefix lines up.
	for range chunks {
	}
	metrics.InstallDuration.Observe(time.Since(start).Seconds())

	if resp.Err != nil {
		_ = fw.WriteFrame(ResponseFrame{Error: resp.Err.Error()})
		if errors.Is(resp.Err, ErrStreamTimeout) {
			logger.Warn().Err(resp.Err).Msg("install stream idle timeout, closing connection")
			return false
		}
		return true
	}

	metrics.InstallBytesTotal.Add(float64(f.Size))
	_ = fw.WriteFrame(ResponseFrame{OK: true, Status: resp.Status})
	return true
}
