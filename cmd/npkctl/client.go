// Command npkctl is a thin console-protocol client: it dials a running
// npkd's listener, performs the handshake, and sends one request per
// invocation. Grounded on cmd/warren's client subcommand shape, adapted
// to npkd's length-prefixed msgpack frames instead of gRPC.
package main

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/npk-runtime/npkd/internal/console"
)

// dialConsole connects to a tcp:// or unix:// console URL and completes
// the handshake, returning ready-to-use frame reader/writer.
func dialConsole(rawURL string, subscribe bool) (net.Conn, *console.FrameReader, *console.FrameWriter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid console URL: %w", err)
	}

	var conn net.Conn
	switch u.Scheme {
	case "unix":
		conn, err = net.DialTimeout("unix", u.Path, 5*time.Second)
	case "tcp":
		conn, err = net.DialTimeout("tcp", u.Host, 5*time.Second)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported console URL scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	fr := console.NewFrameReader(conn, 1<<20)
	fw := console.NewFrameWriter(conn)

	if err := fw.WriteFrame(console.Connect{Version: console.APIVersion, SubscribeNotifications: subscribe}); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("send connect: %w", err)
	}

	var ack console.ConnectAck
	if err := fr.ReadFrame(&ack); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("read connect ack: %w", err)
	}
	return conn, fr, fw, nil
}

// request sends one framed request and returns the decoded response.
func request(consoleURL string, f console.Frame) (console.ResponseFrame, error) {
	conn, fr, fw, err := dialConsole(consoleURL, false)
	if err != nil {
		return console.ResponseFrame{}, err
	}
	defer conn.Close()

	if err := fw.WriteFrame(f); err != nil {
		return console.ResponseFrame{}, fmt.Errorf("send request: %w", err)
	}
	var resp console.ResponseFrame
	if err := fr.ReadFrame(&resp); err != nil {
		return console.ResponseFrame{}, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("npkd: %s", resp.Error)
	}
	return resp, nil
}
