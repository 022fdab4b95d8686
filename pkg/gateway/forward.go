package gateway

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/driftgate/driftgate/pkg/event"
	"github.com/driftgate/driftgate/pkg/sshcmd"
)

// Forward listeners only ever bind loopback. The gateway proxies for one
// user on one machine; exposing a tunnel entry point on a routable
// interface is never allowed, whatever the parsed spec asked for.
func loopbackBind(host string) (string, error) {
	switch host {
	case "", "127.0.0.1", "localhost", "::1":
		return "127.0.0.1", nil
	}
	return "", fmt.Errorf("forward bind %q must be loopback (127.0.0.1, localhost or ::1)", host)
}

// loopbackAlias reports whether two bind hosts name the same loopback
// endpoint. SSH servers report the -R bind address back in whichever
// spelling they prefer.
func loopbackAlias(a, b string) bool {
	if a == b {
		return true
	}
	loop := func(h string) bool {
		switch h {
		case "", "127.0.0.1", "localhost", "::1":
			return true
		}
		return false
	}
	return loop(a) && loop(b)
}

// pipeStreams copies in both directions until either side ends, then closes
// both so the opposite copy unblocks.
func pipeStreams(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		a.Close()
		b.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		once.Do(closeBoth)
	}()
	wg.Wait()
}

// --- local forward (-L) ---

type localForwarder struct {
	spec sshcmd.Forward
	ln   net.Listener
	done chan struct{}
}

func startLocalForwarder(s *Session, spec sshcmd.Forward) (*localForwarder, error) {
	bindHost, err := loopbackBind(spec.BindHost)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(bindHost, strconv.Itoa(spec.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	fw := &localForwarder{spec: spec, ln: ln, done: make(chan struct{})}
	target := net.JoinHostPort(spec.TargetHost, strconv.Itoa(spec.TargetPort))

	go func() {
		defer close(fw.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				remote, err := s.client.Dial("tcp", target)
				if err != nil {
					conn.Close()
					return
				}
				pipeStreams(conn, remote)
			}(conn)
		}
	}()

	s.broadcast(Frame{Type: "forward", SessionID: s.ID, Mode: "L", Bind: addr, Target: target})
	event.Emit(event.ForwardStateEvent{SessionID: s.ID, Mode: "L", Bind: addr})
	return fw, nil
}

func (fw *localForwarder) stop() {
	fw.ln.Close()
	<-fw.done
}

// --- dynamic forward (-D), a loopback SOCKS5 entry point ---

type dynamicForwarder struct {
	spec sshcmd.DynamicForward
	ln   net.Listener
	done chan struct{}
}

func startDynamicForwarder(s *Session, spec sshcmd.DynamicForward) (*dynamicForwarder, error) {
	bindHost, err := loopbackBind(spec.BindHost)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(bindHost, strconv.Itoa(spec.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	fw := &dynamicForwarder{spec: spec, ln: ln, done: make(chan struct{})}

	go func() {
		defer close(fw.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				handleSOCKS5(s, conn)
			}(conn)
		}
	}()

	s.broadcast(Frame{Type: "forward", SessionID: s.ID, Mode: "D", Bind: addr})
	event.Emit(event.ForwardStateEvent{SessionID: s.ID, Mode: "D", Bind: addr})
	return fw, nil
}

func (fw *dynamicForwarder) stop() {
	fw.ln.Close()
	<-fw.done
}

// handleSOCKS5 serves one SOCKS5 client: no-auth greeting, CONNECT only,
// target dialed through the session's SSH transport.
func handleSOCKS5(s *Session, conn net.Conn) {
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil || n < 2 {
		return
	}
	if buf[0] != 0x05 {
		return
	}

	// No auth required
	conn.Write([]byte{0x05, 0x00})

	n, err = conn.Read(buf)
	if err != nil || n < 7 {
		return
	}
	if buf[0] != 0x05 || buf[1] != 0x01 {
		conn.Write([]byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // command not supported
		return
	}

	var targetAddr string
	var targetPort int

	switch buf[3] {
	case 0x01: // IPv4
		if n < 10 {
			return
		}
		targetAddr = fmt.Sprintf("%d.%d.%d.%d", buf[4], buf[5], buf[6], buf[7])
		targetPort = int(buf[8])<<8 | int(buf[9])
	case 0x03: // Domain
		addrLen := int(buf[4])
		if n < 5+addrLen+2 {
			return
		}
		targetAddr = string(buf[5 : 5+addrLen])
		targetPort = int(buf[5+addrLen])<<8 | int(buf[6+addrLen])
	case 0x04: // IPv6
		if n < 22 {
			return
		}
		targetAddr = fmt.Sprintf("[%x:%x:%x:%x:%x:%x:%x:%x]",
			uint16(buf[4])<<8|uint16(buf[5]),
			uint16(buf[6])<<8|uint16(buf[7]),
			uint16(buf[8])<<8|uint16(buf[9]),
			uint16(buf[10])<<8|uint16(buf[11]),
			uint16(buf[12])<<8|uint16(buf[13]),
			uint16(buf[14])<<8|uint16(buf[15]),
			uint16(buf[16])<<8|uint16(buf[17]),
			uint16(buf[18])<<8|uint16(buf[19]))
		targetPort = int(buf[20])<<8 | int(buf[21])
	default:
		conn.Write([]byte{0x05, 0x08, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // address type not supported
		return
	}

	remote, err := s.client.Dial("tcp", fmt.Sprintf("%s:%d", targetAddr, targetPort))
	if err != nil {
		conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}) // connection refused
		return
	}

	conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	pipeStreams(conn, remote)
}

// --- remote forward (-R) ---

// Wire formats for the tcpip-forward family of requests (RFC 4254 §7).
type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// remoteDispatcher owns every -R forward of one session. A single
// forwarded-tcpip handler receives all server-initiated channels and routes
// each to the matching forward's local target. Registered before the first
// tcpip-forward request is sent so no early channel is lost.
type remoteDispatcher struct {
	s        *Session
	incoming <-chan ssh.NewChannel

	mu      sync.Mutex
	entries []sshcmd.Forward
}

func newRemoteDispatcher(s *Session) *remoteDispatcher {
	d := &remoteDispatcher{
		s:        s,
		incoming: s.client.HandleChannelOpen("forwarded-tcpip"),
	}
	go d.run()
	return d
}

func (d *remoteDispatcher) run() {
	for newCh := range d.incoming {
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
			newCh.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
			continue
		}
		spec, ok := d.match(payload)
		if !ok {
			newCh.Reject(ssh.Prohibited, "no matching forward")
			continue
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(reqs)
		go func(spec sshcmd.Forward, ch ssh.Channel) {
			target := net.JoinHostPort(spec.TargetHost, strconv.Itoa(spec.TargetPort))
			local, err := net.Dial("tcp", target)
			if err != nil {
				ch.Close()
				return
			}
			pipeStreams(ch, local)
		}(spec, ch)
	}
}

func (d *remoteDispatcher) match(p forwardedTCPPayload) (sshcmd.Forward, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, spec := range d.entries {
		if uint32(spec.BindPort) == p.DestPort && loopbackAlias(spec.BindHost, p.DestAddr) {
			return spec, true
		}
	}
	return sshcmd.Forward{}, false
}

// add validates the bind address, asks the server to listen, and registers
// the mapping.
func (d *remoteDispatcher) add(spec sshcmd.Forward) error {
	if _, err := loopbackBind(spec.BindHost); err != nil {
		return err
	}
	req := tcpipForwardRequest{BindAddr: spec.BindHost, BindPort: uint32(spec.BindPort)}
	ok, _, err := d.s.client.SendRequest("tcpip-forward", true, ssh.Marshal(&req))
	if err != nil {
		return fmt.Errorf("tcpip-forward request: %w", err)
	}
	if !ok {
		return fmt.Errorf("server refused remote forward on %s:%d", spec.BindHost, spec.BindPort)
	}

	d.mu.Lock()
	d.entries = append(d.entries, spec)
	d.mu.Unlock()

	bind := net.JoinHostPort(spec.BindHost, strconv.Itoa(spec.BindPort))
	target := net.JoinHostPort(spec.TargetHost, strconv.Itoa(spec.TargetPort))
	d.s.broadcast(Frame{Type: "forward", SessionID: d.s.ID, Mode: "R", Bind: bind, Target: target})
	event.Emit(event.ForwardStateEvent{SessionID: d.s.ID, Mode: "R", Bind: bind})
	return nil
}

func (d *remoteDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// stop cancels every registered forward on the server. Best effort; the
// transport is usually about to close anyway.
func (d *remoteDispatcher) stop() {
	d.mu.Lock()
	entries := d.entries
	d.entries = nil
	d.mu.Unlock()

	for _, spec := range entries {
		req := tcpipForwardRequest{BindAddr: spec.BindHost, BindPort: uint32(spec.BindPort)}
		d.s.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&req))
	}
}
