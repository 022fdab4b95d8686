package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	sftpserver "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var errDenied = errors.New("denied")

// testServer is a minimal in-process SSH server covering what the gateway
// exercises: password auth, shell with echo, exec with a few canned
// commands, the sftp subsystem rooted in the real filesystem, direct-tcpip,
// and the tcpip-forward global requests.
type testServer struct {
	t      *testing.T
	ln     net.Listener
	signer ssh.Signer

	mu       sync.Mutex
	conns    []*ssh.ServerConn
	forwards map[string]bool // "addr:port" accepted via tcpip-forward
}

const testPassword = "test-password"

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{
		t:        t,
		ln:       ln,
		signer:   signer,
		forwards: make(map[string]bool),
	}
	t.Cleanup(ts.stop)
	go ts.serve()
	return ts
}

func (ts *testServer) stop() {
	ts.ln.Close()
	ts.mu.Lock()
	conns := ts.conns
	ts.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (ts *testServer) fingerprint() string {
	return ssh.FingerprintSHA256(ts.signer.PublicKey())
}

// dialer returns a DialFunc that sends every connection to this server,
// whatever address the gateway resolved.
func (ts *testServer) dialer() DialFunc {
	return func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return net.DialTimeout("tcp", ts.ln.Addr().String(), timeout)
	}
}

func (ts *testServer) serve() {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == testPassword {
				return nil, nil
			}
			return nil, errDenied
		},
	}
	cfg.AddHostKey(ts.signer)

	for {
		nConn, err := ts.ln.Accept()
		if err != nil {
			return
		}
		go func(nConn net.Conn) {
			sc, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
			if err != nil {
				nConn.Close()
				return
			}
			ts.mu.Lock()
			ts.conns = append(ts.conns, sc)
			ts.mu.Unlock()

			go ts.handleGlobalRequests(reqs)
			for newCh := range chans {
				go ts.handleChannel(newCh)
			}
		}(nConn)
	}
}

func (ts *testServer) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var fwd tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				req.Reply(false, nil)
				continue
			}
			ts.mu.Lock()
			ts.forwards[net.JoinHostPort(fwd.BindAddr, itoa(fwd.BindPort))] = true
			ts.mu.Unlock()
			req.Reply(true, nil)
		case "cancel-tcpip-forward":
			var fwd tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				req.Reply(false, nil)
				continue
			}
			ts.mu.Lock()
			delete(ts.forwards, net.JoinHostPort(fwd.BindAddr, itoa(fwd.BindPort)))
			ts.mu.Unlock()
			req.Reply(true, nil)
		case "keepalive@openssh.com":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func itoa(v uint32) string {
	var b [10]byte
	i := len(b)
	for {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return string(b[i:])
}

func (ts *testServer) handleChannel(newCh ssh.NewChannel) {
	switch newCh.ChannelType() {
	case "session":
		ch, reqs, err := newCh.Accept()
		if err != nil {
			return
		}
		ts.handleSession(ch, reqs)
	case "direct-tcpip":
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
			newCh.Reject(ssh.ConnectionFailed, "bad payload")
			return
		}
		target := net.JoinHostPort(payload.DestAddr, itoa(payload.DestPort))
		conn, err := net.Dial("tcp", target)
		if err != nil {
			newCh.Reject(ssh.ConnectionFailed, err.Error())
			return
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			conn.Close()
			return
		}
		go ssh.DiscardRequests(reqs)
		pipeStreams(ch, conn)
	default:
		newCh.Reject(ssh.UnknownChannelType, "unsupported")
	}
}

type execRequestMsg struct {
	Command string
}

type exitStatusMsg struct {
	Status uint32
}

func (ts *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "window-change", "env":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			go ts.runShell(ch)
		case "exec":
			var msg execRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go ts.runExec(ch, msg.Command)
		case "subsystem":
			if strings.Contains(string(req.Payload), "sftp") {
				req.Reply(true, nil)
				go func() {
					srv, err := sftpserver.NewServer(ch)
					if err != nil {
						ch.Close()
						return
					}
					srv.Serve()
					ch.Close()
				}()
			} else {
				req.Reply(false, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runShell echoes stdin back to stdout until the client closes the channel.
func (ts *testServer) runShell(ch ssh.Channel) {
	defer ch.Close()
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: 0}))
			return
		}
	}
}

// runExec interprets a tiny command language:
//
//	out <text>   write text+newline to stdout, exit 0
//	err <text>   write text+newline to stderr, exit 0
//	exit <n>     exit with status n
//	sleep        block until the channel is torn down
func (ts *testServer) runExec(ch ssh.Channel, cmd string) {
	defer ch.Close()
	exit := func(status uint32) {
		ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: status}))
	}

	switch {
	case strings.HasPrefix(cmd, "out "):
		io.WriteString(ch, strings.TrimPrefix(cmd, "out ")+"\n")
		exit(0)
	case strings.HasPrefix(cmd, "err "):
		io.WriteString(ch.Stderr(), strings.TrimPrefix(cmd, "err ")+"\n")
		exit(0)
	case strings.HasPrefix(cmd, "exit "):
		var status uint32
		for _, c := range strings.TrimPrefix(cmd, "exit ") {
			status = status*10 + uint32(c-'0')
		}
		exit(status)
	case cmd == "sleep":
		// Hold the channel open; the client side times out or cancels.
		// Stdin EOF alone is not teardown (the client sends it right after
		// starting the command), so after EOF keep probing with channel
		// requests until the channel itself is closed.
		buf := make([]byte, 1)
		for {
			if _, err := ch.Read(buf); err != nil {
				break
			}
		}
		for {
			if _, err := ch.SendRequest("probe", false, nil); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	default:
		io.WriteString(ch.Stderr(), "unknown command\n")
		exit(127)
	}
}

// hasForward reports whether the server accepted a tcpip-forward for bind.
func (ts *testServer) hasForward(bind string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.forwards[bind]
}

// openForwarded opens a forwarded-tcpip channel back to the most recent
// client, as a real server would when a remote connection arrives.
func (ts *testServer) openForwarded(destAddr string, destPort uint32) (ssh.Channel, error) {
	ts.mu.Lock()
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()

	payload := forwardedTCPPayload{
		DestAddr:   destAddr,
		DestPort:   destPort,
		OriginAddr: "203.0.113.9",
		OriginPort: 45000,
	}
	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}
