// Package gateway holds the SSH session kernel: session construction and
// teardown, the attached-WebSocket fan-out, port forwarding, SFTP and exec
// services, all hanging off a per-user session registry.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/driftgate/driftgate/pkg/event"
	"github.com/driftgate/driftgate/pkg/models"
	"github.com/driftgate/driftgate/pkg/sshcmd"
	"github.com/driftgate/driftgate/pkg/store"
	"github.com/driftgate/driftgate/pkg/utils"
	"github.com/driftgate/driftgate/pkg/vault"

	sftpclient "github.com/pkg/sftp"
)

// WebSocket message type aliases; gateway code never imports gorilla
// directly beyond these.
const (
	textMessage   = websocket.TextMessage
	binaryMessage = websocket.BinaryMessage
)

func marshalFrame(f Frame) ([]byte, error) { return json.Marshal(f) }

// unmarshalFrame reports ok=false for anything that is not a JSON object
// with a type field, so raw terminal text can pass through untouched.
func unmarshalFrame(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return Frame{}, false
	}
	return f, true
}

var (
	ErrHostNotAllowed  = errors.New("Host not in allow-list")
	ErrHostKeyMismatch = errors.New("SSH host key mismatch detected")
	ErrSessionNotFound = errors.New("Session not found")
	ErrMissingTarget   = errors.New("host and username are required")
	ErrNoCredentials   = errors.New("no password or private key available")
	ErrBinaryFrame     = errors.New("binary frames are not supported on session sockets")
)

const (
	defaultSSHPort    = 22
	defaultCols       = 120
	defaultRows       = 40
	dialTimeout       = 30 * time.Second
	keepaliveInterval = 30 * time.Second
)

// DialFunc opens the raw TCP connection the SSH transport runs over. Tests
// substitute it to reach in-process servers.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// BusConn is the subset of *websocket.Conn the session fan-out needs.
type BusConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Frame is the JSON message exchanged on session WebSockets, both directions.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Bind      string `json:"bind,omitempty"`
	Target    string `json:"target,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// CreateInput carries everything a session build may consume. Explicit
// fields override saved-host fields, which override fields parsed from
// Command.
type CreateInput struct {
	Command string `json:"command"`
	HostID  string `json:"host_id"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	SecretID   string `json:"secret_id"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`
	VaultToken string `json:"-"`

	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// SessionInfo is the listing view of a live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	Forwards  int       `json:"forwards"`
}

// Manager owns all live sessions and the process-wide exec bridge table.
type Manager struct {
	store  store.Store
	vault  *vault.Service
	allow  []string
	dial   DialFunc
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	execs *execRegistry
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the TCP dialer used for SSH transports.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

func NewManager(st store.Store, vs *vault.Service, allowHosts []string, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		vault:    vs,
		allow:    allowHosts,
		dial:     net.DialTimeout,
		logger:   utils.GetLogger(),
		sessions: make(map[string]*Session),
		execs:    newExecRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session is one live SSH connection plus everything hanging off it.
type Session struct {
	ID        string
	UserID    string
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	mgr    *Manager
	client *ssh.Client

	shell      *ssh.Session
	shellStdin io.WriteCloser
	shellOut   io.Reader
	shellErr   io.Reader

	mu         sync.Mutex
	connected  bool
	registered bool
	sockets    map[string]*busSocket
	locals    []*localForwarder
	dynamics  []*dynamicForwarder
	remotes   *remoteDispatcher

	sftpMu  sync.Mutex
	sftpCli *sftpclient.Client
	sftpG   singleflight.Group

	closeOnce sync.Once
	closed    chan struct{}
}

type busSocket struct {
	id   string
	conn BusConn
	mu   sync.Mutex
}

func (b *busSocket) write(messageType int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.WriteMessage(messageType, data)
}

// CreateSession builds a fully wired session: destination resolution,
// allow-list, credentials, transport with host key verification, shell,
// forwarders, and finally the connect audit line. Any failure after the
// transport is up tears everything down before returning.
func (m *Manager) CreateSession(userID string, in CreateInput) (*Session, error) {
	var parsed *sshcmd.Command
	if in.Command != "" {
		var err error
		parsed, err = sshcmd.Parse(in.Command)
		if err != nil && !errors.Is(err, sshcmd.ErrNotSSHCommand) {
			return nil, fmt.Errorf("parse command: %w", err)
		}
		if parsed != nil {
			for _, flag := range parsed.IgnoredFlags {
				m.logger.Debug("ignoring unsupported ssh flag", "flag", flag)
			}
		}
	}

	var saved *models.SavedHost
	if in.HostID != "" {
		var err error
		saved, err = m.lookupSavedHost(userID, in.HostID)
		if err != nil {
			return nil, err
		}
	}

	host, port, username := resolveTarget(in, saved, parsed)
	if host == "" || username == "" {
		return nil, ErrMissingTarget
	}
	if !m.hostAllowed(host) {
		return nil, ErrHostNotAllowed
	}

	secretID := in.SecretID
	if secretID == "" && saved != nil {
		secretID = saved.SecretID
	}

	cred, err := m.resolveCredentials(userID, in, secretID)
	if err != nil {
		return nil, err
	}

	identityFile := ""
	if parsed != nil {
		identityFile = parsed.IdentityFile
	}

	auth, err := buildAuthMethods(cred, identityFile)
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		return nil, ErrNoCredentials
	}

	client, verifier, err := m.connect(userID, host, port, username, auth)
	if err != nil {
		return nil, err
	}

	if verifier.newHost() {
		if err := saveKnownHost(m.store, userID, host, verifier.observed); err != nil {
			client.Close()
			return nil, err
		}
	}

	s := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Host:      host,
		Port:      port,
		Username:  username,
		CreatedAt: time.Now().UTC(),
		mgr:       m,
		client:    client,
		connected: true,
		sockets:   make(map[string]*busSocket),
		closed:    make(chan struct{}),
	}

	cols, rows := in.Cols, in.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	if err := s.startShell(cols, rows); err != nil {
		client.Close()
		return nil, err
	}

	// The forwarded-tcpip dispatcher must exist before any -R request is
	// sent, or an early server-initiated channel would be dropped.
	s.remotes = newRemoteDispatcher(s)

	if err := s.installForwards(parsed); err != nil {
		s.close()
		return nil, err
	}

	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.pumpShellOutput()
	go s.watchTransport()
	go s.keepalive()

	m.audit(userID, s.ID, "connect", host, port)
	event.Emit(event.SessionOpenedEvent{SessionID: s.ID, UserID: userID, Host: host})
	m.logger.Info("session opened", "sessionId", s.ID, "host", host, "user", username)
	return s, nil
}

// resolveTarget applies the explicit > saved-host > parsed precedence and the
// port 22 default.
func resolveTarget(in CreateInput, saved *models.SavedHost, parsed *sshcmd.Command) (host string, port int, username string) {
	host = in.Host
	port = in.Port
	username = in.Username

	if saved != nil {
		if host == "" {
			host = saved.Host
		}
		if port == 0 {
			port = saved.Port
		}
		if username == "" {
			username = saved.Username
		}
	}
	if parsed != nil {
		if host == "" {
			host = parsed.Host
		}
		if port == 0 {
			port = parsed.Port
		}
		if username == "" {
			username = parsed.User
		}
	}
	if port == 0 {
		port = defaultSSHPort
	}
	return host, port, username
}

// hostAllowed gates session creation. An empty allow-list means no gate is
// configured and every host is admitted; the gate only restricts once the
// operator lists hosts.
func (m *Manager) hostAllowed(host string) bool {
	if len(m.allow) == 0 {
		return true
	}
	for _, h := range m.allow {
		if h == host {
			return true
		}
	}
	return false
}

func (m *Manager) lookupSavedHost(userID, hostID string) (*models.SavedHost, error) {
	var hosts []models.SavedHost
	err := m.store.GetJSON(store.UserHostsKey(userID), &hosts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load saved hosts: %w", err)
	}
	for i := range hosts {
		if hosts[i].ID == hostID {
			return &hosts[i], nil
		}
	}
	return nil, fmt.Errorf("saved host %s not found", hostID)
}

type credentials struct {
	password   string
	privateKey string
	passphrase string
}

// resolveCredentials merges vault secret fields with the explicit ones;
// explicit fields win per field. A secret id without a vault token is an
// error rather than a silent fallback.
func (m *Manager) resolveCredentials(userID string, in CreateInput, secretID string) (credentials, error) {
	cred := credentials{
		password:   in.Password,
		privateKey: in.PrivateKey,
		passphrase: in.Passphrase,
	}
	if secretID == "" {
		return cred, nil
	}
	if in.VaultToken == "" {
		return credentials{}, errors.New("secret reference requires an unlocked vault token")
	}
	err := m.vault.WithSecrets(in.VaultToken, userID, func(secrets *vault.Secrets) error {
		sec, ok := secrets.Get(secretID)
		if !ok {
			return fmt.Errorf("secret %s not found in vault", secretID)
		}
		if cred.password == "" {
			cred.password = sec.Password
		}
		if cred.privateKey == "" {
			cred.privateKey = sec.PrivateKey
		}
		if cred.passphrase == "" {
			cred.passphrase = sec.Passphrase
		}
		return nil
	})
	if err != nil {
		return credentials{}, err
	}
	return cred, nil
}

func buildAuthMethods(cred credentials, identityFile string) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod

	if identityFile != "" {
		signer, err := utils.LoadPrivateKey(identityFile, cred.passphrase)
		if err != nil {
			return nil, fmt.Errorf("load identity file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.privateKey != "" {
		signer, err := utils.ParsePrivateKey(cred.privateKey, cred.passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.password != "" {
		auth = append(auth, ssh.Password(cred.password))
	}
	return auth, nil
}

// connect dials the TCP transport and runs the SSH handshake with the
// trust-on-first-use verifier installed.
func (m *Manager) connect(userID, host string, port int, username string, auth []ssh.AuthMethod) (*ssh.Client, *hostKeyVerifier, error) {
	known, err := loadKnownHosts(m.store, userID)
	if err != nil {
		return nil, nil, err
	}
	// Fingerprints are recorded per host, not per host:port, matching the
	// known-hosts document shape.
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	verifier := &hostKeyVerifier{known: known[host]}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	conn, err := m.dial("tcp", addr, cfg.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if verifier.mismatch {
			return nil, nil, ErrHostKeyMismatch
		}
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(ncc, chans, reqs), verifier, nil
}

func (s *Session) startShell(cols, rows int) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO: 1,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	s.shell = sess
	s.shellStdin = stdin
	s.shellOut = stdout
	s.shellErr = stderr
	return nil
}

// installForwards starts every -L, -R and -D from the parsed command. The
// caller tears the whole session down if any of them fails.
func (s *Session) installForwards(parsed *sshcmd.Command) error {
	if parsed == nil {
		return nil
	}
	for _, spec := range parsed.LocalForwards {
		fw, err := startLocalForwarder(s, spec)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.locals = append(s.locals, fw)
		s.mu.Unlock()
	}
	for _, spec := range parsed.RemoteForwards {
		if err := s.remotes.add(spec); err != nil {
			return err
		}
	}
	for _, spec := range parsed.DynamicForwards {
		fw, err := startDynamicForwarder(s, spec)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.dynamics = append(s.dynamics, fw)
		s.mu.Unlock()
	}
	return nil
}

// pumpShellOutput copies shell stdout and stderr to every attached socket as
// output frames, then broadcasts the closed frame when the shell ends.
func (s *Session) pumpShellOutput() {
	var wg sync.WaitGroup
	pump := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				s.broadcast(Frame{Type: "output", SessionID: s.ID, Data: string(buf[:n])})
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump(s.shellOut)
	go pump(s.shellErr)
	wg.Wait()

	s.mgr.CloseSession(s.UserID, s.ID)
}

// watchTransport closes the session once the underlying SSH connection dies,
// surfacing the transport error to attached sockets first.
func (s *Session) watchTransport() {
	err := s.client.Wait()
	s.mu.Lock()
	stillUp := s.connected
	s.mu.Unlock()
	if stillUp && err != nil {
		s.broadcast(Frame{Type: "error", SessionID: s.ID, Message: err.Error()})
	}
	s.mgr.CloseSession(s.UserID, s.ID)
}

func (s *Session) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.mgr.logger.Debug("keepalive failed", "sessionId", s.ID, "error", err)
				return
			}
		}
	}
}

// AttachSocket registers a WebSocket on the session bus and acknowledges it
// with a ready frame. Returns the socket id for DetachSocket.
func (s *Session) AttachSocket(conn BusConn) string {
	sock := &busSocket{id: uuid.New().String(), conn: conn}
	s.mu.Lock()
	s.sockets[sock.id] = sock
	s.mu.Unlock()

	if b, err := marshalFrame(Frame{Type: "ready", SessionID: s.ID}); err == nil {
		_ = sock.write(textMessage, b)
	}
	return sock.id
}

// DetachSocket removes a socket from the bus. Unknown ids are a no-op.
func (s *Session) DetachSocket(socketID string) {
	s.mu.Lock()
	delete(s.sockets, socketID)
	s.mu.Unlock()
}

// HandleMessage processes one inbound WebSocket message for the session.
// JSON input/resize frames are interpreted; any other text goes to the shell
// verbatim; binary frames are rejected.
func (s *Session) HandleMessage(messageType int, data []byte) error {
	if messageType == binaryMessage {
		return ErrBinaryFrame
	}

	frame, ok := unmarshalFrame(data)
	if !ok {
		_, err := s.shellStdin.Write(data)
		return err
	}
	switch frame.Type {
	case "input":
		_, err := s.shellStdin.Write([]byte(frame.Data))
		return err
	case "resize":
		return s.Resize(frame.Cols, frame.Rows)
	default:
		s.mgr.logger.Debug("ignoring unknown frame type", "sessionId", s.ID, "type", frame.Type)
		return nil
	}
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return s.shell.WindowChange(rows, cols)
}

// broadcast marshals the frame once and writes it to every attached socket.
// A socket whose write fails is closed and dropped; the others are
// unaffected.
func (s *Session) broadcast(frame Frame) {
	b, err := marshalFrame(frame)
	if err != nil {
		return
	}

	s.mu.Lock()
	socks := make([]*busSocket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	for _, sock := range socks {
		if err := sock.write(textMessage, b); err != nil {
			sock.conn.Close()
			s.DetachSocket(sock.id)
		}
	}
}

// close tears the session down exactly once, in dependency order, and blocks
// until teardown has finished so concurrent closers observe a closed session.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		defer close(s.closed)

		s.mu.Lock()
		s.connected = false
		registered := s.registered
		s.mu.Unlock()

		s.broadcast(Frame{Type: "closed", SessionID: s.ID})

		s.mu.Lock()
		socks := s.sockets
		s.sockets = make(map[string]*busSocket)
		locals := s.locals
		s.locals = nil
		dynamics := s.dynamics
		s.dynamics = nil
		s.mu.Unlock()

		for _, sock := range socks {
			sock.conn.Close()
		}
		for _, fw := range locals {
			fw.stop()
		}
		for _, fw := range dynamics {
			fw.stop()
		}
		if s.remotes != nil {
			s.remotes.stop()
		}

		s.sftpMu.Lock()
		if s.sftpCli != nil {
			s.sftpCli.Close()
			s.sftpCli = nil
		}
		s.sftpMu.Unlock()

		if s.shell != nil {
			s.shell.Close()
		}
		s.client.Close()

		s.mgr.mu.Lock()
		delete(s.mgr.sessions, s.ID)
		s.mgr.mu.Unlock()

		// A build that failed after the transport came up was never
		// announced, so it gets no disconnect record either.
		if registered {
			s.mgr.audit(s.UserID, s.ID, "disconnect", s.Host, s.Port)
			event.Emit(event.SessionClosedEvent{SessionID: s.ID, UserID: s.UserID})
		}
		s.mgr.logger.Info("session closed", "sessionId", s.ID)
	})
	<-s.closed
}

// Get returns a live session owned by userID.
func (m *Manager) Get(userID, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || s.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// CloseSession closes a session. Idempotent: an unknown or already closed
// session id succeeds, so repeated closes are indistinguishable from the
// first. Safe to call concurrently; every caller returns after teardown is
// complete.
func (m *Manager) CloseSession(userID, sessionID string) error {
	s, err := m.Get(userID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.close()
	return nil
}

// ListSessions returns the live sessions owned by userID.
func (m *Manager) ListSessions(userID string) []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0)
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		s.mu.Lock()
		forwards := len(s.locals) + len(s.dynamics)
		if s.remotes != nil {
			forwards += s.remotes.count()
		}
		s.mu.Unlock()
		out = append(out, SessionInfo{
			ID:        s.ID,
			Host:      s.Host,
			Port:      s.Port,
			Username:  s.Username,
			CreatedAt: s.CreatedAt,
			Forwards:  forwards,
		})
	}
	return out
}

// CloseAll tears down every session, for process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) audit(userID, sessionID, what, host string, port int) {
	ev := models.AuditEvent{
		TS:        time.Now().UTC(),
		UserID:    userID,
		SessionID: sessionID,
		Event:     what,
		Host:      host,
		Port:      port,
	}
	if err := m.store.AppendJSONLine(store.AuditKey(ev.TS), ev); err != nil {
		m.logger.Warn("audit append failed", "event", what, "error", err)
	}
}
