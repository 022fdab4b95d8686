package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// ErrCommandTimeout is returned when a one-shot exec exceeds its deadline.
var ErrCommandTimeout = errors.New("command timed out")

const defaultExecTimeout = 30 * time.Second

// ExecResult is the outcome of a one-shot remote command. Code is -1 when
// the server reported no exit status.
type ExecResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   int    `json:"code"`
}

// exitCode maps an ssh.Session Wait error to an exit code. A nil error is
// code 0; a missing status is -1.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return 0, err
}

// ExecCommand runs cmd on the session host, captures output, and enforces a
// wall-clock timeout. On timeout the channel is closed and the command
// abandoned server-side.
func (s *Session) ExecCommand(cmd string, timeout time.Duration) (*ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if err := sess.Start(cmd); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		code, err := exitCode(err)
		if err != nil {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Code: code}, nil
	case <-time.After(timeout):
		sess.Close()
		return nil, ErrCommandTimeout
	}
}

// ExecStream runs cmd and delivers output chunks through the callbacks as
// they arrive. Returns the exit code, or -1 when ctx is canceled first.
func (s *Session) ExecStream(ctx context.Context, cmd string, onStdout, onStderr func([]byte)) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		return 0, fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	pump := func(r io.Reader, deliver func([]byte)) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 && deliver != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				deliver(chunk)
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go pump(stdout, onStdout)
	go pump(stderr, onStderr)

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		return -1, ctx.Err()
	case err := <-waitCh:
		code, err := exitCode(err)
		if err != nil {
			return 0, fmt.Errorf("command failed: %w", err)
		}
		return code, nil
	}
}

// ExecBridge is a PTY-backed command attached to one WebSocket. Output goes
// to the socket as base64 frames; input and resize frames come back through
// HandleMessage.
type ExecBridge struct {
	ID string

	reg   *execRegistry
	sess  *ssh.Session
	stdin io.WriteCloser
	sock  *busSocket

	closeOnce sync.Once
}

// StartInteractiveExec launches cmd under a PTY and bridges it to conn. The
// bridge is registered process-wide under its id until the command ends or
// the socket drops.
func (s *Session) StartInteractiveExec(conn BusConn, cmd string, cols, rows int) (*ExecBridge, error) {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open exec channel: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO: 1,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	bridge := &ExecBridge{
		ID:    uuid.New().String(),
		reg:   s.mgr.execs,
		sess:  sess,
		stdin: stdin,
		sock:  &busSocket{id: "exec", conn: conn},
	}
	s.mgr.execs.add(bridge)

	go bridge.pump(stdout, stderr)
	return bridge, nil
}

func (b *ExecBridge) pump(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	read := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				frame := Frame{Type: "output", Data: base64.StdEncoding.EncodeToString(buf[:n])}
				if data, merr := marshalFrame(frame); merr == nil {
					if werr := b.sock.write(textMessage, data); werr != nil {
						b.Close()
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go read(stdout)
	go read(stderr)
	wg.Wait()

	if data, err := marshalFrame(Frame{Type: "closed"}); err == nil {
		b.sock.write(textMessage, data)
	}
	b.Close()
}

// HandleMessage processes one inbound WebSocket message for the exec
// bridge. Input data may be base64 or raw text.
func (b *ExecBridge) HandleMessage(messageType int, data []byte) error {
	if messageType == binaryMessage {
		_, err := b.stdin.Write(data)
		return err
	}
	frame, ok := unmarshalFrame(data)
	if !ok {
		_, err := b.stdin.Write(data)
		return err
	}
	switch frame.Type {
	case "input":
		payload := []byte(frame.Data)
		if decoded, err := base64.StdEncoding.DecodeString(frame.Data); err == nil {
			payload = decoded
		}
		_, err := b.stdin.Write(payload)
		return err
	case "resize":
		if frame.Cols <= 0 || frame.Rows <= 0 {
			return fmt.Errorf("invalid terminal size %dx%d", frame.Cols, frame.Rows)
		}
		return b.sess.WindowChange(frame.Rows, frame.Cols)
	default:
		return nil
	}
}

// Close ends the bridge: the channel is closed, the socket released, and
// the registry entry removed. Idempotent.
func (b *ExecBridge) Close() {
	b.closeOnce.Do(func() {
		b.reg.remove(b.ID)
		b.sess.Close()
		b.sock.conn.Close()
	})
}

// execRegistry is the process-wide table of live exec bridges, keyed by an
// opaque id so out-of-band requests can address them.
type execRegistry struct {
	mu      sync.Mutex
	bridges map[string]*ExecBridge
}

func newExecRegistry() *execRegistry {
	return &execRegistry{bridges: make(map[string]*ExecBridge)}
}

func (r *execRegistry) add(b *ExecBridge) {
	r.mu.Lock()
	r.bridges[b.ID] = b
	r.mu.Unlock()
}

func (r *execRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.bridges, id)
	r.mu.Unlock()
}

// LookupExec returns a live exec bridge by id.
func (m *Manager) LookupExec(id string) (*ExecBridge, bool) {
	m.execs.mu.Lock()
	defer m.execs.mu.Unlock()
	b, ok := m.execs.bridges[id]
	return b, ok
}
