// Package sshcmd parses user-supplied "ssh ..." command strings into a
// structured connection request, mirroring the OpenSSH client flags the
// gateway supports: -p, -i, -L, -R and -D.
package sshcmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotSSHCommand is returned when the input does not start with an "ssh"
// token. Callers then supply host/user explicitly.
var ErrNotSSHCommand = errors.New("not an ssh command")

// Forward is one -L or -R spec: listen on (BindHost, BindPort), connect to
// (TargetHost, TargetPort).
type Forward struct {
	BindHost   string `json:"bind_host"`
	BindPort   int    `json:"bind_port"`
	TargetHost string `json:"target_host"`
	TargetPort int    `json:"target_port"`
}

// DynamicForward is one -D spec: a SOCKS listen address.
type DynamicForward struct {
	BindHost string `json:"bind_host"`
	BindPort int    `json:"bind_port"`
}

// Command is the parsed result. Host/User/Port are zero-valued when the
// command did not carry them.
type Command struct {
	Host            string
	User            string
	Port            int
	IdentityFile    string
	LocalForwards   []Forward
	RemoteForwards  []Forward
	DynamicForwards []DynamicForward
	// IgnoredFlags records unknown flags that were skipped, for logging.
	IgnoredFlags []string
}

// Parse tokenizes raw (respecting single and double quotes) and extracts the
// supported flags. Unknown flags are recorded and ignored.
func Parse(raw string) (*Command, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 || tokens[0] != "ssh" {
		return nil, ErrNotSSHCommand
	}

	cmd := &Command{}
	i := 1
	for i < len(tokens) {
		tok := tokens[i]
		switch {
		case tok == "-p":
			val, ok := next(tokens, i)
			if !ok {
				return nil, fmt.Errorf("flag -p requires a port")
			}
			port, err := strconv.Atoi(val)
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("invalid port %q", val)
			}
			cmd.Port = port
			i += 2
		case tok == "-i":
			val, ok := next(tokens, i)
			if !ok {
				return nil, fmt.Errorf("flag -i requires a path")
			}
			cmd.IdentityFile = val
			i += 2
		case tok == "-L":
			val, ok := next(tokens, i)
			if !ok {
				return nil, fmt.Errorf("flag -L requires a forward spec")
			}
			fwd, err := parseForward(val)
			if err != nil {
				return nil, fmt.Errorf("invalid -L spec %q: %w", val, err)
			}
			cmd.LocalForwards = append(cmd.LocalForwards, fwd)
			i += 2
		case tok == "-R":
			val, ok := next(tokens, i)
			if !ok {
				return nil, fmt.Errorf("flag -R requires a forward spec")
			}
			fwd, err := parseForward(val)
			if err != nil {
				return nil, fmt.Errorf("invalid -R spec %q: %w", val, err)
			}
			cmd.RemoteForwards = append(cmd.RemoteForwards, fwd)
			i += 2
		case tok == "-D":
			val, ok := next(tokens, i)
			if !ok {
				return nil, fmt.Errorf("flag -D requires a bind spec")
			}
			dyn, err := parseDynamic(val)
			if err != nil {
				return nil, fmt.Errorf("invalid -D spec %q: %w", val, err)
			}
			cmd.DynamicForwards = append(cmd.DynamicForwards, dyn)
			i += 2
		case strings.HasPrefix(tok, "-"):
			// Unhandled flag: record it, and consume its argument when
			// OpenSSH defines the flag as taking one, so the argument is
			// not mistaken for the destination.
			cmd.IgnoredFlags = append(cmd.IgnoredFlags, tok)
			if valueFlags[tok] {
				if _, ok := next(tokens, i); ok {
					i++
				}
			}
			i++
		default:
			if cmd.Host == "" {
				user, host := splitDestination(tok)
				cmd.User = user
				cmd.Host = host
			}
			// Further positionals (a remote command) are not the gateway's
			// business; ignore them.
			i++
		}
	}
	return cmd, nil
}

// valueFlags are the remaining OpenSSH client flags that take an argument
// (from ssh's option string). They are ignored but their argument must be
// consumed. Flags outside this set are assumed boolean.
var valueFlags = map[string]bool{
	"-B": true, "-b": true, "-c": true, "-E": true, "-e": true,
	"-F": true, "-I": true, "-J": true, "-l": true, "-m": true,
	"-O": true, "-o": true, "-P": true, "-Q": true, "-S": true,
	"-W": true, "-w": true,
}

func next(tokens []string, i int) (string, bool) {
	if i+1 >= len(tokens) {
		return "", false
	}
	return tokens[i+1], true
}

// splitDestination accepts "user@host" or "host".
func splitDestination(tok string) (user, host string) {
	if at := strings.LastIndex(tok, "@"); at >= 0 {
		return tok[:at], tok[at+1:]
	}
	return "", tok
}

// parseForward accepts "[bindHost:]bindPort:targetHost:targetPort".
// An omitted bind host defaults to 127.0.0.1.
func parseForward(spec string) (Forward, error) {
	parts := splitSpec(spec)
	switch len(parts) {
	case 3:
		bindPort, err := parsePort(parts[0])
		if err != nil {
			return Forward{}, err
		}
		targetPort, err := parsePort(parts[2])
		if err != nil {
			return Forward{}, err
		}
		if parts[1] == "" {
			return Forward{}, errors.New("empty target host")
		}
		return Forward{BindHost: "127.0.0.1", BindPort: bindPort, TargetHost: parts[1], TargetPort: targetPort}, nil
	case 4:
		bindPort, err := parsePort(parts[1])
		if err != nil {
			return Forward{}, err
		}
		targetPort, err := parsePort(parts[3])
		if err != nil {
			return Forward{}, err
		}
		if parts[2] == "" {
			return Forward{}, errors.New("empty target host")
		}
		bindHost := parts[0]
		if bindHost == "" {
			bindHost = "127.0.0.1"
		}
		return Forward{BindHost: bindHost, BindPort: bindPort, TargetHost: parts[2], TargetPort: targetPort}, nil
	default:
		return Forward{}, errors.New("expected [bind:]port:host:port")
	}
}

// parseDynamic accepts "[bindHost:]port".
func parseDynamic(spec string) (DynamicForward, error) {
	parts := splitSpec(spec)
	switch len(parts) {
	case 1:
		port, err := parsePort(parts[0])
		if err != nil {
			return DynamicForward{}, err
		}
		return DynamicForward{BindHost: "127.0.0.1", BindPort: port}, nil
	case 2:
		port, err := parsePort(parts[1])
		if err != nil {
			return DynamicForward{}, err
		}
		bindHost := parts[0]
		if bindHost == "" {
			bindHost = "127.0.0.1"
		}
		return DynamicForward{BindHost: bindHost, BindPort: port}, nil
	default:
		return DynamicForward{}, errors.New("expected [bind:]port")
	}
}

// splitSpec splits on ':' but keeps a bracketed IPv6 literal as one part.
func splitSpec(spec string) []string {
	var parts []string
	var cur strings.Builder
	depth := 0
	for _, r := range spec {
		switch r {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 {
				parts = append(parts, trimBrackets(cur.String()))
				cur.Reset()
				continue
			}
		}
		cur.WriteRune(r)
	}
	parts = append(parts, trimBrackets(cur.String()))
	return parts
}

func trimBrackets(s string) string {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1]
	}
	return s
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// tokenize splits raw into shell-style tokens, honoring single and double
// quotes. Quotes may appear mid-token (a"b c" is one token).
func tokenize(raw string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
