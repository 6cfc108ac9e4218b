package proxy

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const defaultHTTPPort = 80

var headerTerminator = []byte("\r\n\r\n")

// ParsedRequest is the routing information extracted from a request line.
type ParsedRequest struct {
	Method  string
	Host    string
	Port    int
	Path    string // request-target exactly as received
	Version string
}

// IsConnect reports whether the request asks for a tunnel.
func (r ParsedRequest) IsConnect() bool {
	return r.Method == "CONNECT"
}

// Address returns host:port suitable for dialing.
func (r ParsedRequest) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ParseRequest extracts method, destination and version from the first line
// of buf. Only the request line is inspected; headers are ignored.
func ParseRequest(buf []byte) (ParsedRequest, error) {
	line := buf
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})

	fields := strings.Fields(string(line))
	if len(fields) != 3 {
		return ParsedRequest{}, newCodedError(ErrCodeRequestParseFailed,
			fmt.Errorf("request line has %d tokens, want 3", len(fields)))
	}

	host, port, err := splitTarget(fields[1])
	if err != nil {
		return ParsedRequest{}, err
	}

	return ParsedRequest{
		Method:  fields[0],
		Host:    host,
		Port:    port,
		Path:    fields[1],
		Version: fields[2],
	}, nil
}

// splitTarget derives host and port from a request-target in absolute-URI or
// authority form.
func splitTarget(target string) (string, int, error) {
	rest := target
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	var host, portText string
	hasPort := false

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", 0, newCodedError(ErrCodeRequestParseFailed,
				fmt.Errorf("unterminated IPv6 literal in %q", target))
		}
		host = rest[1:end]
		after := rest[end+1:]
		if strings.HasPrefix(after, ":") {
			portText, hasPort = after[1:], true
		}
	} else if i := strings.IndexByte(rest, ':'); i >= 0 {
		host, portText, hasPort = rest[:i], rest[i+1:], true
	} else {
		host = rest
	}

	if host == "" {
		return "", 0, newCodedError(ErrCodeRequestParseFailed,
			fmt.Errorf("empty host in %q", target))
	}

	port := defaultHTTPPort
	if hasPort {
		port = leadingInt(portText)
		if port <= 0 || port > 65535 {
			return "", 0, newCodedError(ErrCodeInvalidPort,
				fmt.Errorf("port %q in %q", portText, target))
		}
	}
	return host, port, nil
}

// leadingInt parses the decimal digits at the start of s, ignoring anything
// after them. It returns 0 if s does not start with a digit.
func leadingInt(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		if n > 65535 {
			return n
		}
	}
	return n
}

// requestHeadLength returns the number of bytes up to and including the
// header terminator, or len(buf) if no terminator is buffered.
func requestHeadLength(buf []byte) int {
	if i := bytes.Index(buf, headerTerminator); i >= 0 {
		return i + len(headerTerminator)
	}
	return len(buf)
}
