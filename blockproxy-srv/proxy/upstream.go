package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/codefionn/blockproxy/blockproxy-srv/metrics"
	"golang.org/x/net/proxy"
)

// Connector opens the upstream side of a proxied connection, either directly
// or through the first matching forward.
type Connector struct {
	resolver *net.Resolver
	forwards []config.Forward
	timeout  time.Duration
	metrics  *metrics.Metrics
}

// NewConnector creates a Connector. A nil resolver uses the system resolver.
func NewConnector(cfg *config.Config, resolver *net.Resolver, m *metrics.Metrics) *Connector {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Connector{
		resolver: resolver,
		forwards: cfg.Forwards,
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		metrics:  m,
	}
}

// Connect returns a byte-counting connection to host:port. Every failure is
// an *Error carrying a connection (E2xxx) or forward chain (E6xxx) code.
func (c *Connector) Connect(ctx context.Context, host string, port int) (*trackedConn, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var conn net.Conn
	var err error
	switch fwd := config.SelectForward(c.forwards, host).(type) {
	case nil:
		conn, err = c.dialDirect(ctx, host, port)
	case *config.ForwardSocks5:
		logger.Debug("Using SOCKS5 forward %s for %s", fwd.Address, host)
		conn, err = c.dialSocks5(ctx, fwd, host, port)
	case *config.ForwardProxy:
		logger.Debug("Using HTTP proxy forward %s for %s", fwd.Address, host)
		conn, err = c.dialHTTPProxy(ctx, fwd, host, port)
	default:
		err = NewProxyError(ErrCodeForwardRuleError, GetErrorDescription(ErrCodeForwardRuleError),
			fmt.Errorf("unsupported forward %T", fwd))
	}
	if err != nil {
		c.metrics.RecordConnectFailure(ErrorCode(err))
		return nil, err
	}
	return newTrackedConn(conn, c.metrics), nil
}

func (c *Connector) dialer() *net.Dialer {
	return &net.Dialer{Timeout: c.timeout, KeepAlive: 30 * time.Second}
}

func (c *Connector) dialDirect(ctx context.Context, host string, port int) (net.Conn, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := c.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, newCodedError(ErrCodeDNSResolutionFailed, fmt.Errorf("lookup %s: %w", host, err))
		}
		if len(addrs) == 0 {
			return nil, newCodedError(ErrCodeDNSResolutionFailed, fmt.Errorf("lookup %s: no addresses", host))
		}
		ip = addrs[0].IP
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	conn, err := c.dialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newCodedError(dialErrorCode(err), fmt.Errorf("dial %s (%s): %w", addr, host, err))
	}
	return conn, nil
}

func forwardNetwork(forceIPv4 bool) string {
	if forceIPv4 {
		return "tcp4"
	}
	return "tcp"
}

func (c *Connector) dialSocks5(ctx context.Context, fwd *config.ForwardSocks5, host string, port int) (net.Conn, error) {
	var auth *proxy.Auth
	if fwd.Username != nil {
		auth = &proxy.Auth{User: *fwd.Username}
		if fwd.Password != nil {
			auth.Password = *fwd.Password
		}
	}

	network := forwardNetwork(fwd.ForceIPv4)
	dialer, err := proxy.SOCKS5(network, fwd.Address, auth, c.dialer())
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}

	target := net.JoinHostPort(host, strconv.Itoa(port))
	var conn net.Conn
	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, target)
	} else {
		conn, err = dialer.Dial(network, target)
	}
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via %s: %w", target, fwd.Address, err))
	}
	return conn, nil
}

func (c *Connector) dialHTTPProxy(ctx context.Context, fwd *config.ForwardProxy, host string, port int) (net.Conn, error) {
	conn, err := c.dialer().DialContext(ctx, forwardNetwork(fwd.ForceIPv4), fwd.Address)
	if err != nil {
		return nil, newCodedError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy %s: %w", fwd.Address, err))
	}
	fail := func(code string, cause error) (net.Conn, error) {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, newCodedError(code, cause)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	target := net.JoinHostPort(host, strconv.Itoa(port))
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+target, http.NoBody)
	if err != nil {
		return fail(ErrCodeCONNECTRequestFailed, err)
	}
	req.Host = target
	if fwd.Username != nil {
		password := ""
		if fwd.Password != nil {
			password = *fwd.Password
		}
		req.Header.Set("Proxy-Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(*fwd.Username+":"+password)))
	}
	if err := req.Write(conn); err != nil {
		return fail(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to %s: %w", fwd.Address, err))
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return fail(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from %s: %w", fwd.Address, err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fail(ErrCodeProxyDenied, fmt.Errorf("proxy %s answered CONNECT %s with %s: %s",
			fwd.Address, target, resp.Status, body))
	}

	if !stop() {
		return fail(ErrCodeHTTPProxyConnectFailed, fmt.Errorf("proxy %s: %w", fwd.Address, ctx.Err()))
	}
	_ = conn.SetDeadline(time.Time{})
	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: reader}, nil
	}
	return conn, nil
}

// bufferedConn serves bytes the forward proxy sent right after its CONNECT
// response before reading from the socket again.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}
