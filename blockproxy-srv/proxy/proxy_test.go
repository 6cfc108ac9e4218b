package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/accesslog"
	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/metrics"
	"github.com/codefionn/blockproxy/blockproxy-srv/stats"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProxy struct {
	*Proxy
	addr     string
	outcomes chan Outcome
	served   chan error
}

func testConfig(t *testing.T, blocked ...string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.BlocklistFile = writeBlocklist(t, blocked...)
	cfg.AccessLog.Path = ""
	cfg.TimeoutSeconds = 5
	cfg.IdleTimeoutSeconds = 5
	return cfg
}

func startProxy(t *testing.T, cfg *config.Config, opts ...Option) *testProxy {
	t.Helper()
	outcomes := make(chan Outcome, 32)
	opts = append(opts, WithOutcomeHook(func(o Outcome) { outcomes <- o }))

	p, err := NewProxy(cfg, opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- p.Serve(ln) }()
	t.Cleanup(func() { _ = p.Stop() })

	return &testProxy{Proxy: p, addr: ln.Addr().String(), outcomes: outcomes, served: served}
}

func (tp *testProxy) nextOutcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-tp.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome reported")
		return Outcome{}
	}
}

// roundTrip sends raw bytes to the proxy and returns everything it answers
// until it closes the connection.
func (tp *testProxy) roundTrip(t *testing.T, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func TestBlockedHostGetsForbidden(t *testing.T) {
	tp := startProxy(t, testConfig(t, "blocked.test"))

	resp := tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\nHost: blocked.test\r\n\r\n")
	assert.Equal(t, string(responseForbidden), resp)

	o := tp.nextOutcome(t)
	assert.Equal(t, http.StatusForbidden, o.Status)
	assert.Equal(t, "blocked.test", o.Host)
	assert.Equal(t, 80, o.Port)
	assert.Equal(t, "GET", o.Method)
	assert.Equal(t, "127.0.0.1", o.ClientIP)
	assert.Equal(t, ErrCodeBlocklistMatch, o.ErrorCode)
	assert.Zero(t, o.BytesSent)
}

func TestBlockedHostIsNeverDialed(t *testing.T) {
	origin, accepted := startSilentServer(t)
	m := metrics.New()
	tp := startProxy(t, testConfig(t, "127.0.0.1"), WithMetrics(m))

	resp := tp.roundTrip(t, fmt.Sprintf("GET http://127.0.0.1:%d/ HTTP/1.1\r\n\r\n", origin.Port))
	assert.Equal(t, string(responseForbidden), resp)
	assert.Equal(t, http.StatusForbidden, tp.nextOutcome(t).Status)

	select {
	case <-accepted:
		t.Fatal("blocked host was dialed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, gatherValue(t, m, "blockproxy_upstream_connect_failures_total"))
}

func TestBlockedConnectGetsForbidden(t *testing.T) {
	tp := startProxy(t, testConfig(t, "blocked.test"))

	resp := tp.roundTrip(t, "CONNECT blocked.test:443 HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(responseForbidden), resp)
	assert.Equal(t, http.StatusForbidden, tp.nextOutcome(t).Status)
}

// countingBlocklist records which hosts were checked.
type countingBlocklist struct {
	mu     sync.Mutex
	hosts  []string
	blocks map[string]bool
}

func (c *countingBlocklist) Contains(host string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts = append(c.hosts, host)
	return c.blocks[host], nil
}

func (c *countingBlocklist) checked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hosts...)
}

func TestParseFailureGetsBadGateway(t *testing.T) {
	tests := []struct {
		name    string
		request string
		code    string
	}{
		{"blank line", "\r\n\r\n", ErrCodeRequestParseFailed},
		{"two tokens", "GET /\r\n\r\n", ErrCodeRequestParseFailed},
		{"four tokens", "GET / HTTP/1.1 extra\r\n\r\n", ErrCodeRequestParseFailed},
		{"empty host", "GET http:///path HTTP/1.1\r\n\r\n", ErrCodeRequestParseFailed},
		{"bad port", "CONNECT example.test:http HTTP/1.1\r\n\r\n", ErrCodeInvalidPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocklist := &countingBlocklist{}
			m := metrics.New()
			tp := startProxy(t, testConfig(t), WithBlocklist(blocklist), WithMetrics(m))

			resp := tp.roundTrip(t, tt.request)
			assert.Equal(t, string(responseBadGateway), resp)

			o := tp.nextOutcome(t)
			assert.Equal(t, http.StatusBadGateway, o.Status)
			assert.Equal(t, tt.code, o.ErrorCode)
			assert.Empty(t, blocklist.checked(), "filter must not run after a parse failure")
			assert.Zero(t, gatherValue(t, m, "blockproxy_upstream_connect_failures_total"), "no dial may be attempted")
		})
	}
}

func TestUpstreamFailureGetsBadGateway(t *testing.T) {
	tests := []struct {
		name    string
		request string
		code    string
	}{
		{
			name:    "dns failure",
			request: "GET http://origin.invalid/ HTTP/1.1\r\n\r\n",
			code:    ErrCodeDNSResolutionFailed,
		},
		{
			name:    "connection refused",
			request: fmt.Sprintf("CONNECT 127.0.0.1:%d HTTP/1.1\r\n\r\n", closedPort(t)),
			code:    ErrCodeConnectionRefused,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := startProxy(t, testConfig(t), WithResolver(failingResolver()))

			resp := tp.roundTrip(t, tt.request)
			assert.Equal(t, "HTTP/1.1 502 Bad Gateway\r\n\r\n", resp)

			o := tp.nextOutcome(t)
			assert.Equal(t, http.StatusBadGateway, o.Status)
			assert.Equal(t, tt.code, o.ErrorCode)
		})
	}
}

func TestForwardModeRelaysRequestVerbatim(t *testing.T) {
	seen := make(chan [2]string, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.URL.Path, r.Header.Get("X-Test")}
		w.Header().Set("Connection", "close")
		_, _ = io.WriteString(w, "hello from origin")
	}))
	defer origin.Close()

	tp := startProxy(t, testConfig(t))

	request := fmt.Sprintf("GET %s/some/path HTTP/1.1\r\nHost: %s\r\nX-Test: kept\r\nConnection: close\r\n\r\n",
		origin.URL, strings.TrimPrefix(origin.URL, "http://"))
	raw := tp.roundTrip(t, request)

	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from origin", string(body))

	o := tp.nextOutcome(t)
	assert.Equal(t, http.StatusOK, o.Status)
	assert.Empty(t, o.ErrorCode)
	assert.Equal(t, int64(len(request)), o.BytesSent)
	assert.Equal(t, int64(len(raw)), o.BytesReceived)

	got := <-seen
	assert.Equal(t, "/some/path", got[0])
	assert.Equal(t, "kept", got[1])
}

func TestConnectTunnelKeepsEarlyData(t *testing.T) {
	echo := startEchoServer(t)
	tp := startProxy(t, testConfig(t))

	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(conn, "CONNECT 127.0.0.1:%d HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\nping", echo.Port)
	require.NoError(t, err)

	reply := make([]byte, len(responseConnectionEstablished)+len("ping"))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, string(responseConnectionEstablished)+"ping", string(reply))

	_, err = io.WriteString(conn, "pong")
	require.NoError(t, err)
	_, err = io.ReadFull(conn, reply[:4])
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply[:4]))

	require.NoError(t, conn.Close())

	o := tp.nextOutcome(t)
	assert.Equal(t, http.StatusOK, o.Status)
	assert.Equal(t, "CONNECT", o.Method)
	assert.Equal(t, echo.Port, o.Port)
	assert.Equal(t, int64(8), o.BytesSent)
	assert.Equal(t, int64(8), o.BytesReceived)
}

func TestTunnelCarriesWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
	defer wsServer.Close()

	tp := startProxy(t, testConfig(t))
	proxyURL, err := url.Parse("http://" + tp.addr)
	require.NoError(t, err)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyURL(proxyURL),
		HandshakeTimeout: 5 * time.Second,
	}
	wsConn, resp, err := dialer.Dial(strings.Replace(wsServer.URL, "http://", "ws://", 1), nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)

	for _, msg := range []string{"first", "second", strings.Repeat("x", 100000)} {
		require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte(msg)))
		messageType, echoed, err := wsConn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, messageType)
		assert.Equal(t, msg, string(echoed))
	}
	require.NoError(t, wsConn.Close())

	assert.Equal(t, http.StatusOK, tp.nextOutcome(t).Status)
}

func TestForwardThroughSocks5(t *testing.T) {
	echo := startEchoServer(t)
	socksAddr := startSocks5Server(t, mapResolver{"origin.socks": net.ParseIP("127.0.0.1")})

	cfg := testConfig(t)
	cfg.Forwards = []config.Forward{&config.ForwardSocks5{Address: socksAddr}}
	tp := startProxy(t, cfg, WithResolver(failingResolver()))

	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(conn, "CONNECT origin.socks:%d HTTP/1.1\r\n\r\n", echo.Port)
	require.NoError(t, err)
	established := make([]byte, len(responseConnectionEstablished))
	_, err = io.ReadFull(conn, established)
	require.NoError(t, err)
	assert.Equal(t, responseConnectionEstablished, established)

	assertEcho(t, conn, "through socks")
}

func TestForwardThroughChainedProxy(t *testing.T) {
	echo := startEchoServer(t)
	upstreamProxy := startProxy(t, testConfig(t))

	cfg := testConfig(t)
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: upstreamProxy.addr}}
	tp := startProxy(t, cfg)

	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(conn, "CONNECT 127.0.0.1:%d HTTP/1.1\r\n\r\n", echo.Port)
	require.NoError(t, err)
	established := make([]byte, len(responseConnectionEstablished))
	_, err = io.ReadFull(conn, established)
	require.NoError(t, err)

	assertEcho(t, conn, "chained")
	require.NoError(t, conn.Close())

	assert.Equal(t, http.StatusOK, tp.nextOutcome(t).Status)
	assert.Equal(t, http.StatusOK, upstreamProxy.nextOutcome(t).Status)
}

func TestSilentCloseReportsNothing(t *testing.T) {
	tp := startProxy(t, testConfig(t, "blocked.test"))

	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, tp.nextOutcome(t).Status)

	select {
	case o := <-tp.outcomes:
		t.Fatalf("unexpected outcome %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAccessLogLine(t *testing.T) {
	var buf safeBuffer
	tp := startProxy(t, testConfig(t, "blocked.test"), WithAccessLog(accesslog.NewWithWriter(&buf)))

	tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\n\r\n")
	tp.nextOutcome(t)

	assert.Contains(t, buf.String(), "Client: 127.0.0.1 | Request: blocked.test | Status: 403\n")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestAccessLogFailureDoesNotAffectConnection(t *testing.T) {
	tp := startProxy(t, testConfig(t, "blocked.test"), WithAccessLog(accesslog.NewWithWriter(failingWriter{})))

	resp := tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(responseForbidden), resp)
	assert.Equal(t, http.StatusForbidden, tp.nextOutcome(t).Status)
}

// panickingBlocklist panics for one host and blocks every other.
type panickingBlocklist struct{}

func (panickingBlocklist) Contains(host string) (bool, error) {
	if host == "panic.test" {
		panic("blocklist exploded")
	}
	return true, nil
}

func TestPanicIsContainedToConnection(t *testing.T) {
	logs := &safeBuffer{}
	tp := startProxy(t, testConfig(t), WithBlocklist(panickingBlocklist{}),
		WithAccessLog(accesslog.NewWithWriter(logs)))

	resp := tp.roundTrip(t, "GET http://panic.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(responseBadGateway), resp)

	o := tp.nextOutcome(t)
	assert.Equal(t, http.StatusBadGateway, o.Status)
	assert.Equal(t, "panic.test", o.Host)
	assert.Equal(t, ErrCodePanicRecovered, o.ErrorCode)
	assert.Contains(t, logs.String(), "Request: panic.test | Status: 502")

	resp = tp.roundTrip(t, "GET http://other.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(responseForbidden), resp)
	assert.Equal(t, http.StatusForbidden, tp.nextOutcome(t).Status)
}

func TestConcurrencyLimitRejectsExcess(t *testing.T) {
	cfg := testConfig(t, "blocked.test")
	cfg.MaxConcurrentConnections = 1
	m := metrics.New()
	tp := startProxy(t, cfg, WithMetrics(m))

	holder, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer holder.Close()
	require.Eventually(t, func() bool {
		return gatherValue(t, m, "blockproxy_active_connections") == 1
	}, 5*time.Second, 10*time.Millisecond)

	extra, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer extra.Close()
	require.NoError(t, extra.SetDeadline(time.Now().Add(5*time.Second)))
	data, _ := io.ReadAll(extra)
	assert.Empty(t, data)
	assert.Equal(t, 1.0, gatherValue(t, m, "blockproxy_rejected_connections_total"))

	require.NoError(t, holder.Close())
	require.Eventually(t, func() bool {
		return gatherValue(t, m, "blockproxy_active_connections") == 0
	}, 5*time.Second, 10*time.Millisecond)

	resp := tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(responseForbidden), resp)
}

func TestOutcomeMetrics(t *testing.T) {
	m := metrics.New()
	tp := startProxy(t, testConfig(t, "blocked.test"), WithMetrics(m))

	tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\n\r\n")
	tp.nextOutcome(t)

	assert.Equal(t, 1.0, gatherValue(t, m, "blockproxy_connection_outcomes_total"))
	assert.Equal(t, 1.0, gatherValue(t, m, "blockproxy_blocked_requests_total"))
}

func TestStatisticsRecorded(t *testing.T) {
	collector, err := stats.NewSQLiteCollector(":memory:")
	require.NoError(t, err)

	echo := startEchoServer(t)
	tp := startProxy(t, testConfig(t, "blocked.test"), WithCollector(collector))

	tp.roundTrip(t, "GET http://blocked.test/ HTTP/1.1\r\n\r\n")
	tp.nextOutcome(t)
	tp.roundTrip(t, "\r\n\r\n")
	tp.nextOutcome(t)

	conn, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	_, err = fmt.Fprintf(conn, "CONNECT 127.0.0.1:%d HTTP/1.1\r\n\r\nabc", echo.Port)
	require.NoError(t, err)
	reply := make([]byte, len(responseConnectionEstablished)+3)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	tp.nextOutcome(t)

	overview, err := collector.GetOverviewStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), overview.TotalConnections)
	assert.Equal(t, int64(0), overview.ActiveConnections)
	assert.Equal(t, int64(1), overview.BlockedRequests)
	assert.Equal(t, int64(1), overview.StatusCounts[http.StatusForbidden])
	assert.Equal(t, int64(1), overview.StatusCounts[http.StatusOK])
	assert.GreaterOrEqual(t, overview.TotalErrors, int64(2))
}

func TestShutdownForceClosesIdleConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeoutSeconds = 0
	tp := startProxy(t, cfg)

	idle, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer idle.Close()
	_, err = io.WriteString(idle, "GET http://slow.test/ HTTP/1.1\r\n")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = tp.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, idle.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = idle.Read(make([]byte, 1))
	assert.Error(t, err)

	select {
	case err := <-tp.served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	_, err = net.DialTimeout("tcp", tp.addr, time.Second)
	assert.Error(t, err)
}

// shutdownWithin calls Shutdown with a 100ms deadline and fails the test if
// it has not returned after limit.
func shutdownWithin(t *testing.T, tp *testProxy, limit time.Duration) {
	t.Helper()
	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		errs <- tp.Shutdown(ctx)
	}()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(limit):
		t.Fatalf("Shutdown still blocked after %v", limit)
	}
}

func TestShutdownClosesStalledUpstream(t *testing.T) {
	origin, accepted := startSilentServer(t)
	cfg := testConfig(t)
	cfg.IdleTimeoutSeconds = 0
	tp := startProxy(t, cfg)

	client, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer client.Close()
	_, err = fmt.Fprintf(client, "GET http://127.0.0.1:%d/ HTTP/1.1\r\nHost: origin\r\n\r\n", origin.Port)
	require.NoError(t, err)

	var upstream net.Conn
	select {
	case upstream = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("origin was never dialed")
	}

	shutdownWithin(t, tp, 3*time.Second)

	require.NoError(t, upstream.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := io.Copy(io.Discard, upstream)
	require.NoError(t, err, "upstream socket should be closed by shutdown")
	assert.Positive(t, n)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)

	assert.Equal(t, http.StatusOK, tp.nextOutcome(t).Status)
}

func TestShutdownAbortsPendingConnect(t *testing.T) {
	forward, accepted := startSilentServer(t)
	cfg := testConfig(t)
	cfg.TimeoutSeconds = 0
	cfg.IdleTimeoutSeconds = 0
	cfg.Forwards = []config.Forward{&config.ForwardProxy{Address: forward.String()}}
	tp := startProxy(t, cfg)

	client, err := net.Dial("tcp", tp.addr)
	require.NoError(t, err)
	defer client.Close()
	_, err = io.WriteString(client, "CONNECT origin.test:443 HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	var upstream net.Conn
	select {
	case upstream = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("forward proxy was never dialed")
	}
	require.NoError(t, upstream.SetReadDeadline(time.Now().Add(5*time.Second)))
	req, err := http.ReadRequest(bufio.NewReader(upstream))
	require.NoError(t, err)
	assert.Equal(t, http.MethodConnect, req.Method)

	shutdownWithin(t, tp, 3*time.Second)

	o := tp.nextOutcome(t)
	assert.Equal(t, http.StatusBadGateway, o.Status)
	assert.Equal(t, ErrCodeCONNECTResponseFailed, o.ErrorCode)
}

func TestServeAfterShutdown(t *testing.T) {
	p, err := NewProxy(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Serve(ln), ErrServerClosed)
}

func TestListenAndServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.ListenAddress = ln.Addr().String()
	p, err := NewProxy(cfg)
	require.NoError(t, err)
	defer p.Stop()

	err = p.ListenAndServe()
	assert.Equal(t, ErrCodeListenerCreateFailed, ErrorCode(err))
}

func TestReloadBlocklist(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlocklistReload = config.BlocklistReloadWatch
	tp := startProxy(t, cfg)
	assert.NoError(t, tp.ReloadBlocklist())
	assert.NoError(t, tp.RotateAccessLog())
}

func TestNextBackoff(t *testing.T) {
	var got []time.Duration
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
		got = append(got, d)
	}
	assert.Equal(t, minAcceptBackoff, got[0])
	assert.Equal(t, 10*time.Millisecond, got[1])
	assert.Equal(t, maxAcceptBackoff, got[len(got)-1])
}

// safeBuffer is a bytes.Buffer usable from several goroutines.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
