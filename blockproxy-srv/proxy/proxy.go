package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/accesslog"
	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/codefionn/blockproxy/blockproxy-srv/metrics"
	"github.com/codefionn/blockproxy/blockproxy-srv/resolver"
	"github.com/codefionn/blockproxy/blockproxy-srv/stats"
	"golang.org/x/sync/semaphore"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("proxy: server closed")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Outcome is the terminal result of one client connection.
type Outcome struct {
	ConnectionID  string
	ClientIP      string
	Host          string
	Port          int
	Method        string
	Status        int
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	ErrorCode     string // set for 403 and 502 outcomes
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithCollector replaces the statistics collector built from the config.
func WithCollector(c stats.Collector) Option {
	return func(p *Proxy) { p.Collector = c }
}

// WithMetrics records proxy metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithAccessLog replaces the access log built from the config. nil disables it.
func WithAccessLog(l *accesslog.Logger) Option {
	return func(p *Proxy) {
		p.accessLog = l
		p.accessLogSet = true
	}
}

// WithBlocklist replaces the blocklist source built from the config.
func WithBlocklist(b Blocklist) Option {
	return func(p *Proxy) { p.blocklist = b }
}

// WithResolver replaces the resolver built from the DNS config.
func WithResolver(r *net.Resolver) Option {
	return func(p *Proxy) { p.resolver = r }
}

// WithOutcomeHook calls fn with every connection outcome.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(p *Proxy) { p.onOutcome = fn }
}

// Proxy is a forward HTTP proxy that tunnels CONNECT and relays plain
// requests, denying hosts on the blocklist.
type Proxy struct {
	config       *config.Config
	blocklist    Blocklist
	filter       *Filter
	resolver     *net.Resolver
	connector    *Connector
	metrics      *metrics.Metrics
	accessLog    *accesslog.Logger
	accessLogSet bool
	onOutcome    func(Outcome)
	limit        *semaphore.Weighted
	idleTimeout  time.Duration
	stats.Collector

	// ctx is canceled when Shutdown gives up waiting, aborting dials.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[*connContext]struct{}
	handlers  sync.WaitGroup
	closeOnce sync.Once
}

// NewProxy builds a proxy from cfg. Components not supplied through opts are
// created from the configuration.
func NewProxy(cfg *config.Config, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		config:      cfg,
		idleTimeout: time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		listeners:   make(map[net.Listener]struct{}),
		conns:       make(map[*connContext]struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(p)
	}

	if p.blocklist == nil {
		blocklist, err := NewBlocklist(cfg)
		if err != nil {
			return nil, err
		}
		p.blocklist = blocklist
	}
	p.filter = NewFilter(p.blocklist, p.metrics)

	if p.resolver == nil {
		p.resolver = resolver.New(cfg.DNS)
	}
	p.connector = NewConnector(cfg, p.resolver, p.metrics)

	if !p.accessLogSet {
		p.accessLog = accesslog.New(cfg.AccessLog)
	}

	if p.Collector == nil {
		collector, err := stats.NewCollectorFactory().CreateCollector(cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			collector = stats.NewDummyCollector()
		}
		p.Collector = collector
	}

	if cfg.MaxConcurrentConnections > 0 {
		p.limit = semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections))
	}
	return p, nil
}

// ListenAndServe listens on the configured address and serves connections.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return newCodedError(ErrCodeListenerCreateFailed, fmt.Errorf("listen %s: %w", p.config.ListenAddress, err))
	}
	return p.Serve(listener)
}

// Serve accepts connections on listener and handles each on its own
// goroutine. It returns ErrServerClosed once the proxy is shut down.
func (p *Proxy) Serve(listener net.Listener) error {
	if !p.trackListener(listener, true) {
		_ = listener.Close()
		return ErrServerClosed
	}
	defer p.trackListener(listener, false)

	logger.Info("Starting proxy server on %s", listener.Addr())

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if p.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			backoff = nextBackoff(backoff)
			logger.Warn("Accept error: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if p.limit != nil && !p.limit.TryAcquire(1) {
			p.reject(conn)
			continue
		}
		cc := newConnContext(conn, p.config.ReadBufferSize, p.idleTimeout)
		if !p.trackConn(cc) {
			p.release()
			cc.close()
			continue
		}
		go p.handleConn(cc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	if d *= 2; d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

func (p *Proxy) reject(conn net.Conn) {
	err := newCodedError(ErrCodeConcurrencyLimitReached,
		fmt.Errorf("limit %d, rejecting %s", p.config.MaxConcurrentConnections, conn.RemoteAddr()))
	logger.Warn("%v", err)
	p.metrics.RecordRejected()
	if err := conn.Close(); err != nil {
		logger.Debug("Error closing rejected connection: %v", err)
	}
}

func (p *Proxy) release() {
	if p.limit != nil {
		p.limit.Release(1)
	}
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) trackListener(listener net.Listener, add bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		if p.closed {
			return false
		}
		p.listeners[listener] = struct{}{}
	} else {
		delete(p.listeners, listener)
	}
	return true
}

func (p *Proxy) trackConn(cc *connContext) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[cc] = struct{}{}
	p.handlers.Add(1)
	return true
}

func (p *Proxy) untrackConn(cc *connContext) {
	p.mu.Lock()
	delete(p.conns, cc)
	p.mu.Unlock()
	p.handlers.Done()
}

// Shutdown stops accepting, waits for in-flight connections until ctx is done
// and then closes whatever is left: pending upstream dials are aborted and
// both sockets of every remaining connection are closed. Statistics and log
// sinks are released last.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	for listener := range p.listeners {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("Error closing listener: %v", err)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.handlers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		p.mu.Lock()
		remaining := make([]*connContext, 0, len(p.conns))
		for cc := range p.conns {
			remaining = append(remaining, cc)
		}
		p.mu.Unlock()
		logger.Warn("Shutdown deadline reached, closing %d connections", len(remaining))
		for _, cc := range remaining {
			cc.close()
		}
		<-done
		err = ctx.Err()
	}

	p.closeResources()
	return err
}

// Stop shuts the proxy down, giving connections five seconds to finish.
func (p *Proxy) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}

func (p *Proxy) closeResources() {
	p.closeOnce.Do(func() {
		p.cancel()
		if closer, ok := p.blocklist.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("Error closing blocklist: %v", err)
			}
		}
		if err := p.accessLog.Close(); err != nil {
			logger.Error("Error closing access log: %v", err)
		}
		if err := p.Collector.Close(); err != nil {
			logger.Error("Error closing statistics collector: %v", err)
		}
	})
}

// ReloadBlocklist rereads an in-memory blocklist. Sources that read the file
// on every check need no reload.
func (p *Proxy) ReloadBlocklist() error {
	if r, ok := p.blocklist.(interface{ Reload() error }); ok {
		return r.Reload()
	}
	return nil
}

// RotateAccessLog reopens the access log file.
func (p *Proxy) RotateAccessLog() error {
	return p.accessLog.Rotate()
}

func (p *Proxy) handleConn(cc *connContext) {
	defer p.untrackConn(cc)

	p.metrics.ConnectionOpened()
	defer p.metrics.ConnectionClosed()
	defer p.release()

	defer cc.close()
	defer func() {
		if r := recover(); r != nil {
			err := newCodedError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
			cc.log.Error("%v\n%s", err, debug.Stack())
			if !cc.reported {
				p.writeResponse(cc, responseBadGateway)
				p.report(cc, http.StatusBadGateway, err)
			}
		}
	}()

	p.serveConn(cc)
}

func (p *Proxy) serveConn(cc *connContext) {
	ctx := context.Background()

	buf, err := cc.peekRequest()
	if err != nil {
		if !isClosedConnError(err) {
			cc.log.Debug("Reading request from %s failed: %v", cc.clientIP, err)
		}
		return
	}

	req, err := ParseRequest(buf)
	cc.req = req
	if err != nil {
		_ = cc.transition(StateParseFailed)
		cc.log.Debug("Rejecting request from %s: %v", cc.clientIP, err)
		p.writeResponse(cc, responseBadGateway)
		p.report(cc, http.StatusBadGateway, err)
		return
	}
	_ = cc.transition(StateParsed)
	cc.log.Debug("%s %s from %s", req.Method, req.Path, cc.clientIP)

	cc.statsID, err = p.StartConnection(ctx, cc.id.String(), cc.clientIP, req.Host, req.Port, req.Method)
	if err != nil {
		cc.log.Warn("Failed to record connection start: %v", err)
	}

	if p.filter.IsBlocked(req.Host) {
		_ = cc.transition(StateBlocked)
		p.writeResponse(cc, responseForbidden)
		if err := p.RecordBlockedRequest(ctx, cc.clientIP, req.Host, "blocklist"); err != nil {
			cc.log.Warn("Failed to record blocked request: %v", err)
		}
		p.report(cc, http.StatusForbidden,
			newCodedError(ErrCodeBlocklistMatch, fmt.Errorf("host %s", req.Host)))
		return
	}

	_ = cc.transition(StateConnecting)
	upstream, err := p.connector.Connect(p.ctx, req.Host, req.Port)
	if err == nil && !cc.setUpstream(upstream) {
		err = newCodedError(ErrCodeUpstreamConnectFailed, fmt.Errorf("%s: connection closed while connecting", req.Address()))
	}
	if err != nil {
		_ = cc.transition(StateConnectFailed)
		cc.log.Warn("Connecting to %s failed: %v", req.Address(), err)
		p.writeResponse(cc, responseBadGateway)
		p.report(cc, http.StatusBadGateway, err)
		return
	}
	_ = cc.transition(StateRelaying)

	relayUpstream := withIdleTimeout(upstream, p.idleTimeout)
	if req.IsConnect() {
		if _, err := cc.reader.Discard(requestHeadLength(buf)); err != nil {
			cc.log.Debug("Discarding CONNECT head failed: %v", err)
		}
		err = tunnelRelay(cc.client, cc.reader, relayUpstream)
	} else {
		request := bytes.Clone(buf)
		if _, err := cc.reader.Discard(len(request)); err != nil {
			cc.log.Debug("Consuming request failed: %v", err)
		}
		err = forwardRelay(cc.client, relayUpstream, request)
	}
	if err != nil {
		cc.log.Debug("Relay to %s ended: %v", req.Address(), err)
	}
	p.report(cc, http.StatusOK, err)
}

func (p *Proxy) writeResponse(cc *connContext, response []byte) {
	if _, err := cc.client.Write(response); err != nil && !isClosedConnError(err) {
		cc.log.Debug("%v", newCodedError(ErrCodeResponseWriteFailed, err))
	}
}

// report delivers the connection's single outcome to every sink. A zero
// statsID means no statistics row exists for the connection.
func (p *Proxy) report(cc *connContext, status int, cause error) {
	cc.reported = true
	ctx := context.Background()
	req, statsID := cc.req, cc.statsID

	outcome := Outcome{
		ConnectionID:  cc.id.String(),
		ClientIP:      cc.clientIP,
		Host:          req.Host,
		Port:          req.Port,
		Method:        req.Method,
		Status:        status,
		BytesSent:     cc.bytesSent(),
		BytesReceived: cc.bytesReceived(),
		Duration:      time.Since(cc.start),
	}
	if status != http.StatusOK {
		outcome.ErrorCode = ErrorCode(cause)
	}

	p.accessLog.Log(outcome.ClientIP, outcome.Host, outcome.Status)
	p.metrics.RecordOutcome(outcome.Status)

	if cause != nil {
		if err := p.RecordError(ctx, statsID, ErrorCode(cause), cause.Error()); err != nil {
			cc.log.Warn("Failed to record error: %v", err)
		}
	}
	if statsID != 0 {
		if err := p.RecordOutcome(ctx, statsID, outcome.Status, outcome.ErrorCode); err != nil {
			cc.log.Warn("Failed to record outcome: %v", err)
		}
		reason := "normal"
		if cause != nil {
			reason = ErrorCode(cause)
		}
		if err := p.EndConnection(ctx, statsID, outcome.BytesSent, outcome.BytesReceived, outcome.Duration, reason); err != nil {
			cc.log.Warn("Failed to record connection end: %v", err)
		}
	}

	if p.onOutcome != nil {
		p.onOutcome(outcome)
	}

	cc.log.Info("%s %s -> %d (%d bytes sent, %d bytes received, %v)",
		outcome.ClientIP, req.Address(), outcome.Status, outcome.BytesSent, outcome.BytesReceived,
		outcome.Duration.Round(time.Millisecond))
}
