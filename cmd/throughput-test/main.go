package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/codefionn/blockproxy/blockproxy-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	tunnel      = flag.Bool("tunnel", false, "Send requests through CONNECT tunnels instead of forwarding")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// tunnelDialer opens every connection as a CONNECT tunnel through proxyAddr.
func tunnelDialer(proxyAddr string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, proxyAddr)
		if err != nil {
			return nil, err
		}
		if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr); err != nil {
			_ = conn.Close()
			return nil, err
		}
		reader := bufio.NewReader(conn)
		resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = conn.Close()
			return nil, fmt.Errorf("CONNECT %s: %s", addr, resp.Status)
		}
		return conn, nil
	}
}

func newClient(proxyAddr string) *http.Client {
	// the proxy serves one exchange per connection
	transport := &http.Transport{DisableKeepAlives: true}
	if *tunnel {
		transport.DialContext = tunnelDialer(proxyAddr)
	} else {
		proxyURL := &url.URL{Scheme: "http", Host: proxyAddr}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, results chan<- result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{0, fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{0, fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("status %d", resp.StatusCode)}
		return
	}

	bytesRead, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		results <- result{bytesRead, fmt.Errorf("read body: %w", err)}
		return
	}
	if bytesRead != int64(*dataSize) {
		results <- result{bytesRead, fmt.Errorf("read %d bytes, want %d", bytesRead, *dataSize)}
		return
	}
	results <- result{bytesRead, nil}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for data server: %w", err)
	}
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			logger.Error("Data server error: %v", err)
		}
	}()

	tmpDir, err := os.MkdirTemp("", "blockproxy-throughput")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.BlocklistFile = filepath.Join(tmpDir, "blocked_domains.txt")
	cfg.AccessLog.Path = ""
	cfg.TimeoutSeconds = 5

	p, err := proxy.NewProxy(cfg)
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}
	proxyLn, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen for proxy: %w", err)
	}
	go func() {
		if err := p.Serve(proxyLn); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
			logger.Error("Proxy server error: %v", err)
		}
	}()
	defer func() { _ = p.Stop() }()

	client := newClient(proxyLn.Addr().String())
	targetURL := "http://" + targetLn.Addr().String() + "/data"

	results := make(chan result, *numRequests)
	jobs := make(chan struct{})
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				sendRequest(ctx, client, targetURL, results)
			}
		}()
	}
	for i := 0; i < *numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()
	close(results)

	success, failed, total := 0, 0, int64(0)
	var firstErr error
	for res := range results {
		if res.err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)

	mode := "forward"
	if *tunnel {
		mode = "tunnel"
	}
	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", mode, dur.Seconds(), success, failed)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n",
		float64(success)/dur.Seconds(), float64(total)/dur.Seconds()/1024/1024)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d requests failed, first error: %w", failed, firstErr)
	}
	return nil
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Test failed:", err)
		os.Exit(1)
	}
}
