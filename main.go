package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/codefionn/blockproxy/blockproxy-srv/metrics"
	"github.com/codefionn/blockproxy/blockproxy-srv/proxy"
)

var version string

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, configPath, debugMode := parseFlagsAndConfig()
	runProxy(cfg, configPath, debugMode)
}

// parseFlagsAndConfig handles CLI flags, environment, logging and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, debugMode bool) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.hcl", "Path to configuration file (.json or .hcl)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("blockproxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugFlag {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting blockproxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using defaults and environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	applyLogLevel(cfg, *debugFlag)
	logger.Debug("Listening on %s, blocklist %s (%s, %s)",
		cfg.ListenAddress, cfg.BlocklistFile, cfg.BlocklistReload, cfg.BlocklistMatch)
	logger.Debug("Timeout: %d seconds, idle timeout: %d seconds", cfg.TimeoutSeconds, cfg.IdleTimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)

	return cfg, *configPathPtr, *debugFlag
}

func applyLogLevel(cfg *config.Config, debugMode bool) {
	if debugMode {
		logger.SetLevel(logger.DEBUG)
		return
	}
	logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
}

// startMetricsServer serves /metrics on addr until the returned server is
// shut down. An empty addr disables it.
func startMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics on %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error: %v", err)
		}
	}()
	return server
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Error stopping metrics server: %v", err)
	}
}

func shutdownProxy(p *proxy.Proxy) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
}

// runProxy starts the proxy and handles signals until SIGINT or SIGTERM.
// SIGHUP reloads the configuration, the blocklist and the access log file.
func runProxy(cfg *config.Config, configPath string, debugMode bool) {
	m := metrics.New()

	newProxy := func(c *config.Config) *proxy.Proxy {
		p, err := proxy.NewProxy(c, proxy.WithMetrics(m))
		if err != nil {
			logger.Fatal("Failed to create proxy: %v", err)
		}
		return p
	}
	startProxy := func(p *proxy.Proxy) {
		go func() {
			err := p.ListenAndServe()
			if err != nil && !errors.Is(err, proxy.ErrServerClosed) {
				logger.Fatal("Proxy server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	proxyInstance := newProxy(cfg)
	startProxy(proxyInstance)
	metricsServer := startMetricsServer(cfg.MetricsAddress, m)
	currentCfg := cfg

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			if err := proxyInstance.RotateAccessLog(); err != nil {
				logger.Error("Failed to rotate access log: %v", err)
			}

			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; reloading blocklist only.")
				if err := proxyInstance.ReloadBlocklist(); err != nil {
					logger.Error("Failed to reload blocklist: %v", err)
				}
				continue
			}

			logger.Info("Config changed. Restarting proxy...")
			shutdownProxy(proxyInstance)
			applyLogLevel(newCfg, debugMode)
			if newCfg.MetricsAddress != currentCfg.MetricsAddress {
				stopMetricsServer(metricsServer)
				metricsServer = startMetricsServer(newCfg.MetricsAddress, m)
			}
			proxyInstance = newProxy(newCfg)
			startProxy(proxyInstance)
			currentCfg = newCfg
			logger.Info("Proxy restarted with new configuration.")

		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			shutdownProxy(proxyInstance)
			stopMetricsServer(metricsServer)
			logger.Info("Proxy server shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
