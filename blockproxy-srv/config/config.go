package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
)

// BlocklistReload selects how the blocklist file is consulted.
type BlocklistReload string

const (
	// BlocklistReloadAlways rereads the file on every filter check.
	BlocklistReloadAlways BlocklistReload = "always"
	// BlocklistReloadWatch keeps the file in memory and reloads it when it changes.
	BlocklistReloadWatch BlocklistReload = "watch"
)

// BlocklistMatch selects how hosts are compared against blocklist entries.
type BlocklistMatch string

const (
	// BlocklistMatchExact blocks a host only if it equals an entry byte for byte.
	BlocklistMatchExact BlocklistMatch = "exact"
	// BlocklistMatchSubdomain additionally blocks every subdomain of an entry.
	BlocklistMatchSubdomain BlocklistMatch = "subdomain"
)

// AccessLogConfig describes the append-only request log.
type AccessLogConfig struct {
	Path       string // Empty disables the file sink
	MaxSizeMB  int    // Rotate after this many megabytes; 0 never rotates
	MaxBackups int    // Rotated files to keep; 0 keeps all
	MaxAgeDays int    // Days to keep rotated files; 0 keeps all
	Compress   bool   // Gzip rotated files
}

// StatisticsConfig selects the optional statistics database.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress            string
	LogLevel                 string
	BlocklistFile            string
	BlocklistReload          BlocklistReload
	BlocklistMatch           BlocklistMatch
	TimeoutSeconds           int // Upstream dial timeout; 0 uses the platform default
	IdleTimeoutSeconds       int // Per-direction relay idle timeout; 0 disables it
	ReadBufferSize           int // Bytes peeked from the client before parsing
	MaxConcurrentConnections int // 0 means unlimited
	MetricsAddress           string
	AccessLog                AccessLogConfig
	DNS                      DNSConfig
	Forwards                 []Forward
	Statistics               StatisticsConfig
}

const (
	DefaultListenAddress      = ":8888"
	DefaultBlocklistFile      = "config/blocked_domains.txt"
	DefaultAccessLogPath      = "proxy.log"
	DefaultIdleTimeoutSeconds = 300
	DefaultReadBufferSize     = 4096
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:      DefaultListenAddress,
		LogLevel:           "info",
		BlocklistFile:      DefaultBlocklistFile,
		BlocklistReload:    BlocklistReloadAlways,
		BlocklistMatch:     BlocklistMatchExact,
		IdleTimeoutSeconds: DefaultIdleTimeoutSeconds,
		ReadBufferSize:     DefaultReadBufferSize,
		AccessLog: AccessLogConfig{
			Path: DefaultAccessLogPath,
		},
		DNS: DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:    "sqlite",
			SQLitePath: "blockproxy_stats.db",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// An empty path yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	loadConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen-address must not be empty")
	}
	switch c.BlocklistReload {
	case BlocklistReloadAlways, BlocklistReloadWatch:
	default:
		return fmt.Errorf("invalid blocklist-reload: %q (expected always or watch)", c.BlocklistReload)
	}
	switch c.BlocklistMatch {
	case BlocklistMatchExact, BlocklistMatchSubdomain:
	default:
		return fmt.Errorf("invalid blocklist-match: %q (expected exact or subdomain)", c.BlocklistMatch)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout-seconds must not be negative")
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idle-timeout-seconds must not be negative")
	}
	if c.ReadBufferSize < 16 {
		return fmt.Errorf("read-buffer-size must be at least 16, got %d", c.ReadBufferSize)
	}
	if c.MaxConcurrentConnections < 0 {
		return fmt.Errorf("max-concurrent-connections must not be negative")
	}
	if c.AccessLog.MaxSizeMB < 0 || c.AccessLog.MaxBackups < 0 || c.AccessLog.MaxAgeDays < 0 {
		return fmt.Errorf("access-log rotation settings must not be negative")
	}
	for i, fwd := range c.Forwards {
		if fwd.GetAddress() == "" {
			return fmt.Errorf("forward at index %d requires an address", i)
		}
	}
	if c.DNS.Enabled {
		for i, server := range c.DNS.Servers {
			switch server.Type {
			case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
			default:
				return fmt.Errorf("dns server at index %d has invalid type %q", i, server.Type)
			}
			if server.Address == "" {
				return fmt.Errorf("dns server at index %d requires an address", i)
			}
		}
	}
	if c.Statistics.Enabled {
		switch c.Statistics.Backend {
		case "sqlite", "", "dummy":
		case "postgres":
			if c.Statistics.PostgresDSN == "" {
				return fmt.Errorf("statistics backend postgres requires postgres-dsn")
			}
		default:
			return fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend)
		}
	}
	return nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	if err := setFromMap(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setFromMap(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}
	if err := setFromMap(data, "blocklist-file", &cfg.BlocklistFile); err != nil {
		return err
	}
	var reload, match string
	if err := setFromMap(data, "blocklist-reload", &reload); err != nil {
		return err
	}
	if reload != "" {
		cfg.BlocklistReload = BlocklistReload(reload)
	}
	if err := setFromMap(data, "blocklist-match", &match); err != nil {
		return err
	}
	if match != "" {
		cfg.BlocklistMatch = BlocklistMatch(match)
	}
	if err := setFromMap(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setFromMap(data, "idle-timeout-seconds", &cfg.IdleTimeoutSeconds); err != nil {
		return err
	}
	if err := setFromMap(data, "read-buffer-size", &cfg.ReadBufferSize); err != nil {
		return err
	}
	if err := setFromMap(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setFromMap(data, "metrics-address", &cfg.MetricsAddress); err != nil {
		return err
	}

	if val, exists := data["access-log"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("access-log must be an object")
		}
		if err := setFromMap(m, "path", &cfg.AccessLog.Path); err != nil {
			return fmt.Errorf("access-log: %w", err)
		}
		if err := setFromMap(m, "max-size-mb", &cfg.AccessLog.MaxSizeMB); err != nil {
			return fmt.Errorf("access-log: %w", err)
		}
		if err := setFromMap(m, "max-backups", &cfg.AccessLog.MaxBackups); err != nil {
			return fmt.Errorf("access-log: %w", err)
		}
		if err := setFromMap(m, "max-age-days", &cfg.AccessLog.MaxAgeDays); err != nil {
			return fmt.Errorf("access-log: %w", err)
		}
		if err := setFromMap(m, "compress", &cfg.AccessLog.Compress); err != nil {
			return fmt.Errorf("access-log: %w", err)
		}
	}

	if val, exists := data["statistics"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := setFromMap(m, "enabled", &cfg.Statistics.Enabled); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setFromMap(m, "backend", &cfg.Statistics.Backend); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setFromMap(m, "sqlite-path", &cfg.Statistics.SQLitePath); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setFromMap(m, "postgres-dsn", &cfg.Statistics.PostgresDSN); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if val, exists := data["dns"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("dns must be an object")
		}
		dns, err := parseDNSConfig(m)
		if err != nil {
			return err
		}
		cfg.DNS = dns
	}

	if val, exists := data["forwards"]; exists {
		forwards, ok := val.([]any)
		if !ok {
			return fmt.Errorf("forwards must be an array")
		}
		cfg.Forwards = nil
		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("forward at index %d must be an object", i)
			}
			fwd, err := parseForward(forwardMap)
			if err != nil {
				return fmt.Errorf("forward at index %d: %w", i, err)
			}
			cfg.Forwards = append(cfg.Forwards, fwd)
		}
	}

	return nil
}

// setFromMap assigns data[key] to *dst when the key is present.
func setFromMap[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseDNSConfig(m map[string]any) (DNSConfig, error) {
	dns := DNSConfig{}
	if err := setFromMap(m, "enabled", &dns.Enabled); err != nil {
		return dns, fmt.Errorf("dns: %w", err)
	}
	servers, ok := m["servers"].([]any)
	if !ok {
		return dns, nil
	}
	for i, s := range servers {
		sm, ok := s.(map[string]any)
		if !ok {
			return dns, fmt.Errorf("dns server at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		var serverType string
		if err := setFromMap(sm, "address", &server.Address); err != nil {
			return dns, fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if err := setFromMap(sm, "type", &serverType); err != nil {
			return dns, fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if serverType != "" {
			server.Type = DNSType(serverType)
		}
		if err := setFromMap(sm, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return dns, fmt.Errorf("dns server at index %d: %w", i, err)
		}
		if err := setFromMap(sm, "tls-host", &server.TLSHost); err != nil {
			return dns, fmt.Errorf("dns server at index %d: %w", i, err)
		}
		dns.Servers = append(dns.Servers, server)
	}
	return dns, nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var address string
	if err := setFromMap(forwardMap, "address", &address); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, fmt.Errorf("%s forward requires address field", forwardType)
	}

	var username, password *string
	if raw, exists := forwardMap["username"]; exists {
		v, err := parseValue[string](raw)
		if err != nil {
			return nil, fmt.Errorf("username: %w", err)
		}
		username = v
	}
	if raw, exists := forwardMap["password"]; exists {
		v, err := parseValue[string](raw)
		if err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
		password = v
	}

	var forceIPv4 bool
	if err := setFromMap(forwardMap, "force-ipv4", &forceIPv4); err != nil {
		return nil, err
	}

	var hosts []string
	if raw, exists := forwardMap["hosts"]; exists {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("hosts must be an array of strings")
		}
		for _, h := range list {
			host, ok := h.(string)
			if !ok {
				return nil, fmt.Errorf("hosts must be an array of strings")
			}
			hosts = append(hosts, host)
		}
	}

	switch forwardType {
	case "socks5":
		return &ForwardSocks5{
			HostList:  hosts,
			Address:   address,
			Username:  username,
			Password:  password,
			ForceIPv4: forceIPv4,
		}, nil
	case "proxy":
		return &ForwardProxy{
			HostList:  hosts,
			Address:   address,
			Username:  username,
			Password:  password,
			ForceIPv4: forceIPv4,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		return
	}
	*dst = v
}

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("BLOCKPROXY_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if level := os.Getenv("BLOCKPROXY_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if path := os.Getenv("BLOCKPROXY_BLOCKLISTFILE"); path != "" {
		cfg.BlocklistFile = path
	}
	if reload := os.Getenv("BLOCKPROXY_BLOCKLISTRELOAD"); reload != "" {
		cfg.BlocklistReload = BlocklistReload(strings.ToLower(reload))
	}
	if match := os.Getenv("BLOCKPROXY_BLOCKLISTMATCH"); match != "" {
		cfg.BlocklistMatch = BlocklistMatch(strings.ToLower(match))
	}
	envInt("BLOCKPROXY_TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("BLOCKPROXY_IDLETIMEOUTSECONDS", &cfg.IdleTimeoutSeconds)
	envInt("BLOCKPROXY_READBUFFERSIZE", &cfg.ReadBufferSize)
	envInt("BLOCKPROXY_MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)
	if addr, ok := os.LookupEnv("BLOCKPROXY_METRICSADDRESS"); ok {
		cfg.MetricsAddress = addr
	}
	if path, ok := os.LookupEnv("BLOCKPROXY_ACCESSLOG"); ok {
		cfg.AccessLog.Path = path
	}
	if enabled := os.Getenv("BLOCKPROXY_STATISTICS"); enabled != "" {
		cfg.Statistics.Enabled = envBool(enabled)
	}
	if dsn := os.Getenv("BLOCKPROXY_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.Backend = "postgres"
		cfg.Statistics.PostgresDSN = dsn
	}
}
