package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

type hclAccessLog struct {
	Path       *string `hcl:"path,optional"`
	MaxSizeMB  *int    `hcl:"max-size-mb,optional"`
	MaxBackups *int    `hcl:"max-backups,optional"`
	MaxAgeDays *int    `hcl:"max-age-days,optional"`
	Compress   *bool   `hcl:"compress,optional"`
}

type hclDNS struct {
	Enabled bool              `hcl:"enabled,optional"`
	Servers []DNSServerConfig `hcl:"server,block"`
}

type hclForward struct {
	Type      string   `hcl:"type,label"`
	Address   string   `hcl:"address"`
	Username  *string  `hcl:"username,optional"`
	Password  *string  `hcl:"password,optional"`
	Hosts     []string `hcl:"hosts,optional"`
	ForceIPv4 bool     `hcl:"force-ipv4,optional"`
}

type hclStatistics struct {
	Enabled     bool    `hcl:"enabled,optional"`
	Backend     *string `hcl:"backend,optional"`
	SQLitePath  *string `hcl:"sqlite-path,optional"`
	PostgresDSN *string `hcl:"postgres-dsn,optional"`
}

type hclConfig struct {
	ListenAddress            *string        `hcl:"listen-address,optional"`
	LogLevel                 *string        `hcl:"log-level,optional"`
	BlocklistFile            *string        `hcl:"blocklist-file,optional"`
	BlocklistReload          *string        `hcl:"blocklist-reload,optional"`
	BlocklistMatch           *string        `hcl:"blocklist-match,optional"`
	TimeoutSeconds           *int           `hcl:"timeout-seconds,optional"`
	IdleTimeoutSeconds       *int           `hcl:"idle-timeout-seconds,optional"`
	ReadBufferSize           *int           `hcl:"read-buffer-size,optional"`
	MaxConcurrentConnections *int           `hcl:"max-concurrent-connections,optional"`
	MetricsAddress           *string        `hcl:"metrics-address,optional"`
	AccessLog                *hclAccessLog  `hcl:"access-log,block"`
	DNS                      *hclDNS        `hcl:"dns,block"`
	Forwards                 []hclForward   `hcl:"forward,block"`
	Statistics               *hclStatistics `hcl:"statistics,block"`
}

// envFunction exposes environment variables to HCL files as env("NAME").
// An unset variable is an error so that missing secrets fail loudly.
var envFunction = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		name := args[0].AsString()
		value := os.Getenv(name)
		if value == "" {
			return cty.NilVal, fmt.Errorf("secret %s not set", name)
		}
		return cty.StringVal(value), nil
	},
})

func hclEvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunction,
		},
	}
}

func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	var raw hclConfig
	if diags := gohcl.DecodeBody(file.Body, hclEvalContext(), &raw); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL config: %s", diags.Error())
	}

	return applyHCLConfig(&raw, cfg)
}

func assign[T any](src *T, dst *T) {
	if src != nil {
		*dst = *src
	}
}

func applyHCLConfig(raw *hclConfig, cfg *Config) error {
	assign(raw.ListenAddress, &cfg.ListenAddress)
	assign(raw.LogLevel, &cfg.LogLevel)
	assign(raw.BlocklistFile, &cfg.BlocklistFile)
	if raw.BlocklistReload != nil {
		cfg.BlocklistReload = BlocklistReload(*raw.BlocklistReload)
	}
	if raw.BlocklistMatch != nil {
		cfg.BlocklistMatch = BlocklistMatch(*raw.BlocklistMatch)
	}
	assign(raw.TimeoutSeconds, &cfg.TimeoutSeconds)
	assign(raw.IdleTimeoutSeconds, &cfg.IdleTimeoutSeconds)
	assign(raw.ReadBufferSize, &cfg.ReadBufferSize)
	assign(raw.MaxConcurrentConnections, &cfg.MaxConcurrentConnections)
	assign(raw.MetricsAddress, &cfg.MetricsAddress)

	if al := raw.AccessLog; al != nil {
		assign(al.Path, &cfg.AccessLog.Path)
		assign(al.MaxSizeMB, &cfg.AccessLog.MaxSizeMB)
		assign(al.MaxBackups, &cfg.AccessLog.MaxBackups)
		assign(al.MaxAgeDays, &cfg.AccessLog.MaxAgeDays)
		assign(al.Compress, &cfg.AccessLog.Compress)
	}

	if raw.DNS != nil {
		cfg.DNS.Enabled = raw.DNS.Enabled
		if len(raw.DNS.Servers) > 0 {
			cfg.DNS.Servers = nil
			for _, server := range raw.DNS.Servers {
				if server.Type == "" {
					server.Type = DNSTypeUDP
				}
				if server.TimeoutSeconds == 0 {
					server.TimeoutSeconds = 10
				}
				cfg.DNS.Servers = append(cfg.DNS.Servers, server)
			}
		}
	}

	if len(raw.Forwards) > 0 {
		cfg.Forwards = nil
		for i, f := range raw.Forwards {
			switch f.Type {
			case "socks5":
				cfg.Forwards = append(cfg.Forwards, &ForwardSocks5{
					HostList:  f.Hosts,
					Address:   f.Address,
					Username:  f.Username,
					Password:  f.Password,
					ForceIPv4: f.ForceIPv4,
				})
			case "proxy":
				cfg.Forwards = append(cfg.Forwards, &ForwardProxy{
					HostList:  f.Hosts,
					Address:   f.Address,
					Username:  f.Username,
					Password:  f.Password,
					ForceIPv4: f.ForceIPv4,
				})
			default:
				return fmt.Errorf("forward at index %d: unsupported forward type: %s", i, f.Type)
			}
		}
	}

	if st := raw.Statistics; st != nil {
		cfg.Statistics.Enabled = st.Enabled
		assign(st.Backend, &cfg.Statistics.Backend)
		assign(st.SQLitePath, &cfg.Statistics.SQLitePath)
		assign(st.PostgresDSN, &cfg.Statistics.PostgresDSN)
	}

	return nil
}
