// Package config parses the CLI/environment surface for the proxy, with
// environment variables as the default source and flags overriding them —
// the same layering the teacher uses throughout.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config holds the fully-validated startup configuration.
type Config struct {
	ListenAddr       string
	CacheDir         string
	LogLevel         string
	AllowedUpstreams []string

	// GitUploadPackTimeoutSeconds is forwarded to git-upload-pack's
	// --timeout flag, bounding how long it will idle waiting on a stalled
	// client.
	GitUploadPackTimeoutSeconds int

	// UploadPackThreads tunes pack.threads for upload-pack invocations (0
	// means git's own default).
	UploadPackThreads int

	// MaintainAfterSync runs background commit-graph/multi-pack-index
	// maintenance after every successful fetch.
	MaintainAfterSync bool

	// EnablePackCache turns on the optional depth=1 pack response cache.
	EnablePackCache bool

	// MinRefetchIntervalSeconds bounds how often the registry actually runs
	// `git fetch` for a repeat request against the same mirror using
	// credentials already proven valid. 0 disables this and always fetches.
	MinRefetchIntervalSeconds int

	MetricsPath string
	HealthPath  string

	// AWSCloudMapServiceID and the Route53 fields are optional: when unset,
	// this instance does not register itself anywhere.
	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string
}

// Load parses configuration from os.Args[1:] and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from an explicit argument slice, for
// testability.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("smart-git-proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.CacheDir, "cache-dir", envOrDefault("CACHE_DIR", "/var/cache/git"), "directory for bare git mirrors")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug,info,warn,error")
	fs.IntVar(&cfg.GitUploadPackTimeoutSeconds, "upload-pack-timeout", envOrDefaultInt("UPLOAD_PACK_TIMEOUT", 600), "idle timeout in seconds passed to git-upload-pack --timeout")
	fs.IntVar(&cfg.UploadPackThreads, "upload-pack-threads", envOrDefaultInt("UPLOAD_PACK_THREADS", 0), "pack.threads to use for upload-pack (0 means git's default)")
	fs.BoolVar(&cfg.MaintainAfterSync, "maintain-after-sync", envOrDefaultBool("MAINTAIN_AFTER_SYNC", false), "run lightweight maintenance (midx bitmap + commit-graph) after each fetch")
	fs.BoolVar(&cfg.EnablePackCache, "enable-pack-cache", envOrDefaultBool("ENABLE_PACK_CACHE", false), "cache upload-pack responses for single-want, depth=1 requests")
	fs.IntVar(&cfg.MinRefetchIntervalSeconds, "min-refetch-interval", envOrDefaultInt("MIN_REFETCH_INTERVAL", 0), "skip a repeat git fetch within this many seconds for already-proven credentials (0 disables)")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", envOrDefault("METRICS_PATH", "/metrics"), "path for Prometheus metrics")
	fs.StringVar(&cfg.HealthPath, "health-path", envOrDefault("HEALTH_PATH", "/healthz"), "path for health checks")
	fs.StringVar(&cfg.AWSCloudMapServiceID, "aws-cloud-map-service-id", envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""), "AWS Cloud Map service ID for fleet registration and health heartbeat")
	fs.StringVar(&cfg.Route53HostedZoneID, "route53-hosted-zone-id", envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""), "Route53 hosted zone ID for DNS registration")
	fs.StringVar(&cfg.Route53RecordName, "route53-record-name", envOrDefault("ROUTE53_RECORD_NAME", ""), "Route53 record name (e.g., git-cache.example.com)")

	allowedUpstreamsStr := fs.String("allowed-upstreams", envOrDefault("ALLOWED_UPSTREAMS", "github.com"), "comma-separated list of allowed upstream hosts")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, h := range strings.Split(*allowedUpstreamsStr, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			cfg.AllowedUpstreams = append(cfg.AllowedUpstreams, h)
		}
	}
	if len(cfg.AllowedUpstreams) == 0 {
		return nil, errors.New("at least one allowed upstream is required")
	}

	if cfg.GitUploadPackTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("upload-pack-timeout must be positive, got %d", cfg.GitUploadPackTimeoutSeconds)
	}
	if cfg.MinRefetchIntervalSeconds < 0 {
		return nil, fmt.Errorf("min-refetch-interval must not be negative, got %d", cfg.MinRefetchIntervalSeconds)
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envOrDefaultInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}
