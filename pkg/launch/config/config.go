// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config reads the launcher configuration from the container
// environment. The environment is read exactly once at start; nothing in the
// launcher mutates the resulting Config afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/toolhive-core/env"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

// Environment variable names consumed by the launcher.
const (
	APIKeyEnv           = "MCPO_API_KEY"
	NativeTLSEnv        = "UV_NATIVE_TLS"
	CABundleEnv         = "NBMCP_CA_BUNDLE"
	SSLCertFileEnv      = "SSL_CERT_FILE"
	RequestsCABundleEnv = "REQUESTS_CA_BUNDLE"
	NetBoxURLEnv        = "NETBOX_URL"
	NetBoxTokenEnv      = "NETBOX_TOKEN"
	NetBoxVerifySSLEnv  = "NETBOX_VERIFY_SSL"
	AppDirEnv           = "NBMCP_APP_DIR"
	AppEntryEnv         = "NBMCP_APP_ENTRY"
	ExtraArgsEnv        = "NBMCP_EXTRA_ARGS"
	ProxyCommandEnv     = "NBMCP_PROXY_COMMAND"
	ProxyHostEnv        = "NBMCP_PROXY_HOST"
	SystemCAFileEnv     = "NBMCP_SYSTEM_CA_FILE"
	StateDirEnv         = "NBMCP_STATE_DIR"
	EnvFileDirEnv       = "NBMCP_ENV_FILE_DIR"
	ShutdownTimeoutEnv  = "NBMCP_SHUTDOWN_TIMEOUT"
	ReadyTimeoutEnv     = "NBMCP_READY_TIMEOUT"
	HealthEnabledEnv    = "NBMCP_HEALTH_ENABLED"
	HealthAddrEnv       = "NBMCP_HEALTH_ADDR"
	PreflightEnv        = "NBMCP_PREFLIGHT"
	PreflightTimeoutEnv = "NBMCP_PREFLIGHT_TIMEOUT"
)

// ProxyPort is the port the proxy serves its HTTP/OpenAPI surface on.
const ProxyPort = 8000

// Defaults
const (
	DefaultAppDir           = "/app/netbox-mcp-server"
	DefaultAppEntry         = "server.py"
	DefaultProxyCommand     = "mcpo"
	DefaultProxyHost        = "0.0.0.0"
	DefaultSystemCAFile     = "/etc/ssl/certs/ca-certificates.crt"
	DefaultStateDir         = "/tmp/nbmcp"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultReadyTimeout     = 2 * time.Minute
	DefaultHealthAddr       = ":8081"
	DefaultPreflightTimeout = time.Minute

	// DefaultCABundlePath is where the deployment manifest mounts the trusted CA bundle.
	DefaultCABundlePath = "/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem"
)

const redacted = "<redacted>"

// Config is the launcher configuration composed from the environment.
type Config struct {
	APIKey string

	NativeTLS bool
	// CABundles are the operator-supplied bundles, in the order they were found:
	// NBMCP_CA_BUNDLE entries, then SSL_CERT_FILE, then REQUESTS_CA_BUNDLE.
	CABundles    []string
	SystemCAFile string
	StateDir     string

	NetBoxURL       string
	NetBoxToken     string
	NetBoxVerifySSL bool

	AppDir    string
	AppEntry  string
	ExtraArgs string

	ProxyCommand string
	ProxyHost    string

	EnvFileDir string

	ShutdownTimeout time.Duration
	ReadyTimeout    time.Duration

	HealthEnabled bool
	HealthAddr    string

	Preflight        bool
	PreflightTimeout time.Duration
}

// FromEnv reads the configuration from envReader. It only fails on values that
// are present but cannot be parsed; required values are checked by Validate.
func FromEnv(envReader env.Reader) (*Config, error) {
	p := &parser{env: envReader}

	cfg := &Config{
		APIKey:           strings.TrimSpace(envReader.Getenv(APIKeyEnv)),
		NativeTLS:        p.boolean(NativeTLSEnv, false),
		CABundles:        caBundles(envReader),
		SystemCAFile:     p.str(SystemCAFileEnv, DefaultSystemCAFile),
		StateDir:         p.str(StateDirEnv, DefaultStateDir),
		NetBoxURL:        strings.TrimSpace(envReader.Getenv(NetBoxURLEnv)),
		NetBoxToken:      strings.TrimSpace(envReader.Getenv(NetBoxTokenEnv)),
		NetBoxVerifySSL:  p.boolean(NetBoxVerifySSLEnv, true),
		AppDir:           p.str(AppDirEnv, DefaultAppDir),
		AppEntry:         p.str(AppEntryEnv, DefaultAppEntry),
		ExtraArgs:        envReader.Getenv(ExtraArgsEnv),
		ProxyCommand:     p.str(ProxyCommandEnv, DefaultProxyCommand),
		ProxyHost:        p.str(ProxyHostEnv, DefaultProxyHost),
		EnvFileDir:       envReader.Getenv(EnvFileDirEnv),
		ShutdownTimeout:  p.duration(ShutdownTimeoutEnv, DefaultShutdownTimeout),
		ReadyTimeout:     p.duration(ReadyTimeoutEnv, DefaultReadyTimeout),
		HealthEnabled:    p.boolean(HealthEnabledEnv, true),
		HealthAddr:       p.str(HealthAddrEnv, DefaultHealthAddr),
		Preflight:        p.boolean(PreflightEnv, false),
		PreflightTimeout: p.duration(PreflightTimeoutEnv, DefaultPreflightTimeout),
	}

	if len(p.errs) > 0 {
		return nil, lerrors.NewInvalidConfigError(strings.Join(p.errs, "; "), nil)
	}
	return cfg, nil
}

// Validate checks that everything required to launch is present for the given
// build variant. All problems are reported at once.
func (c *Config) Validate(v variant.Variant) error {
	var missing []string
	if v.RequiresAPIKey() && c.APIKey == "" {
		missing = append(missing, APIKeyEnv)
	}
	if c.NetBoxURL == "" {
		missing = append(missing, NetBoxURLEnv)
	}
	if c.NetBoxToken == "" {
		missing = append(missing, NetBoxTokenEnv)
	}

	var problems []string
	if len(missing) > 0 {
		sort.Strings(missing)
		problems = append(problems, "missing required environment variables: "+strings.Join(missing, ", "))
	}

	if c.NetBoxURL != "" && !strings.HasPrefix(c.NetBoxURL, "http://") && !strings.HasPrefix(c.NetBoxURL, "https://") {
		problems = append(problems, fmt.Sprintf("%s must be an http(s) URL", NetBoxURLEnv))
	}

	if info, err := os.Stat(c.AppDir); err != nil || !info.IsDir() {
		problems = append(problems, fmt.Sprintf("application directory %s (%s) does not exist", c.AppDir, AppDirEnv))
	}

	if c.ShutdownTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be positive", ShutdownTimeoutEnv))
	}

	if len(problems) > 0 {
		return lerrors.NewInvalidConfigError(strings.Join(problems, "; "), nil)
	}
	return nil
}

// ProxyAddress returns the local address the proxy listens on.
func (*Config) ProxyAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", ProxyPort)
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	out.CABundles = append([]string(nil), c.CABundles...)
	if out.APIKey != "" {
		out.APIKey = redacted
	}
	if out.NetBoxToken != "" {
		out.NetBoxToken = redacted
	}
	return out
}

// caBundles collects CA bundle paths, dropping duplicates and empty entries.
func caBundles(envReader env.Reader) []string {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		p = filepath.Clean(p)
		if seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	for _, p := range filepath.SplitList(envReader.Getenv(CABundleEnv)) {
		add(p)
	}
	add(envReader.Getenv(SSLCertFileEnv))
	add(envReader.Getenv(RequestsCABundleEnv))
	return paths
}

type parser struct {
	env  env.Reader
	errs []string
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.env.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.env.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: invalid boolean %q", key, raw))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.env.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: invalid duration %q", key, raw))
		return def
	}
	return v
}
