// Package preflight checks that NetBox is reachable with the configured token
// before the proxy is started.
package preflight

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
	"github.com/stacklok/netbox-mcp-launcher/pkg/networking"
)

// Result labels reported to the recorder.
const (
	ResultSuccess   = "success"
	ResultRetry     = "retry"
	ResultForbidden = "forbidden"
)

const (
	statusPath         = "/status/"
	attemptTimeout     = 10 * time.Second
	initialInterval    = 500 * time.Millisecond
	maxInterval        = 10 * time.Second
	maxErrorBodyBytes  = 512
	maxStatusBodyBytes = 1 << 20
)

// Recorder receives one call per attempt.
type Recorder interface {
	PreflightAttempt(result string)
}

// Status is the subset of the NetBox /api/status/ response the launcher logs.
type Status struct {
	NetBoxVersion string
	PythonVersion string
	// Plugins lists the installed NetBox plugins, sorted.
	Plugins []string
}

// Checker runs the preflight against one NetBox instance.
type Checker struct {
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	recorder Recorder
}

// NewChecker builds a Checker for cfg. pool holds the roots used to verify
// NetBox; nil means the system roots.
func NewChecker(cfg *config.Config, pool *x509.CertPool, recorder Recorder) (*Checker, error) {
	client, err := networking.NewHttpClientBuilder().
		WithTimeout(attemptTimeout).
		WithCertPool(pool).
		WithInsecureSkipVerify(!cfg.NetBoxVerifySSL).
		WithAuthToken("Token", cfg.NetBoxToken).
		Build()
	if err != nil {
		return nil, lerrors.NewInternalError("failed to build NetBox client", err)
	}
	return &Checker{
		baseURL:  APIURL(cfg.NetBoxURL),
		client:   client,
		timeout:  cfg.PreflightTimeout,
		recorder: recorder,
	}, nil
}

// APIURL normalises a NetBox base URL to its /api root.
func APIURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/api") {
		return base
	}
	return base + "/api"
}

// Check retries the status request until it succeeds, the token is rejected,
// or the preflight timeout elapses.
func (c *Checker) Check(ctx context.Context) (*Status, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("NetBox preflight failed, retrying in %s: %v", next, err)
		}),
	}
	if c.timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.timeout))
	}

	status, err := backoff.Retry(ctx, func() (*Status, error) {
		return c.attempt(ctx)
	}, opts...)
	if err != nil {
		return nil, lerrors.NewPreflightError("NetBox preflight failed", err)
	}

	logger.Infow("NetBox is reachable",
		"url", c.baseURL,
		"netbox_version", status.NetBoxVersion,
		"plugins", status.Plugins,
	)
	return status, nil
}

func (c *Checker) attempt(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusPath, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid NetBox URL: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.record(ResultRetry)
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.record(ResultForbidden)
		return nil, backoff.Permanent(fmt.Errorf("NetBox rejected the token: %s", resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.record(ResultRetry)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	c.record(ResultSuccess)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		// a reachable NetBox with an unexpected body still passes
		logger.Debugf("NetBox status response is not JSON (read error: %v)", err)
		return &Status{}, nil
	}
	return parseStatus(body), nil
}

func parseStatus(body []byte) *Status {
	doc := gjson.ParseBytes(body)
	status := &Status{
		NetBoxVersion: doc.Get("netbox-version").String(),
		PythonVersion: doc.Get("python-version").String(),
	}
	doc.Get("plugins").ForEach(func(key, _ gjson.Result) bool {
		status.Plugins = append(status.Plugins, key.String())
		return true
	})
	sort.Strings(status.Plugins)
	return status
}

func (c *Checker) record(result string) {
	if c.recorder != nil {
		c.recorder.PreflightAttempt(result)
	}
}

// Check is a one-shot helper around NewChecker and Checker.Check.
func Check(ctx context.Context, cfg *config.Config, pool *x509.CertPool, recorder Recorder) (*Status, error) {
	checker, err := NewChecker(cfg, pool, recorder)
	if err != nil {
		return nil, err
	}
	return checker.Check(ctx)
}
