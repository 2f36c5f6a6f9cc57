// Package trust composes the outbound TLS trust for the proxy and the inner
// NetBox application.
//
// When native trust is enabled the OS trust store is augmented with every
// operator-supplied CA bundle, the result is written to a single PEM file, and
// the child environment is pointed at it. Python tooling does not agree on a
// single variable for this, so SSL_CERT_FILE, REQUESTS_CA_BUNDLE and
// CURL_CA_BUNDLE are all set.
package trust

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/fileutils"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

// CombinedBundleName is the file name of the composed bundle inside the state directory.
const CombinedBundleName = "ca-bundle.pem"

const bundleLockTimeout = 5 * time.Second

// NativeTLSFlag makes uv use the platform trust store.
const NativeTLSFlag = "--native-tls"

// Plan describes how the child processes should be configured to trust
// outbound TLS endpoints.
type Plan struct {
	// BundlePath is the composed bundle, empty when none was written.
	BundlePath string
	// Env holds variables to overlay on the child environment.
	Env map[string]string
	// UVArgs are extra arguments for every uv invocation.
	UVArgs []string
	// Certificates is the number of distinct certificates in the bundle.
	Certificates int

	pool *x509.CertPool
}

// CertPool returns the composed pool, or nil when the system defaults apply.
func (p *Plan) CertPool() *x509.CertPool {
	if p == nil {
		return nil
	}
	return p.pool
}

// Compose builds the trust plan for cfg.
func Compose(cfg *config.Config) (*Plan, error) {
	if !cfg.NativeTLS {
		if len(cfg.CABundles) > 0 {
			logger.Warnf("CA bundles %v are configured but %s is not enabled; no combined bundle is composed "+
				"and uv keeps its own roots. %s and %s are passed to the proxy unchanged",
				cfg.CABundles, config.NativeTLSEnv, config.SSLCertFileEnv, config.RequestsCABundleEnv)
		}
		return &Plan{Env: map[string]string{}}, nil
	}

	plan := &Plan{
		Env:    map[string]string{config.NativeTLSEnv: "true"},
		UVArgs: []string{NativeTLSFlag},
	}

	b := newBuilder()

	systemPEM, err := os.ReadFile(cfg.SystemCAFile)
	switch {
	case err != nil:
		logger.Warnf("System trust store %s is not readable: %v", cfg.SystemCAFile, err)
	default:
		if n := b.add(systemPEM); n == 0 {
			logger.Warnf("System trust store %s contains no certificates", cfg.SystemCAFile)
		}
	}

	for _, path := range cfg.CABundles {
		content, err := readBundle(path)
		if err != nil {
			return nil, err
		}
		added := b.add(content)
		logger.Debugf("CA bundle %s contributed %d new certificates", path, added)
	}

	if b.count() == 0 {
		logger.Warn("No certificates available to compose a trust bundle; relying on tool defaults")
		return plan, nil
	}

	bundlePath := filepath.Join(cfg.StateDir, CombinedBundleName)
	if err := writeBundle(bundlePath, b.pem.Bytes()); err != nil {
		return nil, lerrors.NewTrustError("failed to write combined CA bundle", err)
	}

	plan.BundlePath = bundlePath
	plan.Certificates = b.count()
	plan.pool = b.pool
	plan.Env[config.SSLCertFileEnv] = bundlePath
	plan.Env[config.RequestsCABundleEnv] = bundlePath
	plan.Env["CURL_CA_BUNDLE"] = bundlePath

	logger.Infof("Composed trust bundle %s with %d certificates", bundlePath, plan.Certificates)
	return plan, nil
}

// ValidateBundle reports whether the file at path is a readable PEM bundle
// containing at least one parseable certificate.
func ValidateBundle(path string) error {
	_, err := readBundle(path)
	return err
}

func readBundle(path string) ([]byte, error) {
	path = filepath.Clean(path)
	content, err := os.ReadFile(path) // #nosec G304 - path is an operator-supplied CA bundle
	if err != nil {
		return nil, lerrors.NewTrustError(fmt.Sprintf("CA bundle %s not found or not accessible", path), err)
	}
	if err := ValidateCertificates(content); err != nil {
		return nil, lerrors.NewTrustError(fmt.Sprintf("invalid CA bundle %s", path), err)
	}
	return content, nil
}

// ValidateCertificates checks that content holds at least one PEM certificate
// and that every CERTIFICATE block parses.
func ValidateCertificates(content []byte) error {
	found := 0
	rest := content
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return fmt.Errorf("failed to parse certificate %d: %w", found+1, err)
		}
		found++
	}
	if found == 0 {
		return fmt.Errorf("no PEM certificates found")
	}
	return nil
}

// builder accumulates distinct certificates in PEM form and as a pool.
type builder struct {
	seen map[[sha256.Size]byte]bool
	pem  bytes.Buffer
	pool *x509.CertPool
}

func newBuilder() *builder {
	return &builder{
		seen: map[[sha256.Size]byte]bool{},
		pool: x509.NewCertPool(),
	}
}

func (b *builder) add(content []byte) int {
	added := 0
	rest := content
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return added
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			// system stores occasionally carry entries Go cannot parse
			continue
		}
		sum := sha256.Sum256(block.Bytes)
		if b.seen[sum] {
			continue
		}
		b.seen[sum] = true
		b.pool.AddCert(cert)
		_ = pem.Encode(&b.pem, &pem.Block{Type: "CERTIFICATE", Bytes: block.Bytes})
		added++
	}
}

func (b *builder) count() int {
	return len(b.seen)
}

// writeBundle replaces the bundle under a lock file so that launchers sharing
// a state directory do not interleave their writes.
func writeBundle(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	fileLock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), bundleLockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", bundleLockTimeout)
	}
	defer fileLock.Unlock()

	return fileutils.AtomicWriteFile(path, content, 0o644)
}
