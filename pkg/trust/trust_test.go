package trust

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-core/logging"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

func newCAPEM(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeTemp(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func countCerts(t *testing.T, path string) int {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	n := 0
	for {
		var block *pem.Block
		block, content = pem.Decode(content)
		if block == nil {
			return n
		}
		n++
	}
}

func TestComposeNativeTrustDisabled(t *testing.T) { //nolint:paralleltest // replaces the process logger
	var logs bytes.Buffer
	prev := logger.Get()
	t.Cleanup(func() { logger.Set(prev) })
	logger.Set(logging.New(logging.WithOutput(&logs), logging.WithFormat(logging.FormatText)))

	plan, err := Compose(&config.Config{
		NativeTLS: false,
		CABundles: []string{"/does/not/matter.pem"},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Env)
	assert.Empty(t, plan.UVArgs)
	assert.Empty(t, plan.BundlePath)
	assert.Nil(t, plan.CertPool())

	assert.Contains(t, logs.String(), "no combined bundle is composed")
	assert.Contains(t, logs.String(), "passed to the proxy unchanged")
	assert.NotContains(t, logs.String(), "will not be applied")
}

func TestComposeAugmentsSystemStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	system := append(newCAPEM(t, "system-root-1"), newCAPEM(t, "system-root-2")...)
	custom := newCAPEM(t, "corp-root")

	cfg := &config.Config{
		NativeTLS:    true,
		SystemCAFile: writeTemp(t, dir, "system.pem", system),
		// the same bundle reachable twice must not duplicate certificates
		CABundles: []string{
			writeTemp(t, dir, "custom.pem", custom),
			writeTemp(t, dir, "custom-copy.pem", custom),
		},
		StateDir: filepath.Join(dir, "state"),
	}

	plan, err := Compose(cfg)
	require.NoError(t, err)

	wantPath := filepath.Join(dir, "state", CombinedBundleName)
	assert.Equal(t, wantPath, plan.BundlePath)
	assert.Equal(t, 3, plan.Certificates)
	assert.Equal(t, 3, countCerts(t, wantPath))
	assert.Equal(t, []string{NativeTLSFlag}, plan.UVArgs)
	assert.Equal(t, map[string]string{
		config.NativeTLSEnv:        "true",
		config.SSLCertFileEnv:      wantPath,
		config.RequestsCABundleEnv: wantPath,
		"CURL_CA_BUNDLE":           wantPath,
	}, plan.Env)
	assert.NotNil(t, plan.CertPool())

	info, err := os.Stat(wantPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestComposeToleratesMissingSystemStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := &config.Config{
		NativeTLS:    true,
		SystemCAFile: filepath.Join(dir, "absent.pem"),
		CABundles:    []string{writeTemp(t, dir, "custom.pem", newCAPEM(t, "corp-root"))},
		StateDir:     dir,
	}

	plan, err := Compose(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Certificates)
}

func TestComposeWithoutAnyCertificates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plan, err := Compose(&config.Config{
		NativeTLS:    true,
		SystemCAFile: filepath.Join(dir, "absent.pem"),
		StateDir:     dir,
	})
	require.NoError(t, err)
	assert.Empty(t, plan.BundlePath)
	assert.Equal(t, map[string]string{config.NativeTLSEnv: "true"}, plan.Env)
	assert.Equal(t, []string{NativeTLSFlag}, plan.UVArgs)
}

func TestComposeRejectsBadBundles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name   string
		bundle string
	}{
		{"missing file", filepath.Join(dir, "missing.pem")},
		{"not pem", writeTemp(t, dir, "garbage.pem", []byte("not a certificate"))},
		{
			"corrupt certificate",
			writeTemp(t, dir, "corrupt.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("junk")})),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compose(&config.Config{
				NativeTLS:    true,
				SystemCAFile: filepath.Join(dir, "absent.pem"),
				CABundles:    []string{tt.bundle},
				StateDir:     t.TempDir(),
			})
			require.Error(t, err)
			assert.True(t, lerrors.IsTrust(err))
			assert.Equal(t, lerrors.ExitNoPerm, lerrors.ExitCodeOf(err))
		})
	}
}

func TestValidateCertificates(t *testing.T) {
	t.Parallel()

	good := newCAPEM(t, "root")
	withKey := append(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("k")}), good...)

	assert.NoError(t, ValidateCertificates(good))
	assert.NoError(t, ValidateCertificates(withKey), "non-certificate blocks are skipped")
	assert.Error(t, ValidateCertificates(nil))
	assert.Error(t, ValidateCertificates(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("k")})))

	dir := t.TempDir()
	assert.NoError(t, ValidateBundle(writeTemp(t, dir, "ok.pem", good)))
	assert.Error(t, ValidateBundle(filepath.Join(dir, "nope.pem")))
}

func TestWriteBundleConcurrentWriters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", CombinedBundleName)
	bundles := [][]byte{newCAPEM(t, "ca-one"), newCAPEM(t, "ca-two"), newCAPEM(t, "ca-three")}

	var wg sync.WaitGroup
	for _, b := range bundles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, writeBundle(path, b))
		}()
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, bundles, content)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, locked, "lock must be released after the write")
	require.NoError(t, lock.Unlock())
}
