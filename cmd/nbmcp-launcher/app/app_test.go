package app

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/render/containerfile"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

func newMockEnv(t *testing.T, vars map[string]string) *mocks.MockReader {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockEnv := mocks.NewMockReader(ctrl)
	mockEnv.EXPECT().Getenv(gomock.Any()).DoAndReturn(func(key string) string {
		return vars[key]
	}).AnyTimes()
	return mockEnv
}

func baseVars(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		config.APIKeyEnv:        "s3cret-key",
		config.NetBoxURLEnv:     "https://netbox.example.com",
		config.NetBoxTokenEnv:   "nbt_secret",
		config.AppDirEnv:        t.TempDir(),
		config.StateDirEnv:      t.TempDir(),
		config.HealthEnabledEnv: "false",
	}
}

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	require.NotNil(t, cmd.PersistentFlags().Lookup("debug"))

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"run", "preflight", "healthcheck", "render", "version"} {
		assert.Contains(t, names, want)
	}

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("dry-run"))
	assert.NotNil(t, run.Flags().Lookup("exec"))
}

func TestRunDryRun(t *testing.T) {
	t.Parallel()

	vars := baseVars(t)
	var out bytes.Buffer
	l := &launcher{
		env:     newMockEnv(t, vars),
		environ: []string{"PATH=/usr/bin:/bin"},
		variant: variant.Authenticated,
		stdout:  &out,
	}

	require.NoError(t, l.run(context.Background(), &runFlags{dryRun: true}))

	script := out.String()
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script,
		"exec mcpo --host 0.0.0.0 --port 8000 --api-key '<redacted>' -- uv run --directory "+
			vars[config.AppDirEnv]+" server.py\n")
	assert.NotContains(t, script, "s3cret-key")
	assert.NotContains(t, script, "nbt_secret")
}

func TestRunDryRunUnauthenticated(t *testing.T) {
	t.Parallel()

	vars := baseVars(t)
	delete(vars, config.APIKeyEnv)
	var out bytes.Buffer
	l := &launcher{
		env:     newMockEnv(t, vars),
		environ: nil,
		variant: variant.Unauthenticated,
		stdout:  &out,
	}

	require.NoError(t, l.run(context.Background(), &runFlags{dryRun: true}))
	assert.NotContains(t, out.String(), "--api-key")
}

func TestRunMissingConfiguration(t *testing.T) {
	t.Parallel()

	l := &launcher{
		env:     newMockEnv(t, map[string]string{}),
		variant: variant.Authenticated,
		stdout:  &bytes.Buffer{},
	}

	err := l.run(context.Background(), &runFlags{})
	require.Error(t, err)
	assert.True(t, lerrors.IsInvalidConfig(err))
	assert.Equal(t, lerrors.ExitConfig, lerrors.ExitCodeOf(err))
	assert.Contains(t, err.Error(), config.APIKeyEnv)
	assert.Contains(t, err.Error(), config.NetBoxTokenEnv)
}

func TestRunSupervisesProxy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	proxy := filepath.Join(dir, "proxy")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\nenv > " + argsFile + ".env\nexit 5\n"
	require.NoError(t, os.WriteFile(proxy, []byte(script), 0o700)) // #nosec G306 - test executable

	vars := baseVars(t)
	vars[config.ProxyCommandEnv] = proxy
	vars[config.HealthEnabledEnv] = "true"
	vars[config.HealthAddrEnv] = "127.0.0.1:0"
	vars[config.ExtraArgsEnv] = `--transport "streamable http"`

	l := &launcher{
		env:     newMockEnv(t, vars),
		environ: []string{"PATH=/usr/bin:/bin", config.APIKeyEnv + "=s3cret-key"},
		variant: variant.Authenticated,
		stdout:  &bytes.Buffer{},
		signals: make(chan os.Signal),
	}

	err := l.run(context.Background(), &runFlags{})
	require.Error(t, err)
	assert.True(t, lerrors.IsChildExit(err))
	assert.Equal(t, 5, lerrors.ExitCodeOf(err))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--host", "0.0.0.0", "--port", "8000", "--api-key", "s3cret-key",
		"--", "uv", "run", "--directory", vars[config.AppDirEnv], "server.py",
		"--transport", "streamable http",
	}, strings.Split(strings.TrimSuffix(string(args), "\n"), "\n"))

	childEnv, err := os.ReadFile(argsFile + ".env")
	require.NoError(t, err)
	assert.NotContains(t, string(childEnv), "s3cret-key")
}

func TestRunProxyNotFound(t *testing.T) {
	t.Parallel()

	vars := baseVars(t)
	vars[config.ProxyCommandEnv] = "nbmcp-no-such-proxy"

	l := &launcher{
		env:     newMockEnv(t, vars),
		environ: []string{"PATH=/usr/bin:/bin"},
		variant: variant.Authenticated,
		stdout:  &bytes.Buffer{},
		signals: make(chan os.Signal),
	}

	err := l.run(context.Background(), &runFlags{})
	require.Error(t, err)
	assert.Equal(t, lerrors.ExitNotFound, lerrors.ExitCodeOf(err))
}

func TestRunPreflightRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	vars := baseVars(t)
	vars[config.NetBoxURLEnv] = server.URL
	vars[config.PreflightEnv] = "true"

	l := &launcher{
		env:     newMockEnv(t, vars),
		variant: variant.Authenticated,
		stdout:  &bytes.Buffer{},
	}

	err := l.run(context.Background(), &runFlags{})
	require.Error(t, err)
	assert.True(t, lerrors.IsPreflight(err))
	assert.Equal(t, lerrors.ExitUnavailable, lerrors.ExitCodeOf(err))
}

func TestRunPreflightCommand(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token nbt_secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"netbox-version":"4.2.1"}`))
	}))
	defer server.Close()

	err := runPreflight(context.Background(), newMockEnv(t, map[string]string{
		config.NetBoxURLEnv:   server.URL,
		config.NetBoxTokenEnv: "nbt_secret",
	}))
	require.NoError(t, err)

	err = runPreflight(context.Background(), newMockEnv(t, map[string]string{}))
	require.Error(t, err)
	assert.Equal(t, lerrors.ExitConfig, lerrors.ExitCodeOf(err))
}

func TestRunHealthcheck(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	require.NoError(t, runHealthcheck(context.Background(), addr, time.Second))

	require.NoError(t, listener.Close())
	require.Error(t, runHealthcheck(context.Background(), addr, time.Second))
}

func TestVersionCmdJSON(t *testing.T) {
	t.Parallel()

	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])
	assert.Equal(t, string(variant.Current()), info["variant"])
}

func TestRenderContainerfileToFile(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.NotFoundHandler())
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	server.Close()

	dir := t.TempDir()
	caPath := filepath.Join(dir, "corp-ca.pem")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))
	output := filepath.Join(dir, "build", "Containerfile")
	require.NoError(t, os.MkdirAll(filepath.Dir(output), 0o750))

	err := renderContainerfile(&bytes.Buffer{}, &containerfileFlags{
		variant:   string(variant.Unauthenticated),
		caCert:    caPath,
		appSource: containerfile.DefaultAppSource,
		baseImage: containerfile.DefaultBaseImage,
		goImage:   containerfile.DefaultGoImage,
		uvVersion: containerfile.DefaultUVVersion,
		nativeTLS: true,
		output:    output,
	})
	require.NoError(t, err)

	rendered, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(rendered), `-tags "noauth"`)
	assert.Contains(t, string(rendered), "update-ca-certificates")

	copied, err := os.ReadFile(filepath.Join(dir, "build", containerfile.CACertFile))
	require.NoError(t, err)
	assert.Equal(t, caPEM, copied)
}

func TestRenderContainerfileInvalidVariant(t *testing.T) {
	t.Parallel()

	err := renderContainerfile(&bytes.Buffer{}, &containerfileFlags{variant: "open"})
	require.Error(t, err)
	assert.Equal(t, lerrors.ExitConfig, lerrors.ExitCodeOf(err))
}

func TestRenderManifestToStdout(t *testing.T) {
	t.Parallel()

	valuesPath := filepath.Join(t.TempDir(), "values.yaml")
	require.NoError(t, os.WriteFile(valuesPath, []byte(
		"variant: authenticated\nnetbox:\n  url: https://netbox.example.com\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, renderManifest(&out, &manifestFlags{values: valuesPath}))
	assert.Contains(t, out.String(), "kind: Deployment")
	assert.Contains(t, out.String(), "kind: Service")
	assert.Contains(t, out.String(), config.APIKeyEnv)

	err := renderManifest(&out, &manifestFlags{values: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
	assert.True(t, lerrors.IsInvalidConfig(err))
}
