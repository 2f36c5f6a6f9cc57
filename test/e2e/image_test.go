// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stacklok/netbox-mcp-launcher/pkg/render/containerfile"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

// appSourceEnv points at a checkout of the NetBox MCP server. The image
// specs are skipped when it is not set.
const appSourceEnv = "NBMCP_E2E_APP_SOURCE"

const startupTimeout = 10 * time.Minute

// checkTestcontainersAvailable reports whether a container provider can be reached.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// buildContext assembles a build context holding the launcher sources, the
// application sources and the rendered Containerfile.
func buildContext(appSource string, v variant.Variant) string {
	GinkgoHelper()

	repoRoot, err := filepath.Abs(filepath.Join("..", ".."))
	Expect(err).ToNot(HaveOccurred())

	dir := GinkgoT().TempDir()
	for _, name := range []string{"cmd", "pkg"} {
		Expect(os.CopyFS(filepath.Join(dir, name), os.DirFS(filepath.Join(repoRoot, name)))).To(Succeed())
	}
	for _, name := range []string{"go.mod", "go.sum"} {
		content, err := os.ReadFile(filepath.Join(repoRoot, name))
		if errors.Is(err, fs.ErrNotExist) && name == "go.sum" {
			continue
		}
		Expect(err).ToNot(HaveOccurred())
		Expect(os.WriteFile(filepath.Join(dir, name), content, 0o600)).To(Succeed())
	}
	Expect(os.CopyFS(filepath.Join(dir, containerfile.DefaultAppSource), os.DirFS(appSource))).To(Succeed())

	rendered, err := containerfile.Render(containerfile.NewTemplateData(v))
	Expect(err).ToNot(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(dir, "Containerfile"), []byte(rendered), 0o600)).To(Succeed())
	return dir
}

func startContainer(
	ctx context.Context, contextDir string, envVars map[string]string, strategy wait.Strategy,
) testcontainers.Container {
	GinkgoHelper()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			FromDockerfile: testcontainers.FromDockerfile{
				Context:    contextDir,
				Dockerfile: "Containerfile",
			},
			ExposedPorts: []string{"8000/tcp", "8081/tcp"},
			Env:          envVars,
			WaitingFor:   strategy,
		},
		Started: true,
	})
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(func(ctx SpecContext) {
		_ = c.Terminate(ctx)
	})
	return c
}

func get(url string) (int, string) {
	GinkgoHelper()

	resp, err := http.Get(url) // #nosec G107 - test-local endpoint
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).ToNot(HaveOccurred())
	return resp.StatusCode, string(body)
}

var _ = Describe("Proxy image", Label("image", "e2e"), func() {
	var appSource string

	BeforeEach(func() {
		appSource = os.Getenv(appSourceEnv)
		if appSource == "" {
			Skip(appSourceEnv + " is not set")
		}
		if !checkTestcontainersAvailable() {
			Skip("testcontainers provider not available")
		}
	})

	It("starts the proxy and reports readiness", func(ctx SpecContext) {
		contextDir := buildContext(appSource, variant.Authenticated)
		c := startContainer(ctx, contextDir, map[string]string{
			"MCPO_API_KEY":      "e2e-api-key",
			"NETBOX_URL":        "https://netbox.invalid",
			"NETBOX_TOKEN":      "e2e-token",
			"UNSTRUCTURED_LOGS": "true",
		}, wait.ForHTTP("/readyz").
			WithPort("8081/tcp").
			WithStatusCodeMatcher(func(status int) bool { return status == http.StatusNoContent }).
			WithStartupTimeout(startupTimeout))

		endpoint, err := c.PortEndpoint(ctx, "8081/tcp", "http")
		Expect(err).ToNot(HaveOccurred())

		status, _ := get(endpoint + "/health")
		Expect(status).To(Equal(http.StatusNoContent))

		status, metrics := get(endpoint + "/metrics")
		Expect(status).To(Equal(http.StatusOK))
		Expect(metrics).To(ContainSubstring("nbmcp_proxy_ready 1"))
		Expect(metrics).To(ContainSubstring("nbmcp_proxy_running 1"))

		stopTimeout := 30 * time.Second
		Expect(c.Stop(ctx, &stopTimeout)).To(Succeed())
	}, SpecTimeout(startupTimeout+time.Minute))

	It("refuses to start without an API key", func(ctx SpecContext) {
		contextDir := buildContext(appSource, variant.Authenticated)
		c := startContainer(ctx, contextDir, map[string]string{
			"NETBOX_URL":   "https://netbox.invalid",
			"NETBOX_TOKEN": "e2e-token",
		}, wait.ForExit().WithExitTimeout(startupTimeout))

		state, err := c.State(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(state.ExitCode).To(Equal(78))
	}, SpecTimeout(startupTimeout+time.Minute))
})
