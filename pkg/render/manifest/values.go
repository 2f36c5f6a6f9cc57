package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/stacklok/netbox-mcp-launcher/pkg/trust"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

// Platform selects platform-specific defaults.
type Platform string

const (
	// PlatformKubernetes targets vanilla Kubernetes.
	PlatformKubernetes Platform = "kubernetes"
	// PlatformOpenShift targets OpenShift: SCC-assigned UIDs, injected trust
	// bundle, and a Route.
	PlatformOpenShift Platform = "openshift"
)

// Default values.
const (
	DefaultName            = "netbox-mcp"
	DefaultImage           = "ghcr.io/stacklok/netbox-mcp:latest"
	DefaultTokenSecretKey  = "token"
	DefaultAPIKeySecretKey = "api-key"
	DefaultCPURequest      = "100m"
	DefaultMemoryRequest   = "256Mi"
	DefaultCPULimit        = "500m"
	DefaultMemoryLimit     = "512Mi"
)

// Values are the inputs of the deployment manifest. Every field has a default.
type Values struct {
	Name            string            `yaml:"name"`
	Namespace       string            `yaml:"namespace"`
	Image           string            `yaml:"image"`
	ImagePullPolicy string            `yaml:"imagePullPolicy"`
	Replicas        *int32            `yaml:"replicas"`
	Variant         variant.Variant   `yaml:"variant"`
	Platform        Platform          `yaml:"platform"`
	Labels          map[string]string `yaml:"labels"`

	Resources     ResourceValues      `yaml:"resources"`
	RollingUpdate RollingUpdateValues `yaml:"rollingUpdate"`

	NetBox       NetBoxValues `yaml:"netbox"`
	APIKeySecret SecretRef    `yaml:"apiKeySecret"`

	NativeTLS *bool           `yaml:"nativeTLS"`
	TrustedCA TrustedCAValues `yaml:"trustedCA"`

	ReadOnlyRootFilesystem bool `yaml:"readOnlyRootFilesystem"`

	Route RouteValues `yaml:"route"`

	ExtraEnv map[string]string `yaml:"extraEnv"`
}

// ResourceValues are the container resource requests and limits.
type ResourceValues struct {
	Requests ResourceList `yaml:"requests"`
	Limits   ResourceList `yaml:"limits"`
}

// ResourceList holds quantity strings such as "100m" or "256Mi".
type ResourceList struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// RollingUpdateValues holds int-or-percent strings such as "1" or "25%".
type RollingUpdateValues struct {
	MaxSurge       string `yaml:"maxSurge"`
	MaxUnavailable string `yaml:"maxUnavailable"`
}

// NetBoxValues locate the NetBox instance and its token.
type NetBoxValues struct {
	URL         string    `yaml:"url"`
	VerifySSL   *bool     `yaml:"verifySSL"`
	TokenSecret SecretRef `yaml:"tokenSecret"`
}

// SecretRef names a key in a Secret.
type SecretRef struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// TrustedCAValues configure the trusted CA ConfigMap. When Inject is true the
// ConfigMap is left empty and labelled for the OpenShift CA injector;
// otherwise Bundle (inline PEM) or BundleFile provides the content.
type TrustedCAValues struct {
	ConfigMapName string `yaml:"configMapName"`
	Inject        *bool  `yaml:"inject"`
	Bundle        string `yaml:"bundle"`
	BundleFile    string `yaml:"bundleFile"`
}

// RouteValues configure the OpenShift Route.
type RouteValues struct {
	Enabled *bool  `yaml:"enabled"`
	Host    string `yaml:"host"`
}

// LoadValues reads values from a YAML file. An empty path yields defaults.
func LoadValues(path string) (*Values, error) {
	if path == "" {
		return ParseValues(nil, "")
	}
	path = filepath.Clean(path)
	content, err := os.ReadFile(path) // #nosec G304 - values file named on the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read values file: %w", err)
	}
	return ParseValues(content, filepath.Dir(path))
}

// ParseValues decodes YAML values, applies defaults and validates them.
// A relative trustedCA.bundleFile is resolved against baseDir.
func ParseValues(content []byte, baseDir string) (*Values, error) {
	values := &Values{}
	if len(bytes.TrimSpace(content)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(values); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse values: %w", err)
		}
	}

	if values.TrustedCA.BundleFile != "" {
		path := values.TrustedCA.BundleFile
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		bundle, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - bundle file named in values
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted CA bundle: %w", err)
		}
		values.TrustedCA.Bundle = string(bundle)
	}

	if err := values.applyDefaults(); err != nil {
		return nil, err
	}
	if err := values.Validate(); err != nil {
		return nil, err
	}
	return values, nil
}

func defaultValues() *Values {
	return &Values{
		Name:            DefaultName,
		Image:           DefaultImage,
		ImagePullPolicy: "IfNotPresent",
		Replicas:        ptr.To(int32(1)),
		Variant:         variant.Current(),
		Platform:        PlatformKubernetes,
		Resources: ResourceValues{
			Requests: ResourceList{CPU: DefaultCPURequest, Memory: DefaultMemoryRequest},
			Limits:   ResourceList{CPU: DefaultCPULimit, Memory: DefaultMemoryLimit},
		},
		RollingUpdate: RollingUpdateValues{MaxSurge: "1", MaxUnavailable: "0"},
		NetBox:        NetBoxValues{TokenSecret: SecretRef{Key: DefaultTokenSecretKey}},
		APIKeySecret:  SecretRef{Key: DefaultAPIKeySecretKey},
		NativeTLS:     ptr.To(true),
	}
}

// applyDefaults fills unset fields. Pointers are not dereferenced, so an
// explicit false or zero survives the merge.
func (v *Values) applyDefaults() error {
	if err := mergo.Merge(v, defaultValues(), mergo.WithoutDereference); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	// defaults derived from other values
	if v.NetBox.TokenSecret.Name == "" {
		v.NetBox.TokenSecret.Name = v.Name + "-netbox"
	}
	if v.APIKeySecret.Name == "" {
		v.APIKeySecret.Name = v.Name + "-api-key"
	}
	if v.TrustedCA.ConfigMapName == "" {
		v.TrustedCA.ConfigMapName = v.Name + "-trusted-ca"
	}
	if v.TrustedCA.Inject == nil {
		v.TrustedCA.Inject = ptr.To(v.Platform == PlatformOpenShift && v.TrustedCA.Bundle == "")
	}
	if v.Route.Enabled == nil {
		v.Route.Enabled = ptr.To(v.Platform == PlatformOpenShift)
	}
	return nil
}

// Validate checks values after defaulting.
func (v *Values) Validate() error {
	if _, err := variant.Parse(string(v.Variant)); err != nil {
		return err
	}
	if v.Platform != PlatformKubernetes && v.Platform != PlatformOpenShift {
		return fmt.Errorf("unknown platform %q (valid values: %s, %s)", v.Platform, PlatformKubernetes, PlatformOpenShift)
	}
	if v.NetBox.URL == "" {
		return fmt.Errorf("netbox.url is required")
	}
	if *v.Replicas < 0 {
		return fmt.Errorf("replicas must not be negative")
	}
	for _, q := range []string{
		v.Resources.Requests.CPU, v.Resources.Requests.Memory,
		v.Resources.Limits.CPU, v.Resources.Limits.Memory,
	} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("invalid resource quantity %q: %w", q, err)
		}
	}
	for _, s := range []string{v.RollingUpdate.MaxSurge, v.RollingUpdate.MaxUnavailable} {
		if _, err := intstr.GetScaledValueFromIntOrPercent(ptr.To(intstr.Parse(s)), 100, true); err != nil {
			return fmt.Errorf("invalid rolling update value %q: %w", s, err)
		}
	}
	if *v.TrustedCA.Inject && v.TrustedCA.Bundle != "" {
		return fmt.Errorf("trustedCA.inject and trustedCA.bundle are mutually exclusive")
	}
	if v.TrustedCA.Bundle != "" {
		if err := trust.ValidateCertificates([]byte(v.TrustedCA.Bundle)); err != nil {
			return fmt.Errorf("invalid trusted CA bundle: %w", err)
		}
	}
	if *v.Route.Enabled && v.Platform != PlatformOpenShift {
		return fmt.Errorf("route.enabled requires platform %s", PlatformOpenShift)
	}
	return nil
}

// hasTrustedCA reports whether a CA ConfigMap is rendered and mounted.
func (v *Values) hasTrustedCA() bool {
	return *v.TrustedCA.Inject || v.TrustedCA.Bundle != ""
}
