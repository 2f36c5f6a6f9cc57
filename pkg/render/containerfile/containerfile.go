// Package containerfile renders the image definition for the NetBox MCP
// proxy container.
package containerfile

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/trust"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
	"github.com/stacklok/netbox-mcp-launcher/pkg/versions"
)

//go:embed Containerfile.tmpl
var containerfileTemplate string

// Defaults for TemplateData.
const (
	DefaultBaseImage    = "python:3.13-slim"
	DefaultGoImage      = "golang:1.26"
	DefaultUVVersion    = "0.8.13"
	DefaultProxyPackage = "mcpo"
	DefaultAppSource    = "netbox-mcp-server"
	DefaultUID          = 1001

	// CACertFile is the build-context file the custom CA is copied from.
	CACertFile = "ca-cert.crt"
)

// TemplateData represents the data passed to the Containerfile template.
type TemplateData struct {
	BaseImage    string
	GoImage      string
	UVVersion    string
	ProxyPackage string
	// AppSource is the application directory inside the build context.
	AppSource string
	// AppDir is where the application lives in the image.
	AppDir    string
	StateDir  string
	Variant   variant.Variant
	Version   string
	NativeTLS bool
	UID       int
	// CACertContent is an optional PEM certificate to add to the OS store.
	// When set, the caller must place it in the build context as CACertFile.
	CACertContent string
}

// NewTemplateData returns TemplateData for v with every field defaulted.
func NewTemplateData(v variant.Variant) TemplateData {
	return TemplateData{
		BaseImage:    DefaultBaseImage,
		GoImage:      DefaultGoImage,
		UVVersion:    DefaultUVVersion,
		ProxyPackage: DefaultProxyPackage,
		AppSource:    DefaultAppSource,
		AppDir:       config.DefaultAppDir,
		StateDir:     config.DefaultStateDir,
		Variant:      v,
		Version:      versions.Version,
		NativeTLS:    true,
		UID:          DefaultUID,
	}
}

type templateView struct {
	TemplateData
	BuildTags  []string
	CACertFile string
	ProxyPort  int
}

// Render executes the Containerfile template.
func Render(data TemplateData) (string, error) {
	if data.AppSource == "" || data.AppDir == "" {
		return "", fmt.Errorf("application source and directory are required")
	}
	if data.CACertContent != "" {
		if err := trust.ValidateCertificates([]byte(data.CACertContent)); err != nil {
			return "", fmt.Errorf("invalid CA certificate: %w", err)
		}
	}

	tmpl, err := template.New("Containerfile").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(containerfileTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	view := templateView{
		TemplateData: data,
		BuildTags:    data.Variant.BuildTags(),
		CACertFile:   CACertFile,
		ProxyPort:    config.ProxyPort,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}
