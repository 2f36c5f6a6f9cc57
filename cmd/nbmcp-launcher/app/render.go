package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/fileutils"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
	"github.com/stacklok/netbox-mcp-launcher/pkg/render/containerfile"
	"github.com/stacklok/netbox-mcp-launcher/pkg/render/manifest"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render deployment artifacts",
		Long:  `Render the container image definition or the Kubernetes manifest for the NetBox MCP service.`,
	}
	cmd.AddCommand(newRenderContainerfileCmd())
	cmd.AddCommand(newRenderManifestCmd())
	return cmd
}

type containerfileFlags struct {
	variant   string
	caCert    string
	appSource string
	appDir    string
	baseImage string
	goImage   string
	uvVersion string
	nativeTLS bool
	output    string
}

func newRenderContainerfileCmd() *cobra.Command {
	flags := &containerfileFlags{}
	cmd := &cobra.Command{
		Use:   "containerfile",
		Short: "Render the Containerfile of the proxy image",
		Long: `Render the Containerfile of the proxy image.

The build context is expected to hold the launcher sources and the NetBox MCP
server sources (--app-source). With --ca-cert the certificate is added to the
image trust store before any network access; when writing to a file it is
copied next to the Containerfile as ` + containerfile.CACertFile + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return renderContainerfile(cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.variant, "variant", "", "Launcher variant to build (authenticated or unauthenticated; default: this binary's)")
	cmd.Flags().StringVar(&flags.caCert, "ca-cert", "", "PEM certificate to add to the image trust store")
	cmd.Flags().StringVar(&flags.appSource, "app-source", containerfile.DefaultAppSource,
		"NetBox MCP server directory in the build context")
	cmd.Flags().StringVar(&flags.appDir, "app-dir", "", "Application directory in the image")
	cmd.Flags().StringVar(&flags.baseImage, "base-image", containerfile.DefaultBaseImage, "Runtime base image")
	cmd.Flags().StringVar(&flags.goImage, "go-image", containerfile.DefaultGoImage, "Image used to build the launcher")
	cmd.Flags().StringVar(&flags.uvVersion, "uv-version", containerfile.DefaultUVVersion, "uv version to install")
	cmd.Flags().BoolVar(&flags.nativeTLS, "native-tls", true, "Default UV_NATIVE_TLS of the image")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func renderContainerfile(stdout io.Writer, flags *containerfileFlags) error {
	v, err := variant.Parse(flags.variant)
	if err != nil {
		return lerrors.NewInvalidConfigError("invalid --variant", err)
	}

	data := containerfile.NewTemplateData(v)
	data.AppSource = flags.appSource
	data.BaseImage = flags.baseImage
	data.GoImage = flags.goImage
	data.UVVersion = flags.uvVersion
	data.NativeTLS = flags.nativeTLS
	if flags.appDir != "" {
		data.AppDir = flags.appDir
	}

	var caContent []byte
	if flags.caCert != "" {
		caContent, err = os.ReadFile(filepath.Clean(flags.caCert))
		if err != nil {
			return lerrors.NewInvalidConfigError("failed to read --ca-cert", err)
		}
		data.CACertContent = string(caContent)
	}

	out, err := containerfile.Render(data)
	if err != nil {
		return lerrors.NewRenderError("failed to render Containerfile", err)
	}

	if flags.output == "" {
		if caContent != nil {
			logger.Warnf("Place %s in the build context as %s", flags.caCert, containerfile.CACertFile)
		}
		_, err := io.WriteString(stdout, out)
		return err
	}

	if err := writeOutput(flags.output, []byte(out)); err != nil {
		return err
	}
	if caContent != nil {
		caPath := filepath.Join(filepath.Dir(flags.output), containerfile.CACertFile)
		if err := writeOutput(caPath, caContent); err != nil {
			return err
		}
	}
	logger.Infof("Wrote %s", flags.output)
	return nil
}

type manifestFlags struct {
	values string
	output string
}

func newRenderManifestCmd() *cobra.Command {
	flags := &manifestFlags{}
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Render the Kubernetes manifest of the service",
		Long: `Render the Kubernetes manifest of the service as a multi-document YAML
stream: the trusted CA ConfigMap, the Deployment, the Service and, on
OpenShift, a Route. Values are read from a YAML file; every value except
netbox.url has a default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return renderManifest(cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.values, "values", "f", "", "Values file")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func renderManifest(stdout io.Writer, flags *manifestFlags) error {
	values, err := manifest.LoadValues(flags.values)
	if err != nil {
		return lerrors.NewInvalidConfigError("invalid manifest values", err)
	}

	objects, err := manifest.Render(values)
	if err != nil {
		return lerrors.NewRenderError("failed to render manifest", err)
	}
	out, err := manifest.ToYAML(objects)
	if err != nil {
		return lerrors.NewRenderError("failed to serialise manifest", err)
	}

	if flags.output == "" {
		_, err := stdout.Write(out)
		return err
	}
	if err := writeOutput(flags.output, out); err != nil {
		return err
	}
	logger.Infof("Wrote %d objects to %s", len(objects), flags.output)
	return nil
}

func writeOutput(path string, content []byte) error {
	if err := fileutils.AtomicWriteFile(filepath.Clean(path), content, 0o644); err != nil {
		return lerrors.NewRenderError(fmt.Sprintf("failed to write %s", path), err)
	}
	return nil
}
