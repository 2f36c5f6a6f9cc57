package manifest

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"

	"github.com/stacklok/netbox-mcp-launcher/pkg/render/containerfile"
)

// SecurityContextBuilder produces platform-appropriate security contexts.
type SecurityContextBuilder struct {
	platform Platform
	readOnly bool
}

// NewSecurityContextBuilder returns a builder for platform.
func NewSecurityContextBuilder(platform Platform, readOnlyRootFilesystem bool) *SecurityContextBuilder {
	return &SecurityContextBuilder{platform: platform, readOnly: readOnlyRootFilesystem}
}

// BuildPodSecurityContext returns the pod-level security context.
func (b *SecurityContextBuilder) BuildPodSecurityContext() *corev1.PodSecurityContext {
	podCtx := &corev1.PodSecurityContext{
		RunAsNonRoot: ptr.To(true),
	}
	if b.platform == PlatformOpenShift {
		// OpenShift SCCs assign the UID, GID and fsGroup
		podCtx.SeccompProfile = &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault}
		return podCtx
	}
	uid := int64(containerfile.DefaultUID)
	podCtx.RunAsUser = ptr.To(uid)
	podCtx.RunAsGroup = ptr.To(uid)
	podCtx.FSGroup = ptr.To(uid)
	return podCtx
}

// BuildContainerSecurityContext returns the security context of the proxy container.
func (b *SecurityContextBuilder) BuildContainerSecurityContext() *corev1.SecurityContext {
	containerCtx := &corev1.SecurityContext{
		Privileged:               ptr.To(false),
		RunAsNonRoot:             ptr.To(true),
		AllowPrivilegeEscalation: ptr.To(false),
		ReadOnlyRootFilesystem:   ptr.To(b.readOnly),
		Capabilities: &corev1.Capabilities{
			Drop: []corev1.Capability{"ALL"},
		},
	}
	if b.platform == PlatformOpenShift {
		containerCtx.SeccompProfile = &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault}
		return containerCtx
	}
	uid := int64(containerfile.DefaultUID)
	containerCtx.RunAsUser = ptr.To(uid)
	containerCtx.RunAsGroup = ptr.To(uid)
	return containerCtx
}
