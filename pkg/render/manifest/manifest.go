// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manifest renders the Kubernetes objects that run the NetBox MCP
// proxy: the trusted CA ConfigMap, the Deployment, its Service and, on
// OpenShift, a Route.
package manifest

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strconv"

	routev1 "github.com/openshift/api/route/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

// Trusted CA bundle conventions shared with the OpenShift CA injector.
const (
	InjectTrustedCABundleLabel = "config.openshift.io/inject-trusted-cabundle"
	TrustedCABundleKey         = "ca-bundle.crt"
	TrustedCABundleMountFile   = "tls-ca-bundle.pem"
	TrustedCABundleMountDir    = "/etc/pki/ca-trust/extracted/pem"
)

const (
	containerName    = "netbox-mcp"
	httpPortName     = "http"
	healthPortName   = "health"
	healthPort       = 8081
	trustedCAVolume  = "trusted-ca"
	tmpVolume        = "tmp"
	appNameLabel     = "app.kubernetes.io/name"
	instanceLabel    = "app.kubernetes.io/instance"
	managedByLabel   = "app.kubernetes.io/managed-by"
	managedByValue   = "nbmcp-launcher"
	componentLabel   = "app.kubernetes.io/component"
	componentValue   = "mcp-proxy"
	readinessPath    = "/readyz"
	terminationGrace = int64(30)
)

// Render builds the objects for values, in apply order. Unset fields of
// values are defaulted in place.
func Render(values *Values) ([]runtime.Object, error) {
	if values == nil {
		return nil, fmt.Errorf("values are required")
	}
	if err := values.applyDefaults(); err != nil {
		return nil, err
	}
	if err := values.Validate(); err != nil {
		return nil, err
	}

	var objects []runtime.Object
	if values.hasTrustedCA() {
		objects = append(objects, buildTrustedCAConfigMap(values))
	}
	objects = append(objects, buildDeployment(values), buildService(values))
	if *values.Route.Enabled {
		objects = append(objects, buildRoute(values))
	}

	logger.Debugf("Rendered %d objects for %s", len(objects), values.Name)
	return objects, nil
}

// ToYAML serialises objects as a multi-document YAML stream.
func ToYAML(objects []runtime.Object) ([]byte, error) {
	var buf bytes.Buffer
	for i, obj := range objects {
		out, err := yaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal object %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(out)
	}
	return buf.Bytes(), nil
}

func selectorLabels(values *Values) map[string]string {
	return map[string]string{
		appNameLabel:  "netbox-mcp",
		instanceLabel: values.Name,
	}
}

func objectLabels(values *Values) map[string]string {
	labels := map[string]string{}
	for k, v := range values.Labels {
		labels[k] = v
	}
	for k, v := range selectorLabels(values) {
		labels[k] = v
	}
	labels[managedByLabel] = managedByValue
	labels[componentLabel] = componentValue
	return labels
}

func objectMeta(values *Values, name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      name,
		Namespace: values.Namespace,
		Labels:    objectLabels(values),
	}
}

func buildTrustedCAConfigMap(values *Values) *corev1.ConfigMap {
	cm := &corev1.ConfigMap{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: objectMeta(values, values.TrustedCA.ConfigMapName),
	}
	if *values.TrustedCA.Inject {
		// the injector owns the data key
		cm.Labels[InjectTrustedCABundleLabel] = "true"
		return cm
	}
	cm.Data = map[string]string{TrustedCABundleKey: values.TrustedCA.Bundle}
	return cm
}

func buildDeployment(values *Values) *appsv1.Deployment {
	labels := objectLabels(values)
	maxSurge := intstr.Parse(values.RollingUpdate.MaxSurge)
	maxUnavailable := intstr.Parse(values.RollingUpdate.MaxUnavailable)
	security := NewSecurityContextBuilder(values.Platform, values.ReadOnlyRootFilesystem)

	container := corev1.Container{
		Name:            containerName,
		Image:           values.Image,
		ImagePullPolicy: corev1.PullPolicy(values.ImagePullPolicy),
		Ports: []corev1.ContainerPort{
			{Name: httpPortName, ContainerPort: config.ProxyPort, Protocol: corev1.ProtocolTCP},
			{Name: healthPortName, ContainerPort: healthPort, Protocol: corev1.ProtocolTCP},
		},
		Env:             buildEnv(values),
		Resources:       BuildResourceRequirements(values.Resources),
		LivenessProbe:   buildTCPProbe(httpPortName, 30, 20, 5, 3),
		ReadinessProbe:  BuildHealthProbe(readinessPath, healthPortName, 5, 10, 3, 3),
		SecurityContext: security.BuildContainerSecurityContext(),
		VolumeMounts: []corev1.VolumeMount{
			{Name: tmpVolume, MountPath: "/tmp"},
		},
	}

	podSpec := corev1.PodSpec{
		SecurityContext:               security.BuildPodSecurityContext(),
		TerminationGracePeriodSeconds: ptr.To(terminationGrace),
		Volumes: []corev1.Volume{
			{Name: tmpVolume, VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		},
	}

	if values.hasTrustedCA() {
		addTrustedCABundle(&container, &podSpec, values.TrustedCA.ConfigMapName)
	}
	podSpec.Containers = []corev1.Container{container}

	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: objectMeta(values, values.Name),
		Spec: appsv1.DeploymentSpec{
			Replicas: values.Replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(values)},
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{
					MaxSurge:       &maxSurge,
					MaxUnavailable: &maxUnavailable,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// addTrustedCABundle mounts the CA ConfigMap where the launcher looks for
// NBMCP_CA_BUNDLE.
func addTrustedCABundle(container *corev1.Container, podSpec *corev1.PodSpec, configMapName string) {
	container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
		Name:      trustedCAVolume,
		ReadOnly:  true,
		MountPath: TrustedCABundleMountDir,
	})
	podSpec.Volumes = append(podSpec.Volumes, corev1.Volume{
		Name: trustedCAVolume,
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
				Items: []corev1.KeyToPath{
					{Key: TrustedCABundleKey, Path: TrustedCABundleMountFile},
				},
			},
		},
	})
}

func buildEnv(values *Values) []corev1.EnvVar {
	envVars := []corev1.EnvVar{
		{Name: config.NetBoxURLEnv, Value: values.NetBox.URL},
		secretEnv(config.NetBoxTokenEnv, values.NetBox.TokenSecret),
	}
	if values.NetBox.VerifySSL != nil {
		envVars = append(envVars, corev1.EnvVar{
			Name:  config.NetBoxVerifySSLEnv,
			Value: strconv.FormatBool(*values.NetBox.VerifySSL),
		})
	}
	if values.Variant.RequiresAPIKey() {
		envVars = append(envVars, secretEnv(config.APIKeyEnv, values.APIKeySecret))
	}
	envVars = append(envVars, corev1.EnvVar{
		Name:  config.NativeTLSEnv,
		Value: strconv.FormatBool(*values.NativeTLS),
	})
	if values.hasTrustedCA() {
		envVars = append(envVars, corev1.EnvVar{
			Name:  config.CABundleEnv,
			Value: path.Join(TrustedCABundleMountDir, TrustedCABundleMountFile),
		})
	}
	envVars = append(envVars, corev1.EnvVar{Name: logger.UnstructuredLogsEnv, Value: "false"})

	keys := make([]string, 0, len(values.ExtraEnv))
	for k := range values.ExtraEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: values.ExtraEnv[k]})
	}
	return envVars
}

func secretEnv(name string, ref SecretRef) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: ref.Name},
				Key:                  ref.Key,
			},
		},
	}
}

func buildService(values *Values) *corev1.Service {
	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: objectMeta(values, values.Name),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selectorLabels(values),
			Ports: []corev1.ServicePort{
				{
					Name:       httpPortName,
					Port:       config.ProxyPort,
					TargetPort: intstr.FromString(httpPortName),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

func buildRoute(values *Values) *routev1.Route {
	return &routev1.Route{
		TypeMeta:   metav1.TypeMeta{APIVersion: routev1.GroupVersion.String(), Kind: "Route"},
		ObjectMeta: objectMeta(values, values.Name),
		Spec: routev1.RouteSpec{
			Host: values.Route.Host,
			To: routev1.RouteTargetReference{
				Kind:   "Service",
				Name:   values.Name,
				Weight: ptr.To(int32(100)),
			},
			Port: &routev1.RoutePort{TargetPort: intstr.FromString(httpPortName)},
			TLS: &routev1.TLSConfig{
				Termination:                   routev1.TLSTerminationEdge,
				InsecureEdgeTerminationPolicy: routev1.InsecureEdgeTerminationPolicyRedirect,
			},
			WildcardPolicy: routev1.WildcardPolicyNone,
		},
	}
}

// BuildResourceRequirements converts resource values into Kubernetes
// requirements. Values are validated before this is called.
func BuildResourceRequirements(resources ResourceValues) corev1.ResourceRequirements {
	requirements := corev1.ResourceRequirements{}

	if resources.Limits.CPU != "" || resources.Limits.Memory != "" {
		requirements.Limits = corev1.ResourceList{}
		if resources.Limits.CPU != "" {
			requirements.Limits[corev1.ResourceCPU] = resource.MustParse(resources.Limits.CPU)
		}
		if resources.Limits.Memory != "" {
			requirements.Limits[corev1.ResourceMemory] = resource.MustParse(resources.Limits.Memory)
		}
	}

	if resources.Requests.CPU != "" || resources.Requests.Memory != "" {
		requirements.Requests = corev1.ResourceList{}
		if resources.Requests.CPU != "" {
			requirements.Requests[corev1.ResourceCPU] = resource.MustParse(resources.Requests.CPU)
		}
		if resources.Requests.Memory != "" {
			requirements.Requests[corev1.ResourceMemory] = resource.MustParse(resources.Requests.Memory)
		}
	}

	return requirements
}

// BuildHealthProbe builds an HTTP GET probe against a named port.
func BuildHealthProbe(
	probePath, port string, initialDelay, period, timeout, failureThreshold int32,
) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: probePath,
				Port: intstr.FromString(port),
			},
		},
		InitialDelaySeconds: initialDelay,
		PeriodSeconds:       period,
		TimeoutSeconds:      timeout,
		FailureThreshold:    failureThreshold,
	}
}

func buildTCPProbe(port string, initialDelay, period, timeout, failureThreshold int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString(port)},
		},
		InitialDelaySeconds: initialDelay,
		PeriodSeconds:       period,
		TimeoutSeconds:      timeout,
		FailureThreshold:    failureThreshold,
	}
}
