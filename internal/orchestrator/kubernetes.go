package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/wagate/internal/config"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

var (
	podReadyTimeout = 3 * time.Minute
	podReadyPoll    = 2 * time.Second
)

type KubernetesOrchestrator struct {
	clientset kubernetes.Interface
	available bool
	inCluster bool
}

func (k *KubernetesOrchestrator) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}
	k.clientset = cs

	if _, err := k.clientset.CoreV1().Namespaces().Get(ctx, k.ns(), metav1.GetOptions{}); err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesOrchestrator) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesOrchestrator) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesOrchestrator) ns() string {
	return config.Cfg.K8sNamespace
}

func (k *KubernetesOrchestrator) EnsureBrowser(ctx context.Context, name string) (string, error) {
	ns := k.ns()

	_, err := k.clientset.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if err := k.scaleDeployment(ctx, name, 1); err != nil {
			return "", fmt.Errorf("scale browser %s: %w", name, err)
		}
	case errors.IsNotFound(err):
		if err := k.createBrowser(ctx, name); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("get browser %s: %w", name, err)
	}

	if err := k.waitForPodReady(ctx, name); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.svc:%d", name, ns, config.Cfg.BrowserPort), nil
}

func (k *KubernetesOrchestrator) createBrowser(ctx context.Context, name string) error {
	ns := k.ns()

	pvc := buildPVC(profileVolumeName(name), ns, config.Cfg.BrowserProfileSize)
	if _, err := k.clientset.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create profile PVC: %w", err)
	}

	dep := buildDeployment(name, ns, config.Cfg.BrowserImage, config.Cfg.BrowserPort, config.Cfg.BrowserShmSize)
	if _, err := k.clientset.AppsV1().Deployments(ns).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}

	svc := buildService(name, ns, config.Cfg.BrowserPort)
	if _, err := k.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	return nil
}

func (k *KubernetesOrchestrator) waitForPodReady(ctx context.Context, name string) error {
	deadline := time.Now().Add(podReadyTimeout)
	for time.Now().Before(deadline) {
		status, _ := k.GetBrowserStatus(ctx, name)
		if status == "running" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(podReadyPoll):
		}
	}
	return fmt.Errorf("browser %s not ready after %s", name, podReadyTimeout)
}

// DeleteBrowser removes the deployment and service and keeps the profile PVC.
func (k *KubernetesOrchestrator) DeleteBrowser(ctx context.Context, name string) error {
	ns := k.ns()

	if err := k.clientset.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := k.clientset.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func (k *KubernetesOrchestrator) GetBrowserStatus(ctx context.Context, name string) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", name),
	})
	if err != nil {
		return "error", nil
	}
	if len(pods.Items) == 0 {
		return "stopped", nil
	}
	return mapPodStatus(&pods.Items[0]), nil
}

func mapPodStatus(pod *corev1.Pod) string {
	switch pod.Status.Phase {
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil {
				return "creating"
			}
			if cs.Ready {
				return "running"
			}
		}
		return "creating"
	case corev1.PodFailed, corev1.PodUnknown:
		return "error"
	default:
		return "creating"
	}
}

func (k *KubernetesOrchestrator) scaleDeployment(ctx context.Context, name string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := k.clientset.AppsV1().Deployments(k.ns()).Patch(
		ctx, name, "application/strategic-merge-patch+json", []byte(patch), metav1.PatchOptions{},
	)
	return err
}

// --- Resource builders ---

func buildPVC(name, ns, storage string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{"managed-by": labelManagedBy},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(storage),
				},
			},
		},
	}
}

func buildDeployment(name, ns, img string, port int, shm string) *appsv1.Deployment {
	replicas := int32(1)
	labels := map[string]string{"app": name, "managed-by": labelManagedBy}
	shmSize := resource.MustParse(k8sQuantity(shm))

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "browser",
						Image: img,
						Ports: []corev1.ContainerPort{
							{Name: "automation", ContainerPort: int32(port)},
						},
						Env: []corev1.EnvVar{
							{Name: "SESSION_NAME", Value: name},
							{Name: "AUTOMATION_PORT", Value: fmt.Sprintf("%d", port)},
							{Name: "PROFILE_DIR", Value: profileMount},
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "profile", MountPath: profileMount},
							{Name: "dshm", MountPath: "/dev/shm"},
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler:        corev1.ProbeHandler{HTTPGet: &corev1.HTTPGetAction{Path: "/healthz", Port: intstr.FromInt32(int32(port))}},
							InitialDelaySeconds: 5,
							PeriodSeconds:       5,
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "profile", VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: profileVolumeName(name)}}},
						{Name: "dshm", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory, SizeLimit: &shmSize}}},
					},
				},
			},
		},
	}
}

func buildService(name, ns string, port int) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{"managed-by": labelManagedBy},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Name: "automation", Port: int32(port), TargetPort: intstr.FromInt32(int32(port)), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

// k8sQuantity turns docker-style sizes such as "1g" into Kubernetes
// quantities such as "1Gi".
func k8sQuantity(s string) string {
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			return s[:n-1] + "Ki"
		case 'm', 'M':
			return s[:n-1] + "Mi"
		case 'g', 'G':
			return s[:n-1] + "Gi"
		}
	}
	return s
}

var _ BrowserOrchestrator = (*KubernetesOrchestrator)(nil)
