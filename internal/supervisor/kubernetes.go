package supervisor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedappsv1 "k8s.io/client-go/kubernetes/typed/apps/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

const (
	labelManagedBy   = "app.kubernetes.io/managed-by"
	labelUnit        = "streamhib.io/unit"
	annotationUnitID = "streamhib.io/unit-id"
	managerName      = "streamhib"
)

// KubernetesConfig configures the Kubernetes backend.
type KubernetesConfig struct {
	KubeconfigPath string // empty uses in-cluster config
	Namespace      string
	Image          string
	FFmpegPath     string
	MediaPVC       string // optional claim mounted at MediaMount
	MediaMount     string
	StopTimeout    time.Duration
	QueryTimeout   time.Duration
}

// Kubernetes runs each unit as a single-replica Deployment. Stop scales to
// zero, start scales to one.
type Kubernetes struct {
	clientset kubernetes.Interface
	cfg       KubernetesConfig
	logger    zerolog.Logger
}

// NewKubernetes creates a backend from kubeconfig or in-cluster config.
func NewKubernetes(cfg KubernetesConfig, logger zerolog.Logger) (*Kubernetes, error) {
	var restConfig *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}
	return NewKubernetesFromInterface(cs, cfg, logger), nil
}

// NewKubernetesFromInterface creates a backend from an existing kubernetes.Interface (for testing).
func NewKubernetesFromInterface(cs kubernetes.Interface, cfg KubernetesConfig, logger zerolog.Logger) *Kubernetes {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.MediaMount == "" {
		cfg.MediaMount = "/media"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Kubernetes{
		clientset: cs,
		cfg:       cfg,
		logger:    logger.With().Str("component", "supervisor").Str("backend", "kubernetes").Logger(),
	}
}

// DeploymentName converts a unit name to a valid DNS-1123 object name.
func DeploymentName(ref UnitRef) string {
	name := strings.ToLower(strings.ReplaceAll(ref.Name, "_", "-"))
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

func (k *Kubernetes) deployments() typedappsv1.DeploymentInterface {
	return k.clientset.AppsV1().Deployments(k.cfg.Namespace)
}

func (k *Kubernetes) buildDeployment(ref UnitRef, spec ExecSpec) *appsv1.Deployment {
	name := DeploymentName(ref)
	labels := map[string]string{labelManagedBy: managerName, labelUnit: name}
	replicas := int32(0)

	container := corev1.Container{
		Name:    "ffmpeg",
		Image:   k.cfg.Image,
		Command: []string{k.cfg.FFmpegPath},
		Args:    spec.Args(),
	}
	pod := corev1.PodSpec{
		Containers:    []corev1.Container{container},
		RestartPolicy: corev1.RestartPolicyAlways,
	}
	if k.cfg.MediaPVC != "" {
		pod.Volumes = []corev1.Volume{{
			Name: "media",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: k.cfg.MediaPVC, ReadOnly: true},
			},
		}}
		pod.Containers[0].VolumeMounts = []corev1.VolumeMount{{Name: "media", MountPath: k.cfg.MediaMount, ReadOnly: true}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   k.cfg.Namespace,
			Labels:      labels,
			Annotations: map[string]string{annotationUnitID: ref.ID, "streamhib.io/description": spec.Description},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelUnit: name}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       pod,
			},
		},
	}
}

// CreateUnit creates (or updates) the Deployment with zero replicas.
func (k *Kubernetes) CreateUnit(ctx context.Context, id string, spec ExecSpec) (UnitRef, error) {
	ref := Ref(id)
	desired := k.buildDeployment(ref, spec)

	_, err := k.deployments().Create(ctx, desired, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := k.deployments().Get(ctx, desired.Name, metav1.GetOptions{})
		if getErr != nil {
			return ref, serrors.NewSupervisorError("create", ref.Name, getErr)
		}
		existing.Spec.Template = desired.Spec.Template
		existing.Annotations = desired.Annotations
		_, err = k.deployments().Update(ctx, existing, metav1.UpdateOptions{})
	}
	if err != nil {
		return ref, serrors.NewSupervisorError("create", ref.Name, err)
	}
	k.logger.Info().Str("unit", ref.Name).Str("deployment", desired.Name).Msg("Deployment created")
	return ref, nil
}

func (k *Kubernetes) scale(ctx context.Context, ref UnitRef, replicas int32) error {
	d, err := k.deployments().Get(ctx, DeploymentName(ref), metav1.GetOptions{})
	if err != nil {
		return err
	}
	d.Spec.Replicas = &replicas
	_, err = k.deployments().Update(ctx, d, metav1.UpdateOptions{})
	return err
}

// StartUnit scales the Deployment to one replica.
func (k *Kubernetes) StartUnit(ctx context.Context, ref UnitRef) error {
	if err := k.scale(ctx, ref, 1); err != nil {
		return serrors.NewSupervisorError("start", ref.Name, err)
	}
	k.logger.Info().Str("unit", ref.Name).Msg("Unit started")
	return nil
}

// StopUnit scales to zero within the stop timeout, then force-deletes the
// unit's pods.
func (k *Kubernetes) StopUnit(ctx context.Context, ref UnitRef) error {
	stopCtx, cancel := context.WithTimeout(ctx, k.cfg.StopTimeout)
	err := k.scale(stopCtx, ref, 0)
	cancel()
	if err == nil {
		k.logger.Info().Str("unit", ref.Name).Msg("Unit stopped gracefully")
		return nil
	}
	if apierrors.IsNotFound(err) {
		return nil
	}
	k.logger.Warn().Err(err).Str("unit", ref.Name).Msg("Scale down failed, force deleting pods")

	grace := int64(0)
	delErr := k.clientset.CoreV1().Pods(k.cfg.Namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: &grace},
		metav1.ListOptions{LabelSelector: labelUnit + "=" + DeploymentName(ref)},
	)
	if delErr != nil {
		return serrors.NewSupervisorError("stop", ref.Name, fmt.Errorf("%w; force delete: %v", err, delErr))
	}
	return nil
}

// RemoveUnit deletes the Deployment. A missing Deployment is not an error.
func (k *Kubernetes) RemoveUnit(ctx context.Context, ref UnitRef) error {
	policy := metav1.DeletePropagationForeground
	err := k.deployments().Delete(ctx, DeploymentName(ref), metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return serrors.NewSupervisorError("remove", ref.Name, err)
	}
	return nil
}

// ListRunningUnits lists managed Deployments scaled above zero.
func (k *Kubernetes) ListRunningUnits(ctx context.Context) ([]UnitRef, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.QueryTimeout)
	defer cancel()

	list, err := k.deployments().List(ctx, metav1.ListOptions{LabelSelector: labelManagedBy + "=" + managerName})
	if err != nil {
		return nil, serrors.NewSupervisorError("list", "", err)
	}
	var refs []UnitRef
	for _, d := range list.Items {
		if d.Spec.Replicas == nil || *d.Spec.Replicas == 0 {
			continue
		}
		id := d.Annotations[annotationUnitID]
		if id == "" {
			id = strings.TrimPrefix(d.Name, UnitPrefix)
		}
		refs = append(refs, Ref(id))
	}
	return refs, nil
}

// QueryLiveness reports live when at least one replica is ready.
func (k *Kubernetes) QueryLiveness(ctx context.Context, ref UnitRef) (Liveness, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.QueryTimeout)
	defer cancel()

	d, err := k.deployments().Get(ctx, DeploymentName(ref), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Liveness{Live: false, Raw: "not-found"}, nil
	}
	if err != nil {
		return Liveness{}, serrors.NewSupervisorError("liveness", ref.Name, err)
	}
	desired := int32(0)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	return Liveness{
		Live: d.Status.ReadyReplicas > 0,
		Raw:  fmt.Sprintf("ready=%d/%d", d.Status.ReadyReplicas, desired),
	}, nil
}

// UnitLogs returns the last lines of the unit's first pod.
func (k *Kubernetes) UnitLogs(ctx context.Context, ref UnitRef, lines int) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelUnit + "=" + DeploymentName(ref),
	})
	if err != nil {
		return "", serrors.NewSupervisorError("logs", ref.Name, err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	tail := int64(lines)
	stream, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: &tail}).Stream(ctx)
	if err != nil {
		return "", serrors.NewSupervisorError("logs", ref.Name, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", serrors.NewSupervisorError("logs", ref.Name, err)
	}
	return string(data), nil
}
