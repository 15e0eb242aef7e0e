// Package dispatcher implements the Cluster Dispatcher (spec.md §4.C):
// translating a Job plus its exercise config into a Kubernetes pod spec and
// submitting it, grounded on original_source/scripts/kubernetes-run.py.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/aalto-grader/async-grader/internal/bus"
	"github.com/aalto-grader/async-grader/internal/config"
	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/jobstore"
	"github.com/aalto-grader/async-grader/internal/metrics"
	"github.com/rs/zerolog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/aalto-grader/async-grader/internal/grlog"
)

const (
	constantEnvLabel = "cs-aalto/app"
	constantEnvValue = "constant-env-grading"
)

// PodClient is the subset of the Kubernetes API the Dispatcher needs. It is
// satisfied by kubernetes.Interface's CoreV1().Pods(ns) client, narrowed so
// tests can supply a fake.
type PodClient interface {
	Create(ctx context.Context, pod *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error)
}

// Dispatcher submits Jobs to the cluster as grading pods.
type Dispatcher struct {
	pods      PodClient
	namespace string
	cfg       config.Config
	store     jobstore.Store
	eventBus  bus.Bus
	logger    zerolog.Logger
}

// New creates a Dispatcher using a real client-go clientset. eventBus is the
// same Event Bus the Watcher publishes to, so a dispatch failure's synthetic
// completion event reaches the Completion Consumer through the ordinary
// path (spec.md §4.C.4).
func New(client kubernetes.Interface, cfg config.Config, store jobstore.Store, eventBus bus.Bus) *Dispatcher {
	return &Dispatcher{
		pods:      client.CoreV1().Pods(cfg.Namespace),
		namespace: cfg.Namespace,
		cfg:       cfg,
		store:     store,
		eventBus:  eventBus,
		logger:    grlog.WithComponent("dispatcher"),
	}
}

// NewWithClient allows injecting a narrower PodClient (e.g. a fake) for
// tests without depending on the full kubernetes.Interface.
func NewWithClient(pods PodClient, namespace string, cfg config.Config, store jobstore.Store, eventBus bus.Bus) *Dispatcher {
	return &Dispatcher{pods: pods, namespace: namespace, cfg: cfg, store: store, eventBus: eventBus, logger: grlog.WithComponent("dispatcher")}
}

// Dispatch submits job as a Kubernetes pod (spec.md §4.C responsibilities
// 1-4) and records the outcome on the Job Store.
func (d *Dispatcher) Dispatch(ctx context.Context, job *gradertypes.Job, course gradertypes.CourseConfig, exercise gradertypes.ExerciseConfig) error {
	timer := metrics.NewTimer()
	pod := buildPod(job, course, exercise, d.namespace, d.cfg)

	created, err := d.pods.Create(ctx, pod, metav1.CreateOptions{})
	timer.ObserveDuration(metrics.DispatchDuration)

	if err != nil {
		metrics.DispatchAttemptsTotal.WithLabelValues("failed").Inc()
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("pod create failed")
		return d.handleDispatchFailure(ctx, job, err)
	}

	metrics.DispatchAttemptsTotal.WithLabelValues("ordered").Inc()
	d.logger.Info().Str("job_id", job.ID).Str("pod_name", created.Name).Msg("pod created")

	_, err = d.store.Update(job.ID, func(j *gradertypes.Job) (*gradertypes.Job, error) {
		j.ContainerRef = created.Name
		return jobstore.ApplyContainerStateTransition(j, gradertypes.ContainerStateOrdered, "", nil), nil
	})
	return err
}

// handleDispatchFailure implements spec.md §4.C.4's failure path: rather
// than mutating the store to COMPLETED/UNKNOWN directly, it assigns the job
// a container_ref (its own ID, since no pod was ever created) if it does
// not already have one, then publishes a synthetic completion event to the
// Event Bus so the Completion Consumer's ordinary handle/applyEvent path
// -- container_state transition, default result synthesis, upload
// scheduling -- runs exactly as it would for a real terminal pod event.
// Honors the Open Question decision in SPEC_FULL.md §5.1 for whether to
// retry before a container_ref was ever assigned.
func (d *Dispatcher) handleDispatchFailure(ctx context.Context, job *gradertypes.Job, dispatchErr error) error {
	if d.cfg.DispatchRetryOnPreOrderFailure && job.ContainerRef == "" {
		// Caller (intake handler) is expected to retry up to
		// DispatchMaxPreOrderRetries times before giving up; surface the
		// error so it can count attempts, without marking the job failed
		// yet.
		return fmt.Errorf("dispatch failed, eligible for pre-order retry: %w", dispatchErr)
	}

	if pubErr := d.publishSyntheticFailure(ctx, job, "dispatch failed"); pubErr != nil {
		return fmt.Errorf("dispatch failed (%v) and publishing synthetic completion event also failed: %w", dispatchErr, pubErr)
	}
	return fmt.Errorf("dispatch failed: %w", dispatchErr)
}

// Abandon terminalizes a job whose dispatch the caller has given up
// retrying (SPEC_FULL.md §5.1: the intake handler exhausted
// DispatchMaxPreOrderRetries). Unlike handleDispatchFailure, it always
// publishes the synthetic completion event regardless of
// DispatchRetryOnPreOrderFailure, since the caller's retry budget -- not
// the Dispatcher's own retry-eligibility check -- is what decided this
// job is done.
func (d *Dispatcher) Abandon(ctx context.Context, job *gradertypes.Job, cause error) error {
	if pubErr := d.publishSyntheticFailure(ctx, job, "dispatch retries exhausted"); pubErr != nil {
		return fmt.Errorf("abandon failed (%v) and publishing synthetic completion event also failed: %w", cause, pubErr)
	}
	return nil
}

// publishSyntheticFailure assigns job a container_ref if it does not
// already have one (no pod was ever created to furnish one) and publishes
// a synthetic UNKNOWN completion event under that ref, so the Completion
// Consumer's ordinary handle/applyEvent path drives the job the rest of
// the way to COMPLETED with a synthesized result and a scheduled upload.
func (d *Dispatcher) publishSyntheticFailure(ctx context.Context, job *gradertypes.Job, reason string) error {
	containerRef := job.ContainerRef
	if containerRef == "" {
		containerRef = job.ID
		if _, err := d.store.Update(job.ID, func(j *gradertypes.Job) (*gradertypes.Job, error) {
			j.ContainerRef = containerRef
			return j, nil
		}); err != nil {
			return fmt.Errorf("assign container_ref: %w", err)
		}
	}

	ev := bus.Event{
		State: string(gradertypes.OutcomeUnknown),
		Meta:  bus.Meta{PodID: containerRef, PodName: containerRef, Reason: reason},
	}
	return d.eventBus.Publish(ctx, ev)
}

// IsAlreadyExistsOrConflict reports whether the Kubernetes API returned an
// error that should be treated as a hard Conflict (spec.md §7).
func IsAlreadyExistsOrConflict(err error) bool {
	return apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err)
}

func buildPod(job *gradertypes.Job, course gradertypes.CourseConfig, exercise gradertypes.ExerciseConfig, namespace string, cfg config.Config) *corev1.Pod {
	courseLabel := SanitizeLabel(course.Name)
	exerciseLabel := SanitizeLabel(exercise.Title)

	cpu := cfg.DefaultCPU
	if exercise.CPU > 0 {
		cpu = exercise.CPU
	}
	mem := cfg.DefaultMemory
	if exercise.Memory != "" {
		mem = exercise.Memory
	}

	volumes := []corev1.Volume{
		{Name: "run", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{
			Medium: corev1.StorageMediumMemory, SizeLimit: quantityPtr("100Mi"),
		}}},
		{Name: "submission", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{
			SizeLimit: quantityPtr("1Gi"),
		}}},
		{Name: "exercise", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	mounts := []corev1.VolumeMount{
		{Name: "run", MountPath: "/run"},
		{Name: "submission", MountPath: "/submission"},
		{Name: "exercise", MountPath: "/exercise"},
	}
	if exercise.Personalized {
		volumes = append(volumes, corev1.Volume{Name: "personalized", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}})
		mounts = append(mounts, corev1.VolumeMount{Name: "personalized", MountPath: "/personalized_exercise"})
	}

	resources := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpu*1000/2), resource.DecimalSI),
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpu*1000), resource.DecimalSI),
			corev1.ResourceMemory: resource.MustParse(mem),
		},
	}

	env := []corev1.EnvVar{
		{Name: "SID", Value: job.ID},
		{Name: "REC", Value: cfg.CallbackBaseURL},
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "grader-",
			Namespace:    namespace,
			Labels: map[string]string{
				"mooc-grader": SanitizeLabel(cfg.CallbackBaseURL),
				"course":      courseLabel,
				"exercise":    exerciseLabel,
			},
		},
		Spec: corev1.PodSpec{
			ActiveDeadlineSeconds: &cfg.ActiveDeadlineSeconds,
			InitContainers: []corev1.Container{{
				Name:            "download",
				Image:           "init-container",
				VolumeMounts:    mounts,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Resources:       resources,
				Env:             env,
			}},
			Containers: []corev1.Container{{
				Name:            "grade",
				Image:           exercise.Image,
				Args:            []string{exercise.Command},
				VolumeMounts:    mounts,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Resources:       resources,
				Env:             env,
			}},
			Volumes:                      volumes,
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: boolPtr(false),
			EnableServiceLinks:           boolPtr(false),
		},
	}

	if exercise.RequireConstantEnv {
		applyConstantEnvironment(pod)
	}

	return pod
}

// applyConstantEnvironment implements spec.md §4.C.2: a node-selector and
// anti-affinity so at most one such pod runs per node, plus the matching
// toleration, grounded on kubernetes-run.py's require_constant_environment
// block.
func applyConstantEnvironment(pod *corev1.Pod) {
	pod.ObjectMeta.Labels[constantEnvLabel] = constantEnvValue

	pod.Spec.Affinity = &corev1.Affinity{
		PodAntiAffinity: &corev1.PodAntiAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: []corev1.PodAffinityTerm{{
				LabelSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{constantEnvLabel: constantEnvValue},
				},
				TopologyKey: "kubernetes.io/hostname",
			}},
		},
	}
	pod.Spec.NodeSelector = map[string]string{constantEnvLabel: constantEnvValue}
	pod.Spec.Tolerations = []corev1.Toleration{{
		Key:      constantEnvLabel,
		Operator: corev1.TolerationOpEqual,
		Value:    constantEnvValue,
	}}
}

func quantityPtr(s string) *resource.Quantity {
	q := resource.MustParse(s)
	return &q
}

func boolPtr(b bool) *bool { return &b }
