package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/platform/k8s"
)

const defaultK8sPollInterval = 5 * time.Second

// KubernetesBackend submits container_cluster tasks as batch/v1 Jobs and
// polls the job status until a terminal condition.
type KubernetesBackend struct {
	client         *k8s.Client
	namespace      string
	jobTTLSeconds  int32
	serviceAccount string
	pollInterval   time.Duration
}

func NewKubernetesBackend(client *k8s.Client, namespace string, jobTTLSeconds int32, serviceAccount string, pollInterval time.Duration) (*KubernetesBackend, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("task namespace is required")
	}
	if jobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	if pollInterval <= 0 {
		pollInterval = defaultK8sPollInterval
	}
	return &KubernetesBackend{
		client:         client,
		namespace:      namespace,
		jobTTLSeconds:  jobTTLSeconds,
		serviceAccount: strings.TrimSpace(serviceAccount),
		pollInterval:   pollInterval,
	}, nil
}

func (b *KubernetesBackend) Kind() domain.TaskKind {
	return domain.TaskKindContainerCluster
}

func (b *KubernetesBackend) Execute(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
	image := strings.TrimSpace(task.Config["image"])
	if image == "" {
		return Completion{
			Status:  StatusFailure,
			Message: "container_cluster task declares no image",
		}, nil
	}

	jobName := containerName(rc.RunID, task.ID, rc.Attempt)
	if err := b.submit(ctx, jobName, image, task, rc); err != nil {
		return Completion{}, &DispatchError{Backend: string(b.Kind()), Err: err}
	}

	logsRef := fmt.Sprintf("k8s://%s/%s", b.namespace, jobName)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.cancel(jobName)
			return Completion{}, ctx.Err()
		case <-ticker.C:
			job, err := b.client.GetJob(ctx, b.namespace, jobName)
			if err != nil {
				if ctx.Err() != nil {
					b.cancel(jobName)
					return Completion{}, ctx.Err()
				}
				if errors.Is(err, k8s.ErrNotFound) {
					// Submitted but not yet visible.
					continue
				}
				return Completion{
					Status:  StatusFailure,
					LogsRef: logsRef,
					Message: err.Error(),
				}, nil
			}

			if cond, ok := findJobCondition(job.Status.Conditions, "Failed"); ok && strings.EqualFold(cond.Status, "True") {
				return Completion{
					Status:  StatusFailure,
					LogsRef: logsRef,
					Message: conditionMessage(cond),
				}, nil
			}
			if cond, ok := findJobCondition(job.Status.Conditions, "Complete"); ok && strings.EqualFold(cond.Status, "True") {
				return Completion{
					Status:       StatusSuccess,
					OutputAssets: append([]string(nil), task.Outlets...),
					LogsRef:      logsRef,
					Message:      conditionMessage(cond),
				}, nil
			}
		}
	}
}

func (b *KubernetesBackend) submit(ctx context.Context, jobName, image string, task domain.TaskDescriptor, rc RunContext) error {
	labels := map[string]string{
		"app.kubernetes.io/name":      "dataloom-orchestrator",
		"app.kubernetes.io/component": "task-job",
		"dataloom.run_id":             rc.RunID,
		"dataloom.task_id":            task.ID,
	}

	container := k8s.Container{
		Name:  "task",
		Image: image,
		Env: []k8s.EnvVar{
			{Name: "DATALOOM_RUN_ID", Value: rc.RunID},
			{Name: "DATALOOM_TASK_ID", Value: task.ID},
			{Name: "DATALOOM_PRODUCT_ID", Value: rc.ProductID},
			{Name: "DATALOOM_GRAPH_VERSION", Value: strconv.FormatInt(rc.GraphVersion, 10)},
			{Name: "DATALOOM_ATTEMPT", Value: strconv.Itoa(rc.Attempt)},
		},
	}
	if command := strings.TrimSpace(task.Config["command"]); command != "" {
		container.Command = strings.Fields(command)
	}
	applyResourceHints(&container, task.Config)

	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if b.serviceAccount != "" {
		podSpec.ServiceAccountName = b.serviceAccount
	}

	backoff := int32(0)
	var ttl *int32
	if b.jobTTLSeconds > 0 {
		ttl = &b.jobTTLSeconds
	}

	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      jobName,
			Namespace: b.namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit: &backoff,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
			TTLSecondsAfterFinished: ttl,
		},
	}

	err := b.client.CreateJob(ctx, b.namespace, job)
	if err == nil || errors.Is(err, k8s.ErrAlreadyExists) {
		return nil
	}
	return err
}

// cancel deletes the job. Best effort: a job that cannot be deleted runs to
// completion and the scheduler discards its result.
func (b *KubernetesBackend) cancel(jobName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = b.client.DeleteJob(ctx, b.namespace, jobName)
}

func findJobCondition(conditions []k8s.JobCondition, conditionType string) (k8s.JobCondition, bool) {
	for _, cond := range conditions {
		if strings.EqualFold(strings.TrimSpace(cond.Type), strings.TrimSpace(conditionType)) {
			return cond, true
		}
	}
	return k8s.JobCondition{}, false
}

func conditionMessage(cond k8s.JobCondition) string {
	message := strings.TrimSpace(cond.Message)
	if message == "" {
		message = strings.TrimSpace(cond.Reason)
	}
	return message
}

func applyResourceHints(container *k8s.Container, config map[string]string) {
	if container == nil || len(config) == 0 {
		return
	}
	if gpus := strings.TrimSpace(config["gpus"]); gpus != "" {
		if parsed, err := strconv.ParseInt(gpus, 10, 64); err == nil && parsed > 0 {
			if container.Resources.Limits == nil {
				container.Resources.Limits = map[string]string{}
			}
			container.Resources.Limits["nvidia.com/gpu"] = gpus
		}
	}
	if cpu := strings.TrimSpace(config["cpus"]); cpu != "" {
		if container.Resources.Requests == nil {
			container.Resources.Requests = map[string]string{}
		}
		container.Resources.Requests["cpu"] = cpu
	}
	if memory := strings.TrimSpace(config["memory"]); memory != "" {
		if container.Resources.Requests == nil {
			container.Resources.Requests = map[string]string{}
		}
		container.Resources.Requests["memory"] = memory
	}
}
