// Package domain holds the core orchestration model: task graphs registered
// per data product, and the runs executing them.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskKind selects the execution backend for a task.
type TaskKind string

const (
	TaskKindInline           TaskKind = "inline"
	TaskKindContainerLocal   TaskKind = "container_local"
	TaskKindContainerCluster TaskKind = "container_cluster"
)

func ParseTaskKind(raw string) (TaskKind, error) {
	switch TaskKind(strings.TrimSpace(raw)) {
	case TaskKindInline:
		return TaskKindInline, nil
	case TaskKindContainerLocal:
		return TaskKindContainerLocal, nil
	case TaskKindContainerCluster:
		return TaskKindContainerCluster, nil
	default:
		return "", fmt.Errorf("unknown task kind %q", raw)
	}
}

// Asset identifies a produced or consumed data artifact by stable name.
type Asset struct {
	Name            string
	ProducingTaskID string
	SchemaHint      string
}

// BackoffType selects how retry delays grow between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff computes the delay before a retry attempt. The zero value means
// retry immediately.
type Backoff struct {
	Type           BackoffType
	InitialSeconds int
	MaxSeconds     int
	Multiplier     float64
}

// Delay returns the wait before re-dispatching after the given failed
// attempt (1-based). Exponential growth is capped at MaxSeconds.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.InitialSeconds <= 0 {
		return 0
	}
	seconds := float64(b.InitialSeconds)
	if b.Type == BackoffExponential {
		multiplier := b.Multiplier
		if multiplier <= 1 {
			multiplier = 2
		}
		for i := 1; i < attempt; i++ {
			seconds *= multiplier
		}
	}
	if b.MaxSeconds > 0 && seconds > float64(b.MaxSeconds) {
		seconds = float64(b.MaxSeconds)
	}
	return time.Duration(seconds * float64(time.Second))
}

// RetryPolicy bounds how many times a task attempt may execute.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Attempts returns the total attempt budget, at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// TaskDescriptor is one immutable unit of work inside a graph. A definition
// change produces a new graph version, never an in-place mutation.
type TaskDescriptor struct {
	ID             string
	Kind           TaskKind
	Config         map[string]string
	Outlets        []string
	Upstream       []string
	Retry          RetryPolicy
	TimeoutSeconds int
}

// Timeout returns the task's maximum duration, zero meaning unbounded.
func (t TaskDescriptor) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// AdmissionPolicy decides what happens to a trigger while the product
// already has an active run.
type AdmissionPolicy string

const (
	AdmissionReject AdmissionPolicy = "reject"
	AdmissionQueue  AdmissionPolicy = "queue"
)

func ParseAdmissionPolicy(raw string) (AdmissionPolicy, error) {
	switch AdmissionPolicy(strings.TrimSpace(raw)) {
	case "":
		return AdmissionReject, nil
	case AdmissionReject:
		return AdmissionReject, nil
	case AdmissionQueue:
		return AdmissionQueue, nil
	default:
		return "", fmt.Errorf("unknown admission policy %q", raw)
	}
}

// GraphModel is one registered version of a product's task graph. Instances
// are immutable after registration.
type GraphModel struct {
	ProductID    string
	Version      int64
	Tasks        map[string]TaskDescriptor
	Admission    AdmissionPolicy
	RunOnChange  bool
	Fingerprint  string
	RegisteredAt time.Time
}

// TaskIDs returns all task ids in lexical order.
func (g GraphModel) TaskIDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Downstream inverts the upstream edges: task id -> sorted consumers.
func (g GraphModel) Downstream() map[string][]string {
	down := make(map[string][]string, len(g.Tasks))
	for _, id := range g.TaskIDs() {
		for _, up := range g.Tasks[id].Upstream {
			down[up] = append(down[up], id)
		}
	}
	for up := range down {
		sort.Strings(down[up])
	}
	return down
}

// OutletProducers maps every declared outlet asset to its producing task.
func (g GraphModel) OutletProducers() map[string]string {
	producers := make(map[string]string)
	for _, id := range g.TaskIDs() {
		for _, outlet := range g.Tasks[id].Outlets {
			producers[outlet] = id
		}
	}
	return producers
}

// UpstreamAssets returns the sorted outlet assets of the task's direct
// upstream tasks, the inputs it consumes.
func (g GraphModel) UpstreamAssets(taskID string) []string {
	task, ok := g.Tasks[taskID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	assets := make([]string, 0)
	for _, up := range task.Upstream {
		for _, outlet := range g.Tasks[up].Outlets {
			if _, dup := seen[outlet]; dup {
				continue
			}
			seen[outlet] = struct{}{}
			assets = append(assets, outlet)
		}
	}
	sort.Strings(assets)
	return assets
}

// Validate checks structural consistency: ids match map keys, kinds and
// upstream references are known, and no two tasks declare the same outlet.
func (g GraphModel) Validate() error {
	if strings.TrimSpace(g.ProductID) == "" {
		return fmt.Errorf("product id is required")
	}
	if len(g.Tasks) == 0 {
		return fmt.Errorf("graph has no tasks")
	}
	outlets := make(map[string]string)
	for id, task := range g.Tasks {
		if id != task.ID {
			return fmt.Errorf("task %q keyed as %q", task.ID, id)
		}
		if _, err := ParseTaskKind(string(task.Kind)); err != nil {
			return fmt.Errorf("task %q: %w", id, err)
		}
		for _, up := range task.Upstream {
			if up == id {
				return fmt.Errorf("task %q depends on itself", id)
			}
			if _, ok := g.Tasks[up]; !ok {
				return fmt.Errorf("task %q references unknown upstream %q", id, up)
			}
		}
		for _, outlet := range task.Outlets {
			if prev, dup := outlets[outlet]; dup {
				return fmt.Errorf("outlet %q declared by both %q and %q", outlet, prev, id)
			}
			outlets[outlet] = id
		}
	}
	return nil
}
