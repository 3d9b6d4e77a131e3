package graph

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

type definitionDoc struct {
	Product     string    `yaml:"product"`
	Admission   string    `yaml:"admission"`
	RunOnChange bool      `yaml:"run_on_change"`
	Tasks       []taskDoc `yaml:"tasks"`
}

type taskDoc struct {
	ID             string            `yaml:"id"`
	Kind           string            `yaml:"kind"`
	Config         map[string]string `yaml:"config"`
	Outlets        []string          `yaml:"outlets"`
	Upstream       []string          `yaml:"upstream"`
	Retry          *retryDoc         `yaml:"retry"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type retryDoc struct {
	MaxAttempts int         `yaml:"max_attempts"`
	Backoff     *backoffDoc `yaml:"backoff"`
}

type backoffDoc struct {
	Type           string  `yaml:"type"`
	InitialSeconds int     `yaml:"initial_seconds"`
	MaxSeconds     int     `yaml:"max_seconds"`
	Multiplier     float64 `yaml:"multiplier"`
}

// Parse decodes one staged YAML definition into an unregistered graph model
// (version and fingerprint are assigned at registration). Any failure
// rejects the definition in its entirety.
func Parse(raw []byte) (domain.GraphModel, *ValidationError) {
	var doc definitionDoc
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		verr := &ValidationError{}
		verr.add(KindMalformed, "decode definition: %v", err)
		return domain.GraphModel{}, verr
	}

	verr := &ValidationError{}
	admission, err := domain.ParseAdmissionPolicy(doc.Admission)
	if err != nil {
		verr.add(KindMalformed, "%v", err)
	}

	tasks := make(map[string]domain.TaskDescriptor, len(doc.Tasks))
	for _, t := range doc.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			verr.add(KindMalformed, "task with empty id")
			continue
		}
		if _, dup := tasks[id]; dup {
			verr.add(KindDuplicateTask, "duplicate task id %q", id)
			continue
		}
		if t.Retry != nil && t.Retry.Backoff != nil {
			switch domain.BackoffType(strings.TrimSpace(t.Retry.Backoff.Type)) {
			case "", domain.BackoffFixed, domain.BackoffExponential:
			default:
				verr.add(KindMalformed, "task %q: unknown backoff type %q", id, t.Retry.Backoff.Type)
			}
		}
		tasks[id] = domain.TaskDescriptor{
			ID:             id,
			Kind:           domain.TaskKind(strings.TrimSpace(t.Kind)),
			Config:         t.Config,
			Outlets:        trimAll(t.Outlets),
			Upstream:       trimAll(t.Upstream),
			Retry:          retryPolicy(t.Retry),
			TimeoutSeconds: t.TimeoutSeconds,
		}
	}
	if verr.Kind != "" {
		return domain.GraphModel{}, verr
	}

	model := domain.GraphModel{
		ProductID:   strings.TrimSpace(doc.Product),
		Tasks:       tasks,
		Admission:   admission,
		RunOnChange: doc.RunOnChange,
	}
	if verr := Validate(model); verr != nil {
		return domain.GraphModel{}, verr
	}
	return model, nil
}

func retryPolicy(doc *retryDoc) domain.RetryPolicy {
	if doc == nil {
		return domain.RetryPolicy{}
	}
	policy := domain.RetryPolicy{MaxAttempts: doc.MaxAttempts}
	if doc.Backoff != nil {
		policy.Backoff = domain.Backoff{
			Type:           domain.BackoffType(strings.TrimSpace(doc.Backoff.Type)),
			InitialSeconds: doc.Backoff.InitialSeconds,
			MaxSeconds:     doc.Backoff.MaxSeconds,
			Multiplier:     doc.Backoff.Multiplier,
		}
	}
	return policy
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Normalize canonicalizes definition bytes before fingerprinting so that
// line-ending and trailing-whitespace churn does not register as a new
// version.
func Normalize(raw []byte) []byte {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return []byte(strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n")
}
