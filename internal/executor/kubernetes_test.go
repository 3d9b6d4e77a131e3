package executor

import (
	"testing"

	"github.com/dataloom-labs/dataloom-go/internal/platform/k8s"
)

func TestFindJobCondition(t *testing.T) {
	conditions := []k8s.JobCondition{
		{Type: "Suspended", Status: "False"},
		{Type: "Complete", Status: "True", Message: "done"},
	}

	cond, ok := findJobCondition(conditions, "complete")
	if !ok {
		t.Fatalf("Complete condition not found")
	}
	if cond.Message != "done" {
		t.Fatalf("message=%q, want done", cond.Message)
	}
	if _, ok := findJobCondition(conditions, "Failed"); ok {
		t.Fatalf("found Failed condition that is not present")
	}
}

func TestConditionMessage_FallsBackToReason(t *testing.T) {
	cond := k8s.JobCondition{Reason: "BackoffLimitExceeded"}
	if got := conditionMessage(cond); got != "BackoffLimitExceeded" {
		t.Fatalf("message=%q, want reason fallback", got)
	}
	cond.Message = "pod failed"
	if got := conditionMessage(cond); got != "pod failed" {
		t.Fatalf("message=%q, want message preferred", got)
	}
}

func TestApplyResourceHints(t *testing.T) {
	container := &k8s.Container{Name: "task", Image: "img"}
	applyResourceHints(container, map[string]string{
		"gpus":   "2",
		"cpus":   "500m",
		"memory": "1Gi",
		"other":  "ignored",
	})

	if container.Resources.Limits["nvidia.com/gpu"] != "2" {
		t.Fatalf("gpu limit=%q, want 2", container.Resources.Limits["nvidia.com/gpu"])
	}
	if container.Resources.Requests["cpu"] != "500m" {
		t.Fatalf("cpu request=%q, want 500m", container.Resources.Requests["cpu"])
	}
	if container.Resources.Requests["memory"] != "1Gi" {
		t.Fatalf("memory request=%q, want 1Gi", container.Resources.Requests["memory"])
	}
}

func TestApplyResourceHints_IgnoresInvalidGPUCount(t *testing.T) {
	container := &k8s.Container{Name: "task", Image: "img"}
	applyResourceHints(container, map[string]string{"gpus": "many"})
	if len(container.Resources.Limits) != 0 {
		t.Fatalf("limits=%v, want none for unparseable gpu count", container.Resources.Limits)
	}
}
