package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

func TestInlineBackend_Success(t *testing.T) {
	b := NewInlineBackend()
	err := b.RegisterHandler("copy", func(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
		return Completion{LogsRef: "inline://copy"}, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler() error: %v", err)
	}

	task := domain.TaskDescriptor{
		ID:      "download",
		Kind:    domain.TaskKindInline,
		Config:  map[string]string{"handler": "copy"},
		Outlets: []string{"raw"},
	}
	completion, err := b.Execute(context.Background(), task, RunContext{RunID: "r1"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if completion.Status != StatusSuccess {
		t.Fatalf("status=%s, want success", completion.Status)
	}
	if len(completion.OutputAssets) != 1 || completion.OutputAssets[0] != "raw" {
		t.Fatalf("output assets=%v, want declared outlets", completion.OutputAssets)
	}
	if completion.LogsRef != "inline://copy" {
		t.Fatalf("logs_ref=%q", completion.LogsRef)
	}
}

func TestInlineBackend_MissingHandlerIsTaskFailure(t *testing.T) {
	b := NewInlineBackend()

	cases := []struct {
		name   string
		config map[string]string
	}{
		{"no handler key", nil},
		{"unknown handler", map[string]string{"handler": "ghost"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := domain.TaskDescriptor{ID: "t", Kind: domain.TaskKindInline, Config: tc.config}
			completion, err := b.Execute(context.Background(), task, RunContext{})
			if err != nil {
				t.Fatalf("Execute() error: %v, want task-logic failure", err)
			}
			if completion.Status != StatusFailure {
				t.Fatalf("status=%s, want failure", completion.Status)
			}
		})
	}
}

func TestInlineBackend_HandlerErrorIsTaskFailure(t *testing.T) {
	b := NewInlineBackend()
	if err := b.RegisterHandler("explode", func(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
		return Completion{}, errors.New("logic error")
	}); err != nil {
		t.Fatalf("RegisterHandler() error: %v", err)
	}

	task := domain.TaskDescriptor{ID: "t", Kind: domain.TaskKindInline, Config: map[string]string{"handler": "explode"}}
	completion, err := b.Execute(context.Background(), task, RunContext{})
	if err != nil {
		t.Fatalf("Execute() error: %v, want failure completion instead", err)
	}
	if completion.Status != StatusFailure || completion.Message == "" {
		t.Fatalf("completion=%+v, want failure with message", completion)
	}
}

func TestInlineBackend_RegisterHandlerValidation(t *testing.T) {
	b := NewInlineBackend()
	if err := b.RegisterHandler("", func(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
		return Completion{}, nil
	}); err == nil {
		t.Fatalf("RegisterHandler() accepted empty name")
	}
	if err := b.RegisterHandler("x", nil); err == nil {
		t.Fatalf("RegisterHandler() accepted nil handler")
	}
	if err := b.RegisterHandler("dup", func(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
		return Completion{}, nil
	}); err != nil {
		t.Fatalf("RegisterHandler() error: %v", err)
	}
	if err := b.RegisterHandler("dup", func(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
		return Completion{}, nil
	}); err == nil {
		t.Fatalf("RegisterHandler() accepted duplicate name")
	}
}
