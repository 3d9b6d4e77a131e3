package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

// InlineHandler is a registered in-process task implementation. Handlers
// must be lightweight; long work belongs in a container backend.
type InlineHandler func(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error)

// InlineBackend executes tasks synchronously inside the orchestrator
// process by dispatching to named handlers from the task config.
type InlineBackend struct {
	mu       sync.RWMutex
	handlers map[string]InlineHandler
}

func NewInlineBackend() *InlineBackend {
	return &InlineBackend{handlers: make(map[string]InlineHandler)}
}

func (b *InlineBackend) Kind() domain.TaskKind {
	return domain.TaskKindInline
}

// RegisterHandler installs a named handler. Registration happens at wiring
// time, before the scheduler starts dispatching.
func (b *InlineBackend) RegisterHandler(name string, handler InlineHandler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	b.handlers[name] = handler
	return nil
}

func (b *InlineBackend) Execute(ctx context.Context, task domain.TaskDescriptor, rc RunContext) (Completion, error) {
	name := strings.TrimSpace(task.Config["handler"])
	if name == "" {
		return Completion{
			Status:  StatusFailure,
			Message: "inline task declares no handler",
		}, nil
	}

	b.mu.RLock()
	handler, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return Completion{
			Status:  StatusFailure,
			Message: fmt.Sprintf("inline handler %q not registered", name),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	completion, err := handler(ctx, task, rc)
	if err != nil {
		return Completion{
			Status:  StatusFailure,
			Message: err.Error(),
		}, nil
	}
	if completion.Status == "" {
		completion.Status = StatusSuccess
	}
	if completion.Status == StatusSuccess && len(completion.OutputAssets) == 0 {
		completion.OutputAssets = append([]string(nil), task.Outlets...)
	}
	return completion, nil
}
