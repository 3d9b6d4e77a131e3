// Package graph parses and validates product definitions into immutable
// graph models. A definition that fails any check is rejected whole; nothing
// partial ever reaches the scheduler.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

// Validation failure kinds.
const (
	KindMalformed       = "malformed"
	KindDuplicateTask   = "duplicate_task"
	KindUnknownUpstream = "unknown_upstream"
	KindDuplicateOutlet = "duplicate_outlet"
	KindCycleDetected   = "cycle_detected"
)

// ValidationError accumulates every issue found in one definition. Kind
// reflects the first failing check; Cycle is populated only for
// cycle_detected, ordered along the dependency edges.
type ValidationError struct {
	Kind   string
	Cycle  []string
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid definition: " + e.Kind
	}
	return fmt.Sprintf("invalid definition (%s): %s", e.Kind, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) add(kind, format string, args ...any) {
	if e.Kind == "" {
		e.Kind = kind
	}
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() *ValidationError {
	if e.Kind == "" {
		return nil
	}
	return e
}

// Validate checks the structural invariants of a graph model: consistent
// task ids, known kinds, existing upstream references, unique outlets, and
// acyclicity.
func Validate(g domain.GraphModel) *ValidationError {
	verr := &ValidationError{}
	if strings.TrimSpace(g.ProductID) == "" {
		verr.add(KindMalformed, "product id is required")
	}
	if len(g.Tasks) == 0 {
		verr.add(KindMalformed, "definition declares no tasks")
	}

	outlets := make(map[string]string)
	for _, id := range g.TaskIDs() {
		task := g.Tasks[id]
		if task.ID != id {
			verr.add(KindMalformed, "task %q keyed as %q", task.ID, id)
		}
		if _, err := domain.ParseTaskKind(string(task.Kind)); err != nil {
			verr.add(KindMalformed, "task %q: %v", id, err)
		}
		for _, up := range task.Upstream {
			if up == id {
				verr.add(KindCycleDetected, "task %q depends on itself", id)
				verr.Cycle = []string{id, id}
				continue
			}
			if _, ok := g.Tasks[up]; !ok {
				verr.add(KindUnknownUpstream, "task %q references unknown upstream %q", id, up)
			}
		}
		for _, outlet := range sortedCopy(task.Outlets) {
			if prev, dup := outlets[outlet]; dup {
				verr.add(KindDuplicateOutlet, "outlet %q declared by both %q and %q", outlet, prev, id)
				continue
			}
			outlets[outlet] = id
		}
	}
	if verr.Kind != "" {
		return verr
	}

	if cycle := findCycle(g); len(cycle) > 0 {
		verr.add(KindCycleDetected, "dependency cycle: %s", strings.Join(cycle, " -> "))
		verr.Cycle = cycle
	}
	return verr.orNil()
}

// findCycle runs a deterministic depth-first search over upstream edges and
// returns the first cycle found, closed (first id repeated at the end).
func findCycle(g domain.GraphModel) []string {
	const (
		visiting = 1
		done     = 2
	)
	states := make(map[string]int, len(g.Tasks))
	stack := make([]string, 0, len(g.Tasks))
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		states[id] = visiting
		stack = append(stack, id)
		for _, up := range sortedCopy(g.Tasks[id].Upstream) {
			switch states[up] {
			case visiting:
				for i, onStack := range stack {
					if onStack == up {
						cycle = append(append([]string{}, stack[i:]...), up)
						return true
					}
				}
			case done:
				continue
			default:
				if visit(up) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		states[id] = done
		return false
	}

	for _, id := range g.TaskIDs() {
		if states[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
