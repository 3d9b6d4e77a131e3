package graph

import (
	"fmt"
	"sort"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
)

// TopoSort returns the task ids in a deterministic dependency order: every
// task appears after all of its upstream tasks, ties broken lexically.
func TopoSort(g domain.GraphModel) ([]string, error) {
	indegree := make(map[string]int, len(g.Tasks))
	downstream := make(map[string][]string, len(g.Tasks))
	for _, id := range g.TaskIDs() {
		indegree[id] = len(g.Tasks[id].Upstream)
		for _, up := range g.Tasks[id].Upstream {
			if _, ok := g.Tasks[up]; !ok {
				return nil, fmt.Errorf("task %q references unknown upstream %q", id, up)
			}
			downstream[up] = append(downstream[up], id)
		}
	}

	ready := make([]string, 0, len(g.Tasks))
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		unlocked := make([]string, 0, len(downstream[id]))
		for _, next := range downstream[id] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(g.Tasks) {
		return nil, fmt.Errorf("graph for product %q contains a cycle", g.ProductID)
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
