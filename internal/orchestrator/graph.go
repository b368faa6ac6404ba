package orchestrator

import (
	"container/heap"
	"sort"
	"strings"
)

// nameHeap is a min-heap of phase names.
type nameHeap []string

func (h nameHeap) Len() int           { return len(h) }
func (h nameHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nameHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *nameHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder returns the phase names in dependency order. Ties are broken by
// name so the order is the same on every call. Unknown dependencies and
// cycles are configuration errors.
func topoOrder(deps map[string][]string) ([]string, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		for _, dep := range deps[name] {
			if _, ok := deps[dep]; !ok {
				return nil, configErrorf(ErrUnknownDependency, "phase %q depends on %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := &nameHeap{}
	for _, name := range names {
		if indegree[name] == 0 {
			heap.Push(ready, name)
		}
	}

	order := make([]string, 0, len(names))
	for ready.Len() > 0 {
		name := heap.Pop(ready).(string)
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) != len(names) {
		return nil, configErrorf(ErrCycle, "%s", strings.Join(findCycle(names, deps), " -> "))
	}
	return order, nil
}

// findCycle returns one cycle as a closed path, e.g. [a b a].
func findCycle(names []string, deps map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		next := append([]string(nil), deps[name]...)
		sort.Strings(next)
		for _, dep := range next {
			switch state[dep] {
			case visiting:
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}
