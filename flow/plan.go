package flow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Graph is the dependency graph built from a workflow definition. Tasks
// keep their definition insertion order, which is the canonical tie-break
// for all planning operations.
type Graph struct {
	tasks []Task
	index map[string]int      // task ID -> position in tasks
	deps  map[string][]string // task ID -> dependency IDs
}

// Cycle is one dependency cycle found in a graph. Path starts and ends at
// the same task ID.
type Cycle struct {
	Path []string
}

// String renders the cycle as "Cycle detected: a -> b -> a".
func (c Cycle) String() string {
	return "Cycle detected: " + strings.Join(c.Path, " -> ")
}

// ResourceConflict is a pair of tasks in the same parallel group that
// declare at least one shared exclusive resource tag.
type ResourceConflict struct {
	TaskA string
	TaskB string
	Tag   string
}

// BuildGraph validates a task list and builds its dependency graph. It
// fails with CodeDuplicateID when two tasks share an ID and with
// CodeUnknownDependency when a task depends on an ID that is not in the
// list.
func BuildGraph(tasks []Task) (*Graph, error) {
	g := &Graph{
		tasks: make([]Task, len(tasks)),
		index: make(map[string]int, len(tasks)),
		deps:  make(map[string][]string, len(tasks)),
	}
	copy(g.tasks, tasks)

	for i, t := range g.tasks {
		if t.ID == "" {
			return nil, &Error{
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("task at position %d has an empty id", i),
			}
		}
		if _, ok := g.index[t.ID]; ok {
			return nil, &Error{
				Code:    CodeDuplicateID,
				Message: fmt.Sprintf("duplicate task id %q", t.ID),
				TaskID:  t.ID,
			}
		}
		g.index[t.ID] = i
	}

	for _, t := range g.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, &Error{
					Code:    CodeUnknownDependency,
					Message: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep),
					TaskID:  t.ID,
				}
			}
		}
		g.deps[t.ID] = append([]string(nil), t.DependsOn...)
	}
	return g, nil
}

// Tasks returns the graph's tasks in insertion order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Task returns the task with the given ID.
func (g *Graph) Task(id string) (Task, bool) {
	i, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.tasks[i], true
}

// Dependencies returns the dependency IDs of a task.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// dependents returns, per task ID, the IDs of tasks that depend on it,
// in insertion order of the dependents.
func (g *Graph) dependents() map[string][]string {
	out := make(map[string][]string, len(g.tasks))
	for _, t := range g.tasks {
		for _, dep := range t.DependsOn {
			out[dep] = append(out[dep], t.ID)
		}
	}
	return out
}

// DFS colors for cycle detection.
const (
	colorWhite = 0 // unvisited
	colorGray  = 1 // on the current DFS stack
	colorBlack = 2 // fully explored
)

// DetectCycles finds every dependency cycle in the graph using a
// three-color depth-first search. An empty result means the graph is a
// DAG. Tasks are visited in insertion order so the report is
// deterministic.
func DetectCycles(g *Graph) []Cycle {
	color := make(map[string]int, len(g.tasks))
	var cycles []Cycle
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = colorGray
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case colorWhite:
				visit(dep)
			case colorGray:
				// dep is on the stack: the segment from dep to the top is a cycle.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append([]string(nil), stack[start:]...)
				path = append(path, dep)
				cycles = append(cycles, Cycle{Path: path})
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
	}

	for _, t := range g.tasks {
		if color[t.ID] == colorWhite {
			visit(t.ID)
		}
	}
	return cycles
}

// ParallelGroups layers the graph with Kahn's algorithm: level N holds
// every task whose dependencies are all in levels below N. The
// concatenation of all levels contains every task exactly once. Within a
// level, tasks appear in insertion order. Returns an error with
// CodeCycleDetected when the graph contains a cycle.
func ParallelGroups(g *Graph) ([][]string, error) {
	indegree := make(map[string]int, len(g.tasks))
	for _, t := range g.tasks {
		indegree[t.ID] = len(g.deps[t.ID])
	}
	dependents := g.dependents()

	var current []string
	for _, t := range g.tasks {
		if indegree[t.ID] == 0 {
			current = append(current, t.ID)
		}
	}

	var groups [][]string
	placed := 0
	for len(current) > 0 {
		groups = append(groups, current)
		placed += len(current)

		ready := make(map[string]bool)
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready[dep] = true
				}
			}
		}
		current = nil
		for _, t := range g.tasks {
			if ready[t.ID] {
				current = append(current, t.ID)
			}
		}
	}

	if placed != len(g.tasks) {
		return nil, &Error{
			Code:    CodeCycleDetected,
			Message: "dependency graph contains a cycle",
		}
	}
	return groups, nil
}

// CriticalPath computes the longest weighted path through the graph via
// dynamic programming over a topological order, using each task's
// Duration as its weight. Ties between equal-duration paths break by
// insertion order: the earlier-inserted predecessor wins. Returns an
// error with CodeCycleDetected when the graph contains a cycle.
func CriticalPath(g *Graph) ([]string, error) {
	groups, err := ParallelGroups(g)
	if err != nil {
		return nil, err
	}

	// cost[id] is the weight of the heaviest path ending at id; prev[id]
	// is the predecessor on that path.
	cost := make(map[string]time.Duration, len(g.tasks))
	prev := make(map[string]string, len(g.tasks))

	for _, level := range groups {
		for _, id := range level {
			t := g.tasks[g.index[id]]
			best := time.Duration(0)
			bestPrev := ""
			bestPos := -1
			for _, dep := range g.deps[id] {
				pos := g.index[dep]
				if bestPos < 0 || cost[dep] > best || (cost[dep] == best && pos < bestPos) {
					best = cost[dep]
					bestPrev = dep
					bestPos = pos
				}
			}
			cost[id] = best + t.Duration
			if bestPrev != "" {
				prev[id] = bestPrev
			}
		}
	}

	// Pick the heaviest endpoint, earliest-inserted on ties.
	endID := ""
	endCost := time.Duration(-1)
	for _, t := range g.tasks {
		if cost[t.ID] > endCost {
			endCost = cost[t.ID]
			endID = t.ID
		}
	}
	if endID == "" {
		return nil, nil
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ResourceConflicts flags pairs of tasks that declare overlapping
// exclusive resource tags while scheduled in the same parallel group.
// Such pairs are legal (the runtime semaphore serializes them) but
// reduce the group's effective parallelism, so they are surfaced at plan
// time. Pairs are reported in insertion order with the shared tag sorted
// first when several overlap.
func ResourceConflicts(g *Graph, groups [][]string) []ResourceConflict {
	var out []ResourceConflict
	for _, level := range groups {
		for i := 0; i < len(level); i++ {
			a := g.tasks[g.index[level[i]]]
			if len(a.Resources) == 0 {
				continue
			}
			tags := make(map[string]bool, len(a.Resources))
			for _, r := range a.Resources {
				tags[r] = true
			}
			for j := i + 1; j < len(level); j++ {
				b := g.tasks[g.index[level[j]]]
				var shared []string
				for _, r := range b.Resources {
					if tags[r] {
						shared = append(shared, r)
					}
				}
				if len(shared) == 0 {
					continue
				}
				sort.Strings(shared)
				out = append(out, ResourceConflict{TaskA: a.ID, TaskB: b.ID, Tag: shared[0]})
			}
		}
	}
	return out
}
