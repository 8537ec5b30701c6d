package flow

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestBuildGraph_Basic(t *testing.T) {
	g, err := BuildGraph([]Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if got := g.Dependencies("c"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Dependencies(c) = %v, want [a b]", got)
	}
	if _, ok := g.Task("b"); !ok {
		t.Error("Task(b) not found")
	}
	if _, ok := g.Task("missing"); ok {
		t.Error("Task(missing) should not be found")
	}
}

func TestBuildGraph_DuplicateID(t *testing.T) {
	_, err := BuildGraph([]Task{{ID: "a"}, {ID: "a"}})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
	if CodeOf(err) != CodeDuplicateID {
		t.Errorf("code = %q, want %q", CodeOf(err), CodeDuplicateID)
	}
}

func TestBuildGraph_UnknownDependency(t *testing.T) {
	_, err := BuildGraph([]Task{{ID: "a", DependsOn: []string{"ghost"}}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("error is not *Error: %v", err)
	}
	if fe.Code != CodeUnknownDependency {
		t.Errorf("code = %q, want %q", fe.Code, CodeUnknownDependency)
	}
	if fe.TaskID != "a" {
		t.Errorf("task id = %q, want a", fe.TaskID)
	}
}

func TestBuildGraph_EmptyID(t *testing.T) {
	if _, err := BuildGraph([]Task{{ID: ""}}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestDetectCycles_Acyclic(t *testing.T) {
	g, err := BuildGraph([]Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if cycles := DetectCycles(g); len(cycles) != 0 {
		t.Errorf("expected no cycles, got %v", cycles)
	}
}

func TestDetectCycles_TwoNodeCycle(t *testing.T) {
	g, err := BuildGraph([]Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	cycles := DetectCycles(g)
	if len(cycles) == 0 {
		t.Fatal("expected at least one cycle")
	}
	want := "Cycle detected: a -> b -> a"
	if got := cycles[0].String(); got != want {
		t.Errorf("cycle message = %q, want %q", got, want)
	}

	// A cyclic graph must never produce a schedule.
	if _, err := ParallelGroups(g); CodeOf(err) != CodeCycleDetected {
		t.Errorf("ParallelGroups error code = %q, want %q", CodeOf(err), CodeCycleDetected)
	}
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	g, err := BuildGraph([]Task{{ID: "a", DependsOn: []string{"a"}}})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	cycles := DetectCycles(g)
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle, got %v", cycles)
	}
	if got := cycles[0].String(); got != "Cycle detected: a -> a" {
		t.Errorf("cycle message = %q", got)
	}
}

func TestParallelGroups_Layering(t *testing.T) {
	g, err := BuildGraph([]Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
		{ID: "e"},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	groups, err := ParallelGroups(g)
	if err != nil {
		t.Fatalf("ParallelGroups failed: %v", err)
	}
	want := [][]string{{"a", "e"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}

	// Concatenation covers every task exactly once.
	seen := make(map[string]int)
	for _, level := range groups {
		for _, id := range level {
			seen[id]++
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct tasks, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s appeared %d times", id, n)
		}
	}
}

func TestCriticalPath_DiamondScenario(t *testing.T) {
	// A (10ms), B depends on A (20ms), C depends on A (5ms).
	g, err := BuildGraph([]Task{
		{ID: "A", Duration: 10 * time.Millisecond},
		{ID: "B", DependsOn: []string{"A"}, Duration: 20 * time.Millisecond},
		{ID: "C", DependsOn: []string{"A"}, Duration: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	groups, err := ParallelGroups(g)
	if err != nil {
		t.Fatalf("ParallelGroups failed: %v", err)
	}
	if want := [][]string{{"A"}, {"B", "C"}}; !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}

	path, err := CriticalPath(g)
	if err != nil {
		t.Fatalf("CriticalPath failed: %v", err)
	}
	if want := []string{"A", "B"}; !reflect.DeepEqual(path, want) {
		t.Errorf("critical path = %v, want %v", path, want)
	}
}

func TestCriticalPath_TieBreaksByInsertionOrder(t *testing.T) {
	// b and c have equal path cost into d; b was inserted first so the
	// path goes through b.
	g, err := BuildGraph([]Task{
		{ID: "a", Duration: time.Millisecond},
		{ID: "b", DependsOn: []string{"a"}, Duration: 2 * time.Millisecond},
		{ID: "c", DependsOn: []string{"a"}, Duration: 2 * time.Millisecond},
		{ID: "d", DependsOn: []string{"b", "c"}, Duration: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	path, err := CriticalPath(g)
	if err != nil {
		t.Fatalf("CriticalPath failed: %v", err)
	}
	if want := []string{"a", "b", "d"}; !reflect.DeepEqual(path, want) {
		t.Errorf("critical path = %v, want %v", path, want)
	}
}

func TestCriticalPath_EmptyGraph(t *testing.T) {
	g, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	path, err := CriticalPath(g)
	if err != nil {
		t.Fatalf("CriticalPath failed: %v", err)
	}
	if len(path) != 0 {
		t.Errorf("expected empty path, got %v", path)
	}
}

func TestResourceConflicts(t *testing.T) {
	g, err := BuildGraph([]Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}, Resources: []string{"db", "cache"}},
		{ID: "c", DependsOn: []string{"a"}, Resources: []string{"db"}},
		{ID: "d", DependsOn: []string{"a"}, Resources: []string{"fs"}},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	groups, err := ParallelGroups(g)
	if err != nil {
		t.Fatalf("ParallelGroups failed: %v", err)
	}
	conflicts := ResourceConflicts(g, groups)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %v", conflicts)
	}
	c := conflicts[0]
	if c.TaskA != "b" || c.TaskB != "c" || c.Tag != "db" {
		t.Errorf("conflict = %+v, want b/c on db", c)
	}
}

func TestResourceConflicts_DifferentGroupsNoConflict(t *testing.T) {
	g, err := BuildGraph([]Task{
		{ID: "a", Resources: []string{"db"}},
		{ID: "b", DependsOn: []string{"a"}, Resources: []string{"db"}},
	})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	groups, err := ParallelGroups(g)
	if err != nil {
		t.Fatalf("ParallelGroups failed: %v", err)
	}
	if conflicts := ResourceConflicts(g, groups); len(conflicts) != 0 {
		t.Errorf("expected no conflicts across groups, got %v", conflicts)
	}
}
