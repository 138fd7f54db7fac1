package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noop(_ context.Context, _ *RunContext) (Output, error) {
	return Output{}, nil
}

func step(name string, deps ...string) Step {
	return Step{Name: name, DependsOn: deps, Run: noop}
}

func TestRegister_DuplicateStep(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(step("a")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(step("a"))
	if !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}
}

func TestRegister_UnknownDependency(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(step("b", "missing"))
	if !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestRegister_SelfDependency(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(step("a", "a"))
	if err == nil {
		t.Fatal("expected error for self-dependency")
	}
}

func TestRegister_NoName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(step("")); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegister_NilRun(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Step{Name: "a"}); err == nil {
		t.Fatal("expected error for nil run func")
	}
}

func TestWaves_Ordering(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(step("a"))
	reg.MustRegister(step("b"))
	reg.MustRegister(step("c", "a", "b"))
	reg.MustRegister(step("d", "c"))

	waves, err := reg.Waves(reg.Steps())
	if err != nil {
		t.Fatalf("waves: %v", err)
	}

	want := [][]string{{"a", "b"}, {"c"}, {"d"}}
	if len(waves) != len(want) {
		t.Fatalf("got %d waves, want %d: %v", len(waves), len(want), waves)
	}
	for i := range want {
		if len(waves[i]) != len(want[i]) {
			t.Fatalf("wave %d: got %v, want %v", i, waves[i], want[i])
		}
		for j := range want[i] {
			if waves[i][j] != want[i][j] {
				t.Fatalf("wave %d: got %v, want %v", i, waves[i], want[i])
			}
		}
	}
}

func TestWaves_SubsetTreatsExternalDepsAsSatisfied(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(step("a"))
	reg.MustRegister(step("b", "a"))
	reg.MustRegister(step("c", "b"))

	// Requesting only c: its dependency b is outside the set, so c runs in
	// the first wave against b's stored output.
	waves, err := reg.Waves([]string{"c"})
	if err != nil {
		t.Fatalf("waves: %v", err)
	}
	if len(waves) != 1 || len(waves[0]) != 1 || waves[0][0] != "c" {
		t.Fatalf("got %v, want [[c]]", waves)
	}
}

func TestDependentsClosure(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(step("a"))
	reg.MustRegister(step("b", "a"))
	reg.MustRegister(step("c", "b"))
	reg.MustRegister(step("d"))

	got := reg.DependentsClosure([]string{"a"})
	wantSet := map[string]bool{"a": true, "b": true, "c": true}
	if len(got) != len(wantSet) {
		t.Fatalf("closure %v, want members %v", got, wantSet)
	}
	for _, name := range got {
		if !wantSet[name] {
			t.Fatalf("unexpected member %q in %v", name, got)
		}
	}
}

func TestDependencyClosure(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(step("a"))
	reg.MustRegister(step("b", "a"))
	reg.MustRegister(step("c", "b"))

	got := reg.DependencyClosure([]string{"c"})
	wantSet := map[string]bool{"a": true, "b": true, "c": true}
	if len(got) != len(wantSet) {
		t.Fatalf("closure %v, want members %v", got, wantSet)
	}
}

func TestRegister_TimeoutPreserved(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Step{Name: "slow", Timeout: 3 * time.Second, Run: noop})
	s, ok := reg.Get("slow")
	if !ok || s.Timeout != 3*time.Second {
		t.Fatalf("timeout not preserved: %+v", s)
	}
}
