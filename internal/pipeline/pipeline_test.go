package pipeline_test

import (
	"testing"

	"conveyor/internal/pipeline"
)

func TestNextFollowsDeclaredOrder(t *testing.T) {
	p, err := pipeline.New([]string{"research", "outline", "draft", "qa", "export", "complete"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := map[string]string{
		"research": "outline",
		"outline":  "draft",
		"draft":    "qa",
		"qa":       "export",
		"export":   "complete",
	}
	for stage, next := range want {
		got, ok := p.Next(stage)
		if !ok || got != next {
			t.Fatalf("Next(%q) = %q,%v want %q", stage, got, ok, next)
		}
	}
	if _, ok := p.Next("complete"); ok {
		t.Fatal("expected terminal stage to have no successor")
	}
	if _, ok := p.Next("publish"); ok {
		t.Fatal("expected unknown stage to have no successor")
	}
	if p.First() != "research" || !p.IsTerminal("complete") {
		t.Fatalf("unexpected bounds %q %q", p.First(), p.Terminal())
	}
	if prev, ok := p.Previous("draft"); !ok || prev != "outline" {
		t.Fatalf("Previous(draft) = %q,%v", prev, ok)
	}
}

func TestNewRejectsInvalidOrder(t *testing.T) {
	if _, err := pipeline.New(nil); err == nil {
		t.Fatal("expected error for empty pipeline")
	}
	if _, err := pipeline.New([]string{"a", "b", "a"}); err == nil {
		t.Fatal("expected error for duplicate stage")
	}
}

func TestLabel(t *testing.T) {
	cases := map[string]string{
		"qa":         "QA",
		"research":   "Research",
		"fact_check": "Fact Check",
		"":           "",
	}
	for in, want := range cases {
		if got := pipeline.Label(in); got != want {
			t.Fatalf("Label(%q) = %q, want %q", in, got, want)
		}
	}
}
