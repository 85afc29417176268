package macro

import (
	"strings"
	"testing"
)

func TestCharAndUserSubstitution(t *testing.T) {
	scope := NewSeededScope("Aria", "Sam", 1)
	out, err := Expand("{{char}} greets {{user}}. <CHAR> and <bot> agree.", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	want := "Aria greets Sam. Aria and Aria agree."
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestCommentRemoval(t *testing.T) {
	scope := NewSeededScope("Aria", "Sam", 1)
	out, err := Expand("before {{// note to self}}after", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if out != "before after" {
		t.Errorf("got %q", out)
	}
}

func TestRandomDeterministicWithSeed(t *testing.T) {
	a := NewSeededScope("A", "B", 42)
	b := NewSeededScope("A", "B", 42)
	outA, _ := Expand("{{random:red,green,blue}} {{random:red,green,blue}}", a)
	outB, _ := Expand("{{random:red,green,blue}} {{random:red,green,blue}}", b)
	if outA != outB {
		t.Errorf("same seed diverged: %q vs %q", outA, outB)
	}
	for _, word := range strings.Fields(outA) {
		if word != "red" && word != "green" && word != "blue" {
			t.Errorf("unexpected option %q", word)
		}
	}
}

func TestRandomEscapedComma(t *testing.T) {
	scope := NewSeededScope("A", "B", 7)
	out, err := Expand(`{{random:one\, two}}`, scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if out != "one, two" {
		t.Errorf("escaped comma not honored: %q", out)
	}
}

func TestPickStableWithinScope(t *testing.T) {
	scope := NewSeededScope("A", "B", 3)
	out, err := Expand("{{pick:x,y,z}}|{{pick:x,y,z}}|{{pick:x,y,z}}", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	parts := strings.Split(out, "|")
	if len(parts) != 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	if parts[0] != parts[1] || parts[1] != parts[2] {
		t.Errorf("pick not stable within one scope: %v", parts)
	}
}

func TestRollBounds(t *testing.T) {
	scope := NewSeededScope("A", "B", 9)
	for i := 0; i < 50; i++ {
		out, err := Expand("{{roll:d6}}", scope)
		if err != nil {
			t.Fatalf("Expand returned error: %v", err)
		}
		if out < "1" || out > "6" || len(out) != 1 {
			t.Fatalf("roll out of range: %q", out)
		}
	}
}

func TestRollInvalidStaysLiteral(t *testing.T) {
	scope := NewSeededScope("A", "B", 9)
	out, _ := Expand("{{roll:banana}}", scope)
	if out != "{{roll:banana}}" {
		t.Errorf("invalid roll should stay literal, got %q", out)
	}
}

func TestReverse(t *testing.T) {
	scope := NewSeededScope("A", "B", 1)
	out, _ := Expand("{{reverse:abc}}", scope)
	if out != "cba" {
		t.Errorf("got %q", out)
	}
}

func TestHiddenKeyExtraction(t *testing.T) {
	scope := NewSeededScope("A", "B", 1)
	out, err := Expand("visible {{hidden_key:dragon}} text {{hidden_key:castle}}", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if strings.Contains(out, "dragon") || strings.Contains(out, "castle") {
		t.Errorf("hidden keys leaked into output: %q", out)
	}
	if len(scope.HiddenKeys) != 2 || scope.HiddenKeys[0] != "dragon" || scope.HiddenKeys[1] != "castle" {
		t.Errorf("hidden keys not collected: %v", scope.HiddenKeys)
	}
}

func TestUnknownMacroPassesThrough(t *testing.T) {
	scope := NewSeededScope("A", "B", 1)
	out, err := Expand("keep {{mystery:stuff}} intact", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if out != "keep {{mystery:stuff}} intact" {
		t.Errorf("got %q", out)
	}
}

func TestNestedMacroInArgument(t *testing.T) {
	scope := NewSeededScope("Aria", "Sam", 1)
	out, err := Expand("{{reverse:{{char}}}}", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if out != "airA" {
		t.Errorf("got %q", out)
	}
}

func TestRecursionLimit(t *testing.T) {
	scope := NewSeededScope("A", "B", 1)
	deep := "x"
	for i := 0; i < MaxDepth+2; i++ {
		deep = "{{reverse:" + deep + "}}"
	}
	out, err := Expand(deep, scope)
	if err == nil {
		t.Fatal("expected recursion error")
	}
	if out == "" {
		t.Error("overflow should keep literal text, got empty")
	}
}

func TestMacroOutputNotRescanned(t *testing.T) {
	// A character named "{{user}}" must not expand a second time.
	scope := NewSeededScope("{{user}}", "Sam", 1)
	out, err := Expand("hello {{char}}", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if out != "hello {{user}}" {
		t.Errorf("macro output was rescanned: %q", out)
	}
}

func TestUnbalancedBracesKeptVerbatim(t *testing.T) {
	scope := NewSeededScope("A", "B", 1)
	out, err := Expand("broken {{char", scope)
	if err != nil {
		t.Fatalf("Expand returned error: %v", err)
	}
	if out != "broken {{char" {
		t.Errorf("got %q", out)
	}
}
