package names

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := Generate()
		if !Valid(name) {
			t.Fatalf("generated invalid name %q", name)
		}
		seen[name] = true
	}
	// 100 draws from 1024 combinations
	if len(seen) < 50 {
		t.Fatalf("expected variety, got only %d unique names", len(seen))
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	Seed(1, 2)
	a := []string{Generate(), Generate(), Generate()}
	Seed(1, 2)
	b := []string{Generate(), Generate(), Generate()}
	if strings.Join(a, ",") != strings.Join(b, ",") {
		t.Fatalf("expected identical sequences, got %v and %v", a, b)
	}
}

func TestValid(t *testing.T) {
	tests := map[string]bool{
		"BlueLake":      true,
		"worker-1":      true,
		"agent.v2_beta": true,
		"":              false,
		"-leading":      false,
		"has space":     false,
		" padded":       false,
	}
	for name, want := range tests {
		if got := Valid(name); got != want {
			t.Errorf("Valid(%q) = %v, want %v", name, got, want)
		}
	}
	if Valid(strings.Repeat("a", 65)) {
		t.Error("names longer than 64 characters are invalid")
	}
}
