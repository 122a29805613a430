package idgen

import (
	"strings"
	"testing"
)

func TestNanoIDLength(t *testing.T) {
	gen := NanoID(12)
	id := gen()
	if len(id) != 12 {
		t.Errorf("len = %d, want 12", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyz", c) {
			t.Errorf("unexpected character %q in %q", c, id)
		}
	}
}

func TestNanoIDUniqueness(t *testing.T) {
	gen := NanoID(16)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestUUIDv7Valid(t *testing.T) {
	gen := UUIDv7()
	id := gen()
	if _, err := Parse(id); err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("itm_", Default)
	id := gen()
	if !strings.HasPrefix(id, "itm_") {
		t.Errorf("id %q missing prefix", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "itm_")); err != nil {
		t.Errorf("suffix not a UUID: %v", err)
	}
}

func TestTimestamped(t *testing.T) {
	gen := Timestamped(NanoID(6))
	id := gen()
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 {
		t.Fatalf("id %q: want timestamp_suffix", id)
	}
	if len(parts[1]) != 6 {
		t.Errorf("suffix len = %d, want 6", len(parts[1]))
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("expected error for invalid UUID")
	}
}
