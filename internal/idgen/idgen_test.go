package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("trd_")
	if !strings.HasPrefix(id, "trd_") {
		t.Errorf("id %q missing prefix", id)
	}
	if len(id) != len("trd_")+24 {
		t.Errorf("id %q has wrong length %d", id, len(id))
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
