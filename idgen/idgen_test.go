package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("invalid uuid %q: %v", id, err)
		}
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("sync_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "sync_") {
		t.Fatalf("got %q", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "sync_")); err != nil {
		t.Fatalf("suffix not a uuid: %v", err)
	}
}

func TestNew(t *testing.T) {
	if New() == New() {
		t.Fatal("Default generator returned duplicates")
	}
}
