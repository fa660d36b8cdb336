package ids

import "testing"

func TestNewProducesSortableIDs(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("invalid id generated: %q", id)
		}
		if id <= prev {
			t.Fatalf("ids not monotonic: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestIsValid(t *testing.T) {
	if IsValid("not-a-ulid") {
		t.Fatalf("expected invalid")
	}
	if IsValid("") {
		t.Fatalf("expected invalid for empty string")
	}
}
