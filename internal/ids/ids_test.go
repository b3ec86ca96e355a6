package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	now := time.Now()
	prev := NewAt(now)
	for i := 0; i < 1000; i++ {
		next := NewAt(now)
		if next <= prev {
			t.Fatalf("ids not increasing: %s <= %s", next, prev)
		}
		prev = next
	}
	if len(New()) != 26 {
		t.Fatalf("unexpected ulid length")
	}
}
