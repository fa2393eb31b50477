package testing

import (
	"testing"
	"time"
)

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := FixedClock{T: at}
	if !c.Now().Equal(at) {
		t.Errorf("FixedClock.Now() = %v, want %v", c.Now(), at)
	}
	if !c.Now().Equal(c.Now()) {
		t.Error("FixedClock must not advance")
	}
}

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mc := NewManualClock(start)

	mc.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !mc.Now().Equal(want) {
		t.Errorf("after Advance: Now() = %v, want %v", mc.Now(), want)
	}

	pinned := start.Add(time.Hour)
	mc.Set(pinned)
	if !mc.Now().Equal(pinned) {
		t.Errorf("after Set: Now() = %v, want %v", mc.Now(), pinned)
	}
}

func TestAssertDeterministicPasses(t *testing.T) {
	AssertDeterministic(t, func() any {
		return map[string]int{"a": 1, "b": 2}
	})
}
