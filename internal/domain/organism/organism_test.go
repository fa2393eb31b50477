package organism

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/evochora/evochora-sub008/internal/domain/env"
)

func TestClassifyRegister(t *testing.T) {
	cases := []struct {
		id       int
		wantKind RegisterKind
		wantOff  int
	}{
		{0, KindDR, 0},
		{999, KindDR, 999},
		{PRBase, KindPR, 0},
		{PRBase + 5, KindPR, 5},
		{FPRBase, KindFPR, 0},
		{FPRBase + 3, KindFPR, 3},
	}
	for _, c := range cases {
		kind, off := ClassifyRegister(c.id)
		if kind != c.wantKind || off != c.wantOff {
			t.Errorf("ClassifyRegister(%d) = (%v,%d), want (%v,%d)", c.id, kind, off, c.wantKind, c.wantOff)
		}
	}
}

func TestRegisterReadWrite(t *testing.T) {
	o := New(1, env.Coord{0, 0}, decimal.NewFromInt(100))
	if v := o.ReadRegister(5); v != 0 {
		t.Fatalf("unwritten register must read 0, got %d", v)
	}
	o.WriteRegister(PRBase+1, 42)
	if v := o.ReadRegister(PRBase + 1); v != 42 {
		t.Fatalf("register readback = %d, want 42", v)
	}
}

func TestDataStackPeekIsIdempotent(t *testing.T) {
	o := New(1, env.Coord{0, 0}, decimal.NewFromInt(100))
	o.PushData(1)
	o.PushData(2)
	o.PushData(3)

	v1, ok := o.PeekData(0)
	v2, ok2 := o.PeekData(0)
	if !ok || !ok2 || v1 != v2 || v1 != 3 {
		t.Fatalf("repeated PeekData(0) must return the same top value, got %d,%d", v1, v2)
	}
	if depth := o.DataStackLen(); depth != 3 {
		t.Fatalf("peek must not pop: depth = %d, want 3", depth)
	}

	v, ok := o.PopData()
	if !ok || v != 3 {
		t.Fatalf("PopData() = %d,%v want 3,true", v, ok)
	}
	if o.DataStackLen() != 2 {
		t.Fatalf("pop must reduce depth, got %d", o.DataStackLen())
	}
}

func TestDataStackPeekUnderflow(t *testing.T) {
	o := New(1, env.Coord{0, 0}, decimal.NewFromInt(100))
	o.PushData(1)
	if _, ok := o.PeekData(5); ok {
		t.Fatal("PeekData beyond stack depth must report underflow")
	}
}

func TestApplyEnergyCostKillsOnExhaustion(t *testing.T) {
	o := New(1, env.Coord{0, 0}, decimal.NewFromInt(10))
	o.ApplyEnergyCost(decimal.NewFromInt(5))
	if o.IsDead {
		t.Fatal("organism should still be alive with positive energy")
	}
	o.ApplyEnergyCost(decimal.NewFromInt(5))
	if !o.IsDead {
		t.Fatal("organism should die when energy reaches zero")
	}
	if !o.Energy.IsZero() {
		t.Fatalf("energy should clamp to zero, got %s", o.Energy)
	}
}

func TestForkTransfersEnergy(t *testing.T) {
	parent := New(1, env.Coord{0, 0}, decimal.NewFromInt(100))
	child, err := parent.Fork(2, env.Coord{5, 5}, decimal.NewFromInt(40))
	if err != nil {
		t.Fatal(err)
	}
	if !parent.Energy.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("parent energy after fork = %s, want 60", parent.Energy)
	}
	if !child.Energy.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("child energy = %s, want 40", child.Energy)
	}
	if child.ID != 2 {
		t.Fatalf("child id = %d, want 2", child.ID)
	}
}

func TestForkRejectsInsufficientEnergy(t *testing.T) {
	parent := New(1, env.Coord{0, 0}, decimal.NewFromInt(10))
	if _, err := parent.Fork(2, env.Coord{1, 1}, decimal.NewFromInt(50)); err == nil {
		t.Fatal("expected error when forking with insufficient energy")
	}
}

func TestCallAndLocationStacks(t *testing.T) {
	o := New(1, env.Coord{0, 0}, decimal.NewFromInt(10))
	o.PushCall(env.Coord{1, 2})
	o.PushLocation(env.Coord{3, 4})

	c, ok := o.PopCall()
	if !ok || c[0] != 1 || c[1] != 2 {
		t.Fatalf("PopCall() = %v,%v want {1,2},true", c, ok)
	}
	l, ok := o.PopLocation()
	if !ok || l[0] != 3 || l[1] != 4 {
		t.Fatalf("PopLocation() = %v,%v want {3,4},true", l, ok)
	}
	if _, ok := o.PopCall(); ok {
		t.Fatal("expected underflow on empty call stack")
	}
}
