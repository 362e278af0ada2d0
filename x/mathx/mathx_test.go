package mathx

import "testing"

func TestClamp(t *testing.T) {
	cases := []struct {
		v, lo, hi, want int
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{11, 0, 10, 10},
		{5, 10, 0, 5}, // swapped bounds
	}
	for _, c := range cases {
		if got := Clamp(c.v, c.lo, c.hi); got != c.want {
			t.Errorf("Clamp(%d,%d,%d) = %d, want %d", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestBetween(t *testing.T) {
	if !Between(90.0, 0.0, 270.0) {
		t.Error("90 should be within [0,270]")
	}
	if Between(-0.1, 0.0, 270.0) || Between(270.1, 0.0, 270.0) {
		t.Error("out-of-range values accepted")
	}
	if !Between(0.0, 0.0, 270.0) || !Between(270.0, 0.0, 270.0) {
		t.Error("bounds should be inclusive")
	}
}

func TestMapRange(t *testing.T) {
	// 4..20 mV onto -80..105 degrees.
	got := MapRange(12.644, 4.0, 20.0, -80.0, 105.0)
	if got < 19.94 || got > 19.95 {
		t.Errorf("MapRange mid-scale = %v, want ~19.946", got)
	}
	if MapRange(4.0, 4.0, 20.0, -80.0, 105.0) != -80.0 {
		t.Error("lower bound should map to out lower bound")
	}
	// Out-of-range input extrapolates rather than clamping.
	if MapRange(65.53, 4.0, 20.0, -80.0, 105.0) < 600 {
		t.Error("expected extrapolation beyond out range")
	}
}
