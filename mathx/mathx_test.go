package mathx

import "testing"

func TestRound(t *testing.T) {
	if got := Round(1.26, 0.1); got < 1.2999 || got > 1.3001 {
		t.Errorf("expected 1.3, got %v", got)
	}
	if got := Round(-2.5, 1); got != -3 {
		t.Errorf("expected -3, got %v", got)
	}
}

func TestQuantizeCount(t *testing.T) {
	// 5 ms at 625 MS/s in 32 sample steps
	n, clamped := QuantizeCount(5e-3*625e6, 32, 192)
	if clamped || n != 3124992 {
		t.Errorf("expected 3124992 unclamped, got %d %v", n, clamped)
	}
	n, clamped = QuantizeCount(10, 32, 192)
	if !clamped || n != 192 {
		t.Errorf("expected floor to 192, got %d %v", n, clamped)
	}
	// ties go to even multiples
	n, _ = QuantizeCount(48, 32, 0)
	if n != 64 {
		t.Errorf("expected 64, got %d", n)
	}
	n, _ = QuantizeCount(80, 32, 0)
	if n != 64 {
		t.Errorf("expected 64, got %d", n)
	}
}

func TestSnapFrequency(t *testing.T) {
	// 100.3 MHz over 2 us is 200.6 cycles, snaps to 201
	got := SnapFrequency(100.3, 2)
	if got != 100.5 {
		t.Errorf("expected 100.5, got %v", got)
	}
	if SnapFrequency(0.1, 1) != 0.1 {
		t.Error("expected sub-cycle frequency to be left alone")
	}
}
