package game

import "testing"

func TestAutofireDisabledAtZeroSensitivity(t *testing.T) {
	d := NewAutofireDetector(0)
	if d.Enabled() {
		t.Fatal("sensitivity 0 must disable detection")
	}
	for i := 0; i < 100; i++ {
		action := []byte{byte(i % 2)}
		if d.Feed(action) {
			t.Fatal("disabled detector fired")
		}
	}
}

func TestAutofireDetectsAlternation(t *testing.T) {
	d := NewAutofireDetector(5)
	if !d.Enabled() {
		t.Fatal("sensitivity 5 should be enabled")
	}

	pressed := []byte{0x01, 0x00}
	released := []byte{0x00, 0x00}

	fired := 0
	firedAt := -1
	for i := 0; i < 60; i++ {
		action := pressed
		if i%2 == 1 {
			action = released
		}
		if d.Feed(action) {
			fired++
			if firedAt < 0 {
				firedAt = i
			}
		}
	}
	if fired != 1 {
		t.Fatalf("detector fired %d times, want exactly once", fired)
	}
	// The run cannot start counting until the third feed, so at the most
	// aggressive sensitivity the threshold of 15 lands on feed 17.
	if firedAt != 16 {
		t.Fatalf("detector fired at feed %d, want 16", firedAt)
	}
}

func TestAutofireIgnoresHeldButton(t *testing.T) {
	d := NewAutofireDetector(5)
	held := []byte{0xFF}
	for i := 0; i < 200; i++ {
		if d.Feed(held) {
			t.Fatal("holding one input is not autofire")
		}
	}
}

func TestAutofireRunResetsOnBreak(t *testing.T) {
	d := NewAutofireDetector(5)
	a, b, c := []byte{1}, []byte{2}, []byte{3}

	for i := 0; i < 14; i++ {
		action := a
		if i%2 == 1 {
			action = b
		}
		if d.Feed(action) {
			t.Fatalf("fired early at feed %d", i)
		}
	}
	// One off-pattern input resets the run entirely.
	if d.Feed(c) {
		t.Fatal("fired on the break input")
	}
	for i := 0; i < 16; i++ {
		action := a
		if i%2 == 1 {
			action = b
		}
		if d.Feed(action) {
			t.Fatal("run should have restarted from zero")
		}
	}
}

func TestAutofireSensitivityClamped(t *testing.T) {
	if got := NewAutofireDetector(9).threshold; got != 15 {
		t.Fatalf("sensitivity above 5 should clamp, threshold %d", got)
	}
	if got := NewAutofireDetector(-1).sensitivity; got != 0 {
		t.Fatalf("negative sensitivity should clamp to 0, got %d", got)
	}
	if got := NewAutofireDetector(1).threshold; got != 75 {
		t.Fatalf("sensitivity 1 threshold %d, want 75", got)
	}
}
