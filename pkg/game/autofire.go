package game

import "bytes"

// AutofireDetector watches one player's action stream for sustained A/B/A/B
// alternation, the signature of a turbo controller. It is purely advisory:
// detection raises a notice and never touches synchronization state.
type AutofireDetector struct {
	sensitivity int
	threshold   int

	prev       []byte
	beforePrev []byte
	runLength  int
	reported   bool
}

// NewAutofireDetector builds a detector with sensitivity 1 (lenient) to 5
// (aggressive). Sensitivity 0 disables detection entirely.
func NewAutofireDetector(sensitivity int) *AutofireDetector {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 5 {
		sensitivity = 5
	}
	return &AutofireDetector{
		sensitivity: sensitivity,
		threshold:   (6 - sensitivity) * 15,
	}
}

func (d *AutofireDetector) Enabled() bool {
	return d != nil && d.sensitivity > 0
}

// Feed consumes one action block and reports whether the alternation run
// just crossed the detection threshold. It fires at most once per detector;
// detectors are recreated per game start.
func (d *AutofireDetector) Feed(action []byte) bool {
	if !d.Enabled() || d.reported || len(action) == 0 {
		return false
	}

	alternating := d.beforePrev != nil &&
		bytes.Equal(action, d.beforePrev) &&
		!bytes.Equal(action, d.prev)
	if alternating {
		d.runLength++
	} else {
		d.runLength = 0
	}

	d.beforePrev = d.prev
	d.prev = append(d.prev[:0:0], action...)

	if d.runLength >= d.threshold {
		d.reported = true
		return true
	}
	return false
}
