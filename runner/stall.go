package runner

import (
	"crypto/sha256"
	"fmt"
)

// defaultStallWindow is how many identical iterations count as a stall.
const defaultStallWindow = 3

// iterationSignature hashes what an iteration produced. Two iterations with
// the same diff, verification log and verdicts made no progress.
func iterationSignature(patch, testLog string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(patch))
	h.Write([]byte{0})
	h.Write([]byte(testLog))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

// stallDetector remembers the most recent signatures of one task.
type stallDetector struct {
	window int
	sigs   []string
}

func newStallDetector(window int) *stallDetector {
	if window < 2 {
		window = defaultStallWindow
	}
	return &stallDetector{window: window}
}

// observe records sig and reports whether the last window signatures are
// identical.
func (d *stallDetector) observe(sig string) bool {
	d.sigs = append(d.sigs, sig)
	if len(d.sigs) > d.window {
		d.sigs = d.sigs[len(d.sigs)-d.window:]
	}
	if len(d.sigs) < d.window {
		return false
	}
	for _, s := range d.sigs[1:] {
		if s != d.sigs[0] {
			return false
		}
	}
	return true
}
