package ble

import (
	"testing"
	"time"
)

func TestSimPeripheralLastNameRequestWins(t *testing.T) {
	pm := NewSimPeripheralManager("original")
	pm.SetNameLatency(10 * time.Millisecond)

	// Back-to-back requests race their delayed callbacks; only the most
	// recent may take effect, whatever order the callbacks run in.
	pm.SetName("discarded")
	pm.SetName("final")

	deadline := time.Now().Add(time.Second)
	for pm.Name() != "final" {
		if time.Now().After(deadline) {
			t.Fatalf("name is %q, want %q", pm.Name(), "final")
		}
		time.Sleep(time.Millisecond)
	}

	// A stale callback firing late must not revert it.
	time.Sleep(30 * time.Millisecond)
	if got := pm.Name(); got != "final" {
		t.Fatalf("name reverted to %q", got)
	}
}
