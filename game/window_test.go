package game

import "testing"

func TestWindowBuckets(t *testing.T) {
	tests := []struct {
		name     string
		mmr      int
		waitMs   int64
		expected int
	}{
		{"low base", 1000, 0, 150},
		{"mid base", 1500, 0, 100},
		{"high base", 2200, 0, 50},
		{"low bucket upper edge", 1399, 0, 150},
		{"mid bucket lower edge", 1400, 0, 100},
		{"high bucket lower edge", 2000, 0, 50},
		{"low one step", 1000, 30000, 210},
		{"mid two steps", 1500, 60000, 180},
		{"high four steps", 2200, 120000, 150},
		{"partial step ignored", 1500, 29999, 100},
		{"low capped", 1000, 600000, MaxWindow},
		{"high capped", 2500, 3600000, MaxWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Window(tt.mmr, tt.waitMs); got != tt.expected {
				t.Errorf("Window(%d, %d) = %d, expected %d", tt.mmr, tt.waitMs, got, tt.expected)
			}
		})
	}
}

func TestWindowMonotonic(t *testing.T) {
	for _, mmr := range []int{800, 1500, 2400} {
		prev := 0
		for wait := int64(0); wait <= 900000; wait += 10000 {
			w := Window(mmr, wait)
			if w < prev {
				t.Fatalf("Window(%d, %d) = %d shrank from %d", mmr, wait, w, prev)
			}
			prev = w
		}
	}
}

func TestInWindow(t *testing.T) {
	// mid bucket, base window 100
	if !InWindow(1500, 0, 1600) {
		t.Error("1600 should be inside [1400, 1600]")
	}
	if InWindow(1500, 0, 1601) {
		t.Error("1601 should be outside the base mid window")
	}
	// after one growth step the same candidate fits
	if !InWindow(1500, 30000, 1601) {
		t.Error("1601 should fit after one growth step")
	}
}
