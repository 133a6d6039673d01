package timeutil

import "testing"

func TestNormalizeMillis(t *testing.T) {
	tests := []struct {
		name     string
		in       int64
		expected int64
	}{
		{"zero passes through", 0, 0},
		{"seconds converted", 1700000000, 1700000000000},
		{"millis unchanged", 1700000000000, 1700000000000},
		{"threshold boundary treated as seconds", 1e12, 1e15},
		{"just above threshold unchanged", 1e12 + 1, 1e12 + 1},
		{"negative passes through", -5, -5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeMillis(tc.in); got != tc.expected {
				t.Errorf("NormalizeMillis(%d) = %d, want %d", tc.in, got, tc.expected)
			}
		})
	}
}

func TestDateKey(t *testing.T) {
	// 2024-01-15T12:30:00Z
	if got := DateKey(1705321800000); got != "2024-01-15" {
		t.Errorf("DateKey = %q, want 2024-01-15", got)
	}
	// Midnight boundary stays on the UTC date.
	if got := DateKey(1705276800000); got != "2024-01-15" {
		t.Errorf("DateKey at midnight = %q, want 2024-01-15", got)
	}
}
