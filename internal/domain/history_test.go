package domain

import "testing"

func TestNormalizeDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-03-01T10:00:00Z", "2024-03-01 10:00:00", true},
		{"2024-03-01T10:00:00+02:00", "2024-03-01 10:00:00", true},
		{"2024-03-01T10:00:00.123Z", "2024-03-01 10:00:00", true},
		{"2024-03-01T10:00:00", "2024-03-01 10:00:00", true},
		{"2024-03-01 10:00:00", "2024-03-01 10:00:00", true},
		{"2024-03-01 10:00", "2024-03-01 10:00:00", true},
		{"2024-03-01", "2024-03-01 00:00:00", true},
		{"1700000000", "2023-11-14 22:13:20", true},
		{"1700000000000", "2023-11-14 22:13:20", true},
		{"", "", false},
		{"yesterday", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeDateTime(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeDateTime(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
