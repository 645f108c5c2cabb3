package session

import "testing"

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{125, "2:05"},
		{60, "1:00"},
		{59, "0:59"},
		{0, "0:00"},
		{-5, "0:00"},
		{3600, "60:00"},
		{601, "10:01"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.seconds); got != tt.want {
			t.Errorf("FormatRemaining(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}
