package session

import "fmt"

// FormatRemaining renders a second count as "m:ss" for timer display,
// e.g. 125 → "2:05". Negative input is clamped to "0:00".
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
