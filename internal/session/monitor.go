package session

// ViolationKind classifies the anti-cheating signals a client can report
// during an active session.
type ViolationKind string

const (
	// ViolationVisibility is a tab switch or window minimize. Also flips the
	// session's focus flag until ReportFocusRestored.
	ViolationVisibility ViolationKind = "visibility_loss"
	// ViolationNavigation is an attempted page leave or reload.
	ViolationNavigation ViolationKind = "navigation_attempt"
	// ViolationShortcut is a disallowed key combination (copy, paste,
	// select-all, devtools, task switch).
	ViolationShortcut ViolationKind = "forbidden_shortcut"
	// ViolationContextMenu is a right-click request.
	ViolationContextMenu ViolationKind = "context_menu"
)

// KnownViolationKind reports whether k is one of the four signal classes.
// Unknown kinds reported by a client are rejected rather than counted.
func KnownViolationKind(k ViolationKind) bool {
	switch k {
	case ViolationVisibility, ViolationNavigation, ViolationShortcut, ViolationContextMenu:
		return true
	}
	return false
}
