// Package stringutil provides common string utility functions.
package stringutil

// Truncate bounds a string to maxLen bytes, keeping the head.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis bounds a string to maxLen bytes, keeping the head
// and marking the cut with "...". Strings that already fit are returned
// unchanged.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Tail bounds a string to maxLen bytes, keeping the end and marking the cut
// with a leading "...". Command output is reported this way: the failure is
// at the end.
func Tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
