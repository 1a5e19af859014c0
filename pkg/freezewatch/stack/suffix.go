package stack

import "strings"

// CommonSuffix intersects two stacks of the same goroutine, both ordered
// innermost-first, and returns the shared trailing run of the call chain:
// frames are compared from the most recent call site outward and the
// intersection stops at the first diverging site. Line numbers are ignored,
// so a loop that moves between lines of one function still matches.
//
// The returned slice aliases common; callers fold successive snapshots with
// common = CommonSuffix(common, next).
func CommonSuffix(common, next []Frame) []Frame {
	n := len(common)
	if len(next) < n {
		n = len(next)
	}
	for i := 0; i < n; i++ {
		if !SameSite(common[i], next[i]) {
			return common[:i]
		}
	}
	return common[:n]
}

// SuffixLabel derives a short filesystem-safe label from a common suffix,
// naming the innermost shared frame. Empty when there is no shared frame.
func SuffixLabel(suffix []Frame) string {
	if len(suffix) == 0 {
		return ""
	}
	fn := suffix[0].Function
	// Keep only the last path element: "pkg/sub.Type.Method" -> "sub.Type.Method".
	if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
		fn = fn[idx+1:]
	}
	return sanitizeLabel(fn)
}

func sanitizeLabel(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
