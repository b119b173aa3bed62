// ABOUTME: Outbound recipient allow list for courier-hub
// ABOUTME: Pure membership check over a normalized set of handles

package whitelist

import "strings"

// Whitelist is an immutable set of handles permitted to receive
// outbound messages. An empty whitelist permits nothing.
type Whitelist struct {
	allowed map[string]struct{}
}

// New builds a whitelist from the given handles.
// Handles are normalized before insertion; empty entries are ignored.
func New(handles []string) *Whitelist {
	allowed := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		n := Normalize(h)
		if n == "" {
			continue
		}
		allowed[n] = struct{}{}
	}
	return &Whitelist{allowed: allowed}
}

// Allowed reports whether the handle may receive outbound messages.
// The handle is normalized before lookup.
func (w *Whitelist) Allowed(handle string) bool {
	_, ok := w.allowed[Normalize(handle)]
	return ok
}

// Len returns the number of whitelisted handles
func (w *Whitelist) Len() int {
	return len(w.allowed)
}

// Normalize canonicalizes a handle for comparison: surrounding
// whitespace is trimmed and letters are lowercased, so email-style
// handles compare case-insensitively.
func Normalize(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
