package playback

import "strings"

// NormalizeAnchor strips the epubcfi( ) wrapper so anchors in either form
// can be compared.
func NormalizeAnchor(anchor string) string {
	a := strings.TrimSpace(anchor)
	if strings.HasPrefix(a, "epubcfi(") && strings.HasSuffix(a, ")") {
		a = a[len("epubcfi(") : len(a)-1]
	}
	return a
}

// AnchorContains reports whether anchor lies at or under ancestor. The
// character following the ancestor prefix must be a path boundary, so /2
// contains /2/4 and /2!/1 but not /20.
func AnchorContains(ancestor, anchor string) bool {
	anc := NormalizeAnchor(ancestor)
	a := NormalizeAnchor(anchor)
	if anc == "" || !strings.HasPrefix(a, anc) {
		return false
	}
	if len(a) == len(anc) {
		return true
	}
	switch a[len(anc)] {
	case '/', '!', '[', ':':
		return true
	}
	return false
}
