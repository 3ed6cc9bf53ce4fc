// Package remotepath normalizes and encodes slash-separated remote paths.
// Remote services compare names in NFC; local filesystems (notably macOS)
// hand out NFD, so every path is normalized once at the boundary.
package remotepath

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Clean normalizes a remote path: NFC form, forward slashes collapsed,
// leading and trailing slashes trimmed. Returns "" for the root.
func Clean(p string) string {
	p = norm.NFC.String(p)
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))

	return strings.Trim(p, "/")
}

// Escape percent-encodes each segment of an already-clean path for use in a
// URL, preserving the slashes between segments.
func Escape(p string) string {
	if p == "" {
		return ""
	}

	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return strings.Join(segs, "/")
}

// Parents returns every ancestor of a clean path, outermost first.
// "a/b/c.txt" yields ["a", "a/b"]. The root yields nil.
func Parents(p string) []string {
	if p == "" {
		return nil
	}

	segs := strings.Split(p, "/")
	if len(segs) < 2 {
		return nil
	}

	parents := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		parents = append(parents, strings.Join(segs[:i], "/"))
	}

	return parents
}

// Base returns the final segment of a clean path.
func Base(p string) string {
	if p == "" {
		return ""
	}

	return path.Base(p)
}
