// Package share provides share identity validation and the cached, flattened
// view of a share's files as served by the gallery endpoints.
package share

import (
	"regexp"
	"strings"
)

// MaxHashLength bounds accepted share hashes. Backend hashes are much
// shorter; the cap exists so hostile input never reaches the backend.
const MaxHashLength = 64

var hashRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidHash reports whether s is an acceptable share hash: non-empty,
// at most MaxHashLength characters, URL-safe alphabet only.
func ValidHash(s string) bool {
	return s != "" && len(s) <= MaxHashLength && hashRe.MatchString(s)
}

// SafeRelPath reports whether p is a safe share-relative path: relative,
// no empty or dot segments, no traversal, no NUL or backslash.
func SafeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	if strings.ContainsAny(p, "\x00\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return false
		}
	}
	return true
}

// ParseBool interprets the loose boolean forms accepted on query strings.
// Anything not recognized as true is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}
