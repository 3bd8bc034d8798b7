// Package topic implements topic/filter validation, MQTT-style wildcard
// matching and the per-worker subscriber registry.
package topic

import "strings"

// Topic names are slash-separated paths: "room1/kitchen/sensor1".
// Filters may additionally contain the wildcards "+" (exactly one path
// component) and "#" (all remaining components, only at the end).

func isTopicChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == '/'
}

// IsValidTopic reports whether t is a publishable topic name.
// A topic is non-empty, does not start or end with '/', contains no
// wildcards and only characters from [A-Za-z0-9_/-].
func IsValidTopic(t string) bool {
	if t == "" || t[0] == '/' || t[len(t)-1] == '/' {
		return false
	}
	for i := 0; i < len(t); i++ {
		if !isTopicChar(t[i]) {
			return false
		}
	}
	return true
}

// IsValidFilter reports whether f is a valid subscription filter.
// A filter must contain at least one wildcard; a wildcard-free string is a
// topic, not a filter. "#" is only allowed as the whole filter or as the
// final component preceded by '/'. "+" must always stand alone as a
// component.
func IsValidFilter(f string) bool {
	if f == "" || f[0] == '/' {
		return false
	}

	hasWildcard := false
	for i := 0; i < len(f); i++ {
		c := f[i]
		switch c {
		case '#':
			// Whole filter, or final component after '/'.
			if i != len(f)-1 {
				return false
			}
			if i > 0 && f[i-1] != '/' {
				return false
			}
			hasWildcard = true
		case '+':
			// Must be bounded by '/' (or string edges) on both sides.
			if i > 0 && f[i-1] != '/' {
				return false
			}
			if i < len(f)-1 && f[i+1] != '/' {
				return false
			}
			hasWildcard = true
		default:
			if !isTopicChar(c) {
				return false
			}
		}
	}

	return hasWildcard
}

// IsValidTopicOrFilter accepts either form. Used for validating ACL entries
// and subscribe parameters, where both are legal.
func IsValidTopicOrFilter(s string) bool {
	return IsValidTopic(s) || IsValidFilter(s)
}

// IsFilterMatched reports whether topic t matches filter f.
//
//   - "+" matches exactly one path component (never crosses '/').
//   - A trailing "#" matches zero or more remaining components; "a/b/#"
//     also matches the exact topic "a/b".
//   - Without wildcards the match is plain string equality.
//
// Components are compared verbatim, so "foo//bar" only matches a filter
// carrying the same empty component.
func IsFilterMatched(f, t string) bool {
	if f == "#" {
		return true
	}
	if !strings.ContainsAny(f, "+#") {
		return f == t
	}

	fparts := strings.Split(f, "/")
	tparts := strings.Split(t, "/")

	for i, fp := range fparts {
		if fp == "#" {
			// Matches the remainder, including the empty remainder.
			return true
		}
		if i >= len(tparts) {
			// The topic ran out of components before the filter did. The
			// only way this can still match is a trailing "#", handled
			// above ("a/b/#" matches "a/b").
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tparts[i] {
			return false
		}
	}

	return len(fparts) == len(tparts)
}
