package messagebus

import "strings"

// MatchTopic reports whether routing key matches a subscription pattern.
// Both are dot-separated. '*' matches exactly one segment, '#' matches zero
// or more segments. A pattern without wildcards matches only the exact key.
func MatchTopic(pattern, key string) bool {
	if pattern == key {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			// '#' may swallow any number of leading key segments
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
