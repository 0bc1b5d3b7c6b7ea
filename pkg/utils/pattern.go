// Package utils holds small key-matching helpers shared by the cache and
// invalidation layers.
package utils

import "strings"

// PrefixMatch reports whether key starts with prefix. Used by the L1 cache's
// DeletePattern, since a pattern is defined as a strict prefix of a key.
func PrefixMatch(prefix, key string) bool {
	return strings.HasPrefix(key, prefix)
}
