package bank

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// fingerprintBytes is the number of hash bytes kept in a fingerprint.
// 12 bytes (24 hex chars) keeps keys short while leaving collisions
// out of practical reach for the pattern counts involved.
const fingerprintBytes = 12

// CanonicalTools returns the canonical form of a tool-call sequence:
// trimmed, lowercased, empties dropped, sorted, duplicates collapsed.
// Equivalent tool usage collapses to the same canonical sequence
// regardless of call order within a step.
func CanonicalTools(tools []string) []string {
	canonical := make([]string, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		name := strings.ToLower(strings.TrimSpace(t))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		canonical = append(canonical, name)
	}
	sort.Strings(canonical)
	return canonical
}

// Fingerprint computes the stable, order-insensitive hash of a tool-call
// sequence. Returns "" for a sequence with no usable tool names.
func Fingerprint(tools []string) string {
	canonical := CanonicalTools(tools)
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(canonical, "\n")))
	return hex.EncodeToString(sum[:fingerprintBytes])
}
