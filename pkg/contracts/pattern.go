package contracts

import "strings"

// WildcardSuffix marks a subscription pattern as a namespace wildcard.
const WildcardSuffix = ".*"

// Pattern is a parsed subscription pattern. It is either an exact event name
// or a namespace wildcard ("ns.*") matching every name under "ns.".
type Pattern struct {
	raw    string
	prefix string // non-empty only for namespace wildcards
}

// Exact returns a pattern matching only name.
func Exact(name string) Pattern {
	return Pattern{raw: name}
}

// PrefixWildcard returns a pattern matching every event in namespace.
func PrefixWildcard(namespace string) Pattern {
	namespace = strings.TrimSuffix(namespace, ".")
	return Pattern{raw: namespace + WildcardSuffix, prefix: namespace + "."}
}

// ParsePattern decides the pattern variant by a suffix check. A bare "*" or
// ".*" has no namespace and is treated as an exact name.
func ParsePattern(s string) Pattern {
	if strings.HasSuffix(s, WildcardSuffix) && len(s) > len(WildcardSuffix) {
		return PrefixWildcard(strings.TrimSuffix(s, WildcardSuffix))
	}
	return Exact(s)
}

// IsWildcard reports whether p is a namespace wildcard.
func (p Pattern) IsWildcard() bool { return p.prefix != "" }

// String returns the pattern as written in the contract.
func (p Pattern) String() string { return p.raw }

// Matches reports whether the event name is selected by p.
func (p Pattern) Matches(name string) bool {
	if p.prefix != "" {
		return strings.HasPrefix(name, p.prefix)
	}
	return p.raw == name
}

// Matches reports whether pattern selects the event name.
func Matches(pattern, name string) bool {
	return ParsePattern(pattern).Matches(name)
}
