// Package pattern matches dot-separated topics and keys against subscription
// patterns. A pattern is either an exact name or a name whose final segment is
// the wildcard "*". The wildcard matches one or more trailing segments; "*" on
// its own matches everything.
package pattern

import (
	"strings"

	"github.com/BaSui01/agentgrid/types"
)

const (
	// Separator splits topics and keys into segments.
	Separator = "."
	// Wildcard is the trailing-segment wildcard.
	Wildcard = "*"
)

// Pattern is a compiled subscription pattern.
type Pattern struct {
	raw    string
	prefix string // "a.b." for "a.b.*", "" for "*"
	wild   bool
}

// Compile validates and compiles a pattern.
func Compile(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, types.NewError(types.ErrInvalidPattern, "pattern is empty")
	}
	if raw == Wildcard {
		return Pattern{raw: raw, wild: true}, nil
	}

	segments := strings.Split(raw, Separator)
	for i, seg := range segments {
		if seg == "" {
			return Pattern{}, types.Errorf(types.ErrInvalidPattern, "pattern %q has an empty segment", raw)
		}
		if strings.Contains(seg, Wildcard) {
			if seg != Wildcard || i != len(segments)-1 {
				return Pattern{}, types.Errorf(types.ErrInvalidPattern,
					"pattern %q: wildcard is only allowed as the final segment", raw)
			}
		}
	}

	if segments[len(segments)-1] == Wildcard {
		return Pattern{
			raw:    raw,
			prefix: strings.TrimSuffix(raw, Wildcard),
			wild:   true,
		}, nil
	}
	return Pattern{raw: raw}, nil
}

// MustCompile is Compile that panics on error. Intended for constants.
func MustCompile(raw string) Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source pattern.
func (p Pattern) String() string { return p.raw }

// IsWildcard reports whether the pattern ends in a wildcard segment.
func (p Pattern) IsWildcard() bool { return p.wild }

// Match reports whether name matches the pattern.
func (p Pattern) Match(name string) bool {
	if !p.wild {
		return name == p.raw
	}
	if p.prefix == "" {
		return name != ""
	}
	return len(name) > len(p.prefix) && strings.HasPrefix(name, p.prefix)
}

// ValidateName checks that a topic or key is non-empty and has no empty or
// wildcard segments.
func ValidateName(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, Separator) {
		if seg == "" || strings.Contains(seg, Wildcard) {
			return false
		}
	}
	return true
}
