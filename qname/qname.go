// Package qname turns raw chat text into DNS query names the resolver
// tunnel understands. Sanitization keeps only label-safe bytes, composing
// enforces the wire limits of RFC 1035 (63 bytes per label, 255 bytes for
// the whole encoded name).
package qname

import (
	"errors"
	"strings"
)

const (
	// MaxLabelLength is the RFC 1035 limit for a single label.
	MaxLabelLength = 63
	// MaxNameLength is the RFC 1035 limit for the encoded query name,
	// including per-label length octets and the root terminator.
	MaxNameLength = 255
)

var (
	// ErrEmptyQuery is returned when sanitization leaves nothing to send.
	ErrEmptyQuery = errors.New("query text empty after sanitization")
	// ErrQueryTooLong is returned when the encoded name would exceed 255 bytes.
	ErrQueryTooLong = errors.New("query name exceeds 255 bytes")
)

// Options control the sanitizer/composer contract. The resolver side of the
// tunnel historically disagreed on both knobs, so they are explicit here.
type Options struct {
	// AllowPlus keeps '+' in sanitized output for resolvers that decode it
	// as a space.
	AllowPlus bool
	// LabelOnly composes bare labels without appending the zone suffix.
	LabelOnly bool
}

// Sanitize normalizes raw user text into DNS-label-safe text: lowercased,
// whitespace runs collapsed to single hyphens, everything outside
// [a-z0-9-] (plus '+' when allowed) dropped. Pure and idempotent.
func Sanitize(input string, opts Options) string {
	var b strings.Builder
	b.Grow(len(input))

	hyphen := false
	for _, r := range strings.ToLower(input) {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			// collapse runs into one hyphen, never leading
			if b.Len() > 0 {
				hyphen = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || (r == '+' && opts.AllowPlus):
			if hyphen {
				b.WriteByte('-')
				hyphen = false
			}
			b.WriteRune(r)
		}
	}

	return strings.Trim(b.String(), "-")
}

// Compose splits sanitized text into labels of at most 63 bytes and joins
// them with the zone suffix, unless LabelOnly is set. The zone is assumed
// to already be label-safe; it is not re-sanitized.
func Compose(sanitized, zone string, opts Options) (string, error) {
	if sanitized == "" {
		return "", ErrEmptyQuery
	}

	var labels []string
	for _, part := range strings.Split(sanitized, ".") {
		for len(part) > MaxLabelLength {
			labels = append(labels, part[:MaxLabelLength])
			part = part[MaxLabelLength:]
		}
		if part != "" {
			labels = append(labels, part)
		}
	}

	if len(labels) == 0 {
		return "", ErrEmptyQuery
	}

	name := strings.Join(labels, ".")
	if !opts.LabelOnly && zone != "" {
		name = name + "." + strings.TrimSuffix(zone, ".")
	}

	if encodedLength(name) > MaxNameLength {
		return "", ErrQueryTooLong
	}

	return name, nil
}

// encodedLength is the wire size of the name: one length octet per label,
// the label bytes, and the terminating root octet.
func encodedLength(name string) int {
	n := 1
	for _, label := range strings.Split(name, ".") {
		n += 1 + len(label)
	}
	return n
}
