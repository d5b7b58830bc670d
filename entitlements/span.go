package entitlements

import (
	"fmt"
	"strings"
)

// Span is the billing cadence of a product.
type Span string

const (
	SpanUnknown   Span = "unknown"
	SpanMonthly   Span = "monthly"
	SpanYearly    Span = "yearly"
	SpanPermanent Span = "permanent"
)

// Known reports whether the span can carry span-specific copy.
func (s Span) Known() bool {
	return s == SpanMonthly || s == SpanYearly || s == SpanPermanent
}

// spanMarkers is checked in order; first match wins. The bare name must open
// the identifier, the dotted segment may sit anywhere in a reverse-DNS id.
var spanMarkers = []struct {
	prefix  string
	segment string
	span    Span
}{
	{"yearlyPremium", ".yearly.", SpanYearly},
	{"monthlyPremium", ".monthly.", SpanMonthly},
	{"lifePremium", ".permanent.", SpanPermanent},
}

// SpanOf classifies a product identifier by naming convention. Matching is
// case-sensitive with no normalization; unrecognized identifiers are
// SpanUnknown.
func SpanOf(productID string) Span {
	for _, m := range spanMarkers {
		if strings.HasPrefix(productID, m.prefix) || strings.Contains(productID, m.segment) {
			return m.span
		}
	}
	return SpanUnknown
}

// Level is the merchandising tier of a product. Levels are ordered.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelPremium
	LevelUltra
)

var levelNames = map[Level]string{
	LevelNone:    "none",
	LevelBasic:   "basic",
	LevelPremium: "premium",
	LevelUltra:   "ultra",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return "none"
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLevel parses a level name. The empty string is LevelNone.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelNone, nil
	}
	for l, n := range levelNames {
		if n == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level %q", s)
}

// UnmarshalText accepts only known span names. Empty text leaves the span
// empty so catalog entries fall back to the naming convention.
func (s *Span) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*s = ""
		return nil
	}
	v, err := ParseSpan(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSpan parses a span name. Unrecognized names are an error.
func ParseSpan(s string) (Span, error) {
	switch Span(strings.ToLower(strings.TrimSpace(s))) {
	case SpanMonthly:
		return SpanMonthly, nil
	case SpanYearly:
		return SpanYearly, nil
	case SpanPermanent:
		return SpanPermanent, nil
	case SpanUnknown, "":
		return SpanUnknown, nil
	}
	return SpanUnknown, fmt.Errorf("unknown span %q", s)
}

var levelMarkers = []struct {
	tokens []string
	level  Level
}{
	{[]string{"Ultra", ".ultra"}, LevelUltra},
	{[]string{"Premium", ".premium"}, LevelPremium},
	{[]string{"Basic", ".basic"}, LevelBasic},
}

// LevelOf derives the tier from tokens in the identifier; the highest tier
// found wins.
func LevelOf(productID string) Level {
	for _, m := range levelMarkers {
		for _, tok := range m.tokens {
			if strings.Contains(productID, tok) {
				return m.level
			}
		}
	}
	return LevelNone
}
