package lang

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/PaulFidika/iapkit/entitlements"
)

type ctxKey struct{}

// WithLanguage attaches a request language to ctx.
func WithLanguage(ctx context.Context, language string) context.Context {
	return context.WithValue(ctx, ctxKey{}, language)
}

// LanguageFromContext reads a request language from ctx.
func LanguageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxKey{})
	s, ok := v.(string)
	return s, ok && s != ""
}

var spanLabels = map[string]map[entitlements.Span]string{
	"en": {
		entitlements.SpanMonthly:   "per month",
		entitlements.SpanYearly:    "per year",
		entitlements.SpanPermanent: "one-time purchase",
	},
	"es": {
		entitlements.SpanMonthly:   "al mes",
		entitlements.SpanYearly:    "al año",
		entitlements.SpanPermanent: "pago único",
	},
	"fr": {
		entitlements.SpanMonthly:   "par mois",
		entitlements.SpanYearly:    "par an",
		entitlements.SpanPermanent: "achat unique",
	},
	"de": {
		entitlements.SpanMonthly:   "pro Monat",
		entitlements.SpanYearly:    "pro Jahr",
		entitlements.SpanPermanent: "Einmalkauf",
	},
}

// Supported lists the languages that have span copy, sorted.
func Supported() []string {
	return slices.Sorted(maps.Keys(spanLabels))
}

// Base reduces a language tag such as "es-MX" or "pt_BR" to its lowercase
// primary subtag.
func Base(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

// SpanLabel returns the billing copy shown next to a price. Unsupported
// languages fall back to English; SpanUnknown has no copy.
func SpanLabel(span entitlements.Span, language string) string {
	if !span.Known() {
		return ""
	}
	labels, ok := spanLabels[Base(language)]
	if !ok {
		labels = spanLabels["en"]
	}
	return labels[span]
}

// SpanLabelFromContext is SpanLabel with the request language from ctx.
func SpanLabelFromContext(ctx context.Context, span entitlements.Span) string {
	language, _ := LanguageFromContext(ctx)
	return SpanLabel(span, language)
}
