package entitlements

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSpanOf(t *testing.T) {
	tests := []struct {
		id   string
		want Span
	}{
		{"yearlyPremium", SpanYearly},
		{"yearlyPremiumPlus", SpanYearly},
		{"yearlyPremium_v2", SpanYearly},
		{"monthlyPremium", SpanMonthly},
		{"lifePremium", SpanPermanent},
		{"com.example.app.yearly.pro", SpanYearly},
		{"com.example.app.monthly.ultra", SpanMonthly},
		{"com.example.app.permanent.basic", SpanPermanent},
		{"superMonthlyPremium", SpanUnknown},
		{"premium_yearly", SpanUnknown},
		{"YearlyPremium", SpanUnknown},
		{"com.example.app.yearly", SpanUnknown},
		{"", SpanUnknown},
	}
	for _, tt := range tests {
		if got := SpanOf(tt.id); got != tt.want {
			t.Errorf("SpanOf(%q) = %s, want %s", tt.id, got, tt.want)
		}
		if again := SpanOf(tt.id); again != SpanOf(tt.id) {
			t.Errorf("SpanOf(%q) not stable", tt.id)
		}
	}
}

func TestSpanOfFirstMatchWins(t *testing.T) {
	// Carries both a yearly prefix and a monthly segment.
	if got := SpanOf("yearlyPremium.monthly.x"); got != SpanYearly {
		t.Fatalf("expected yearly, got %s", got)
	}
	if SpanUnknown.Known() {
		t.Fatal("unknown span must not be merchandisable")
	}
}

func TestLevelOf(t *testing.T) {
	tests := []struct {
		id   string
		want Level
	}{
		{"yearlyPremium", LevelPremium},
		{"monthlyUltra", LevelUltra},
		{"com.example.app.monthly.basic", LevelBasic},
		{"com.example.app.monthly.ultra", LevelUltra},
		{"coins_100", LevelNone},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.id); got != tt.want {
			t.Errorf("LevelOf(%q) = %s, want %s", tt.id, got, tt.want)
		}
	}
	if !(LevelUltra > LevelPremium && LevelPremium > LevelBasic && LevelBasic > LevelNone) {
		t.Fatal("levels must be ordered")
	}
}

func TestParseLevelAndSpan(t *testing.T) {
	if l, err := ParseLevel("Premium"); err != nil || l != LevelPremium {
		t.Fatalf("ParseLevel = %v, %v", l, err)
	}
	if _, err := ParseLevel("gold"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if s, err := ParseSpan("YEARLY"); err != nil || s != SpanYearly {
		t.Fatalf("ParseSpan = %v, %v", s, err)
	}
	if _, err := ParseSpan("weekly"); err == nil {
		t.Fatal("expected error for unknown span")
	}

	var e CatalogEntry
	if err := json.Unmarshal([]byte(`{"product_id":"x","span":"monthly","level":"ultra"}`), &e); err != nil {
		t.Fatal(err)
	}
	if e.Level != LevelUltra || e.Span != SpanMonthly {
		t.Fatalf("decoded %+v", e)
	}

	if err := json.Unmarshal([]byte(`{"product_id":"x","span":"weekly"}`), &e); err == nil {
		t.Fatal("expected error for unknown span in JSON")
	}
	e = CatalogEntry{}
	if err := json.Unmarshal([]byte(`{"product_id":"x","span":"Yearly"}`), &e); err != nil || e.Span != SpanYearly {
		t.Fatalf("decoded %+v, %v", e, err)
	}
	e = CatalogEntry{}
	if err := json.Unmarshal([]byte(`{"product_id":"x","span":""}`), &e); err != nil || e.Span != "" {
		t.Fatalf("empty span should stay empty, got %+v, %v", e, err)
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog([]CatalogEntry{
		{ProductID: "pro_annual", Span: SpanYearly, Level: LevelUltra},
		{ProductID: "yearlyPremium_legacy", Level: LevelBasic},
	})

	span, level, err := c.Classify("pro_annual")
	if err != nil || span != SpanYearly || level != LevelUltra {
		t.Fatalf("mapped entry: %s %s %v", span, level, err)
	}

	// Unset span falls back to the naming convention.
	span, level, _ = c.Classify("yearlyPremium_legacy")
	if span != SpanYearly || level != LevelBasic {
		t.Fatalf("partial entry: %s %s", span, level)
	}

	// Unmapped ids use the convention in lenient mode.
	if s, err := c.Span("monthlyPremium"); err != nil || s != SpanMonthly {
		t.Fatalf("lenient fallback: %s %v", s, err)
	}

	strict := NewCatalog([]CatalogEntry{{ProductID: "pro_annual", Span: SpanYearly}}, Strict())
	if _, err := strict.Span("monthlyPremium"); !errors.Is(err, ErrUnmappedProduct) {
		t.Fatalf("expected ErrUnmappedProduct, got %v", err)
	}
	if strict.Len() != 1 {
		t.Fatalf("len = %d", strict.Len())
	}

	var nilCatalog *Catalog
	if l, err := nilCatalog.Level("lifePremium"); err != nil || l != LevelPremium {
		t.Fatalf("nil catalog: %s %v", l, err)
	}
}

func TestNewProduct(t *testing.T) {
	info := ProductInfo{
		ID:           "yearlyPremium",
		DisplayName:  "Premium Yearly",
		Price:        decimal.RequireFromString("19.99"),
		CurrencyCode: "usd",
		Type:         AutoRenewable,
		FreeTrial:    true,
	}
	p, err := NewProduct(info, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayPrice != "$19.99" || p.Span != SpanYearly || p.Level != LevelPremium || !p.FreeTrial {
		t.Fatalf("unexpected product: %+v", p)
	}
	if got, ok := p.Info(); !ok || got.ID != info.ID {
		t.Fatal("expected live product reference")
	}

	if _, err := NewProduct(info, NewCatalog(nil, Strict())); !errors.Is(err, ErrUnmappedProduct) {
		t.Fatalf("expected strict catalog to reject, got %v", err)
	}
}

func TestFormatPrice(t *testing.T) {
	p := decimal.RequireFromString("1200")
	if got := FormatPrice(p, "JPY"); got != "¥1200" {
		t.Fatalf("JPY: %s", got)
	}
	if got := FormatPrice(decimal.RequireFromString("4.5"), "CHF"); got != "4.50 CHF" {
		t.Fatalf("CHF: %s", got)
	}
}

func TestSortProducts(t *testing.T) {
	ps := ExampleProducts()
	ps[0], ps[2] = ps[2], ps[0]
	SortProducts(ps)
	if ps[0].ID != "monthlyPremium" || ps[2].ID != "lifePremium" {
		t.Fatalf("unexpected order: %s %s %s", ps[0].ID, ps[1].ID, ps[2].ID)
	}
	for _, p := range ps {
		if _, ok := p.Info(); ok {
			t.Fatal("example products carry no live reference")
		}
	}
}
