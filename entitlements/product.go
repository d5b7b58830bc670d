package entitlements

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// ProductInfo is a live product as reported by the store's catalog.
type ProductInfo struct {
	ID              string
	DisplayName     string
	Description     string
	Price           decimal.Decimal
	CurrencyCode    string
	Type            ProductType
	FamilyShareable bool
	FreeTrial       bool
	Recommended     bool
	// Raw is the provider's own product value, if any.
	Raw any
}

// Product is an immutable snapshot of a purchasable offering.
// Catalog refreshes replace products wholesale.
type Product struct {
	ID              string          `json:"id"`
	DisplayName     string          `json:"display_name"`
	Description     string          `json:"description"`
	Price           decimal.Decimal `json:"price"`
	DisplayPrice    string          `json:"display_price"`
	Type            ProductType     `json:"type"`
	Span            Span            `json:"span"`
	Level           Level           `json:"level"`
	FamilyShareable bool            `json:"family_shareable"`
	FreeTrial       bool            `json:"free_trial"`
	Recommended     bool            `json:"recommended"`

	info *ProductInfo
}

// NewProduct snapshots a live product, classifying it through c.
func NewProduct(info ProductInfo, c *Catalog) (Product, error) {
	span, level, err := c.Classify(info.ID)
	if err != nil {
		return Product{}, err
	}
	src := info
	return Product{
		ID:              info.ID,
		DisplayName:     info.DisplayName,
		Description:     info.Description,
		Price:           info.Price,
		DisplayPrice:    FormatPrice(info.Price, info.CurrencyCode),
		Type:            info.Type,
		Span:            span,
		Level:           level,
		FamilyShareable: info.FamilyShareable,
		FreeTrial:       info.FreeTrial,
		Recommended:     info.Recommended,
		info:            &src,
	}, nil
}

// Info returns the live product this snapshot was taken from; ok is false for
// example data.
func (p Product) Info() (ProductInfo, bool) {
	if p.info == nil {
		return ProductInfo{}, false
	}
	return *p.info, true
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"CNY": "¥",
	"KZT": "₸",
}

// FormatPrice renders a price for display, e.g. "$9.99" or "9.99 CHF".
func FormatPrice(price decimal.Decimal, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	places := int32(2)
	if currency == "JPY" {
		places = 0
	}
	amount := price.StringFixed(places)
	if sym, ok := currencySymbols[currency]; ok {
		return sym + amount
	}
	if currency == "" {
		return amount
	}
	return amount + " " + currency
}

// SortProducts orders products by price ascending, then by id.
func SortProducts(ps []Product) {
	slices.SortStableFunc(ps, func(a, b Product) int {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// ExampleProducts returns static products for previews and tests.
func ExampleProducts() []Product {
	mk := func(id, name, desc, price string, typ ProductType, trial, rec bool) Product {
		p := decimal.RequireFromString(price)
		return Product{
			ID:              id,
			DisplayName:     name,
			Description:     desc,
			Price:           p,
			DisplayPrice:    FormatPrice(p, "USD"),
			Type:            typ,
			Span:            SpanOf(id),
			Level:           LevelOf(id),
			FamilyShareable: true,
			FreeTrial:       trial,
			Recommended:     rec,
		}
	}
	return []Product{
		mk("monthlyPremium", "Premium Monthly", "All premium features, billed monthly.", "2.99", AutoRenewable, false, false),
		mk("yearlyPremium", "Premium Yearly", "All premium features, billed yearly.", "19.99", AutoRenewable, true, true),
		mk("lifePremium", "Premium Forever", "All premium features, pay once.", "49.99", NonConsumable, false, false),
	}
}
