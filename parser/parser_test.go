package parser

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmonitor/pmonitor/models"
)

const site = "https://www.digikala.com/"

func TestExtractProductID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "standard", url: "https://www.digikala.com/product/dkp-12345/some-title/", want: "12345"},
		{name: "fresh", url: "https://www.digikala.com/fresh/product/dkp-987/", want: "987"},
		{name: "no trailing slash", url: "https://www.digikala.com/product/dkp-12345", want: ""},
		{name: "search page", url: "https://www.digikala.com/search/?q=tea", want: ""},
		{name: "empty", url: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractProductID(tt.url))
			// Deterministic on repeated calls.
			assert.Equal(t, ExtractProductID(tt.url), ExtractProductID(tt.url))
		})
	}
}

func TestExtractFreshProductID(t *testing.T) {
	assert.Equal(t, "555", ExtractFreshProductID("/fresh/product/dkp-555/"))
	assert.Equal(t, "555", ExtractFreshProductID("https://www.digikala.com/fresh/product/dkp-555/title/"))
	assert.Empty(t, ExtractFreshProductID("/product/dkp-555/"))
}

func TestValidateRow(t *testing.T) {
	tests := []struct {
		name    string
		row     Row
		wantID  string
		wantErr []string
	}{
		{
			name:   "valid",
			row:    Row{Index: 2, URL: site + "product/dkp-42/", Name: "Tea", URLText: true, NameText: true},
			wantID: "42",
		},
		{
			name:    "foreign domain",
			row:     Row{Index: 3, URL: "https://example.com/product/dkp-42/", Name: "Tea", URLText: true, NameText: true},
			wantErr: []string{"row 3: URL is not a valid Digikala URL"},
		},
		{
			name:    "missing url",
			row:     Row{Index: 4, Name: "Tea", URLText: true, NameText: true},
			wantErr: []string{"URL is missing"},
		},
		{
			name:    "numeric name",
			row:     Row{Index: 5, URL: site + "product/dkp-42/", Name: "12", URLText: true, NameText: false},
			wantErr: []string{"Name is missing"},
		},
		{
			name:    "unparseable id",
			row:     Row{Index: 6, URL: site + "brand/foo/", Name: "Tea", URLText: true, NameText: true},
			wantErr: []string{"could not extract product ID"},
		},
		{
			name:    "several problems",
			row:     Row{Index: 7, URL: "https://example.com/x", Name: " ", URLText: true, NameText: true},
			wantErr: []string{"not a valid Digikala URL", "Name is missing", "could not extract"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ValidateRow(tt.row, site)
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
				return
			}
			require.Error(t, err)
			assert.Empty(t, id)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeFilename(`a/b:c`))
	assert.Equal(t, "tea bag 100", SanitizeFilename("  tea \t bag\n100 "))
	assert.Equal(t, "unknown", SanitizeFilename(""))
	assert.Equal(t, "unknown", SanitizeFilename("   "))
	assert.Equal(t, "چای کیسه ای", SanitizeFilename("چای  کیسه ای"))

	long := strings.Repeat("ب", 250)
	assert.Len(t, []rune(SanitizeFilename(long)), 200)
}

func TestExtractPriceInfo(t *testing.T) {
	price := func(v int64) decimal.NullDecimal {
		return decimal.NullDecimal{Decimal: decimal.NewFromInt(v), Valid: true}
	}

	tests := []struct {
		name    string
		variant *models.Variant
		want    models.PriceInfo
	}{
		{
			name:    "nil variant",
			variant: nil,
			want:    models.PriceInfo{SellingPrice: models.PriceNotFound},
		},
		{
			name:    "scaled price",
			variant: &models.Variant{SellingPrice: price(1000000), DiscountPercent: 10},
			want:    models.PriceInfo{SellingPrice: "100000", DiscountPercent: 10},
		},
		{
			name:    "rounds half up",
			variant: &models.Variant{SellingPrice: price(15), Incredible: true},
			want:    models.PriceInfo{SellingPrice: "2", Incredible: 1},
		},
		{
			name:    "zero price",
			variant: &models.Variant{SellingPrice: price(0), DiscountPercent: 5},
			want:    models.PriceInfo{SellingPrice: models.PriceNotFound, DiscountPercent: 5},
		},
		{
			name:    "missing price",
			variant: &models.Variant{},
			want:    models.PriceInfo{SellingPrice: models.PriceNotFound},
		},
		{
			name:    "discount clamped",
			variant: &models.Variant{SellingPrice: price(990), DiscountPercent: 140},
			want:    models.PriceInfo{SellingPrice: "99", DiscountPercent: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPriceInfo(tt.variant, 10))
		})
	}
}

func TestNormalizeDigits(t *testing.T) {
	assert.Equal(t, "12", NormalizeDigits("۱۲"))
	assert.Equal(t, "30%", NormalizeDigits("٣٠%"))
	assert.Equal(t, "abc", NormalizeDigits("abc"))
}
