package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pmonitor/pmonitor/models"
)

var (
	productIDPattern      = regexp.MustCompile(`/(?:fresh/)?product/dkp-(\d{1,20})/`)
	freshProductIDPattern = regexp.MustCompile(`/fresh/product/dkp-(\d{1,20})/`)
	reservedChars         = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespaceRun         = regexp.MustCompile(`\s+`)
)

const maxFilenameRunes = 200

// Row is one raw catalog row as read from the input workbook.
type Row struct {
	Index    int
	URL      string
	Name     string
	URLText  bool
	NameText bool
}

// ExtractProductID returns the numeric product id embedded in a standard or
// fresh listing URL, or "" when the URL does not match either shape.
func ExtractProductID(url string) string {
	m := productIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractFreshProductID reads the product id from a fresh redirect path.
func ExtractFreshProductID(uri string) string {
	m := freshProductIDPattern.FindStringSubmatch(uri)
	if m == nil {
		return ""
	}
	return m[1]
}

// ValidateRow checks a catalog row and returns the product id it encodes.
// Every problem found is reported in the joined error.
func ValidateRow(r Row, siteBase string) (string, error) {
	var errs []error

	url := strings.TrimSpace(r.URL)
	switch {
	case url == "" || !r.URLText:
		errs = append(errs, fmt.Errorf("row %d: URL is missing or invalid", r.Index))
	case !strings.HasPrefix(url, siteBase):
		errs = append(errs, fmt.Errorf("row %d: URL is not a valid Digikala URL", r.Index))
	}

	if strings.TrimSpace(r.Name) == "" || !r.NameText {
		errs = append(errs, fmt.Errorf("row %d: Name is missing or invalid", r.Index))
	}

	productID := ExtractProductID(url)
	if url != "" && productID == "" {
		errs = append(errs, fmt.Errorf("row %d: could not extract product ID from URL", r.Index))
	}

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return productID, nil
}

// SanitizeFilename maps a display name onto a filesystem-safe base name.
func SanitizeFilename(name string) string {
	name = reservedChars.ReplaceAllString(name, "_")
	name = whitespaceRun.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	if runes := []rune(name); len(runes) > maxFilenameRunes {
		name = string(runes[:maxFilenameRunes])
	}
	if name == "" {
		return "unknown"
	}
	return name
}

// ExtractPriceInfo converts a variant into the persisted triple. The selling
// price is divided by scale and rounded; a missing or zero price yields the
// PriceNotFound sentinel.
func ExtractPriceInfo(v *models.Variant, scale int64) models.PriceInfo {
	info := models.PriceInfo{SellingPrice: models.PriceNotFound}
	if v == nil {
		return info
	}

	if v.SellingPrice.Valid && !v.SellingPrice.Decimal.IsZero() {
		if scale <= 0 {
			scale = 1
		}
		scaled := v.SellingPrice.Decimal.Div(decimal.NewFromInt(scale)).Round(0)
		info.SellingPrice = scaled.String()
	}

	info.DiscountPercent = ClampPercent(v.DiscountPercent)
	if v.Incredible {
		info.Incredible = 1
	}
	return info
}

// ClampPercent bounds a discount to 0..100.
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NormalizeDigits rewrites Persian and Arabic-Indic digits as ASCII digits.
func NormalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		}
		return r
	}, s)
}
