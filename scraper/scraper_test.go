package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageURL = "http://shop.test/product/dkp-42/"

func htmlResponder(body string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(200, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

func buildProductPage(jsonLD string, discount string, incredible bool) string {
	page := "<html><head>"
	if jsonLD != "" {
		page += `<script type="application/ld+json">` + jsonLD + `</script>`
	}
	page += "</head><body><div class=\"styles_PdpProductContent\">"
	if incredible {
		page += `<img src="https://www.digikala.com/statics/img/svg/IncredibleOffer.svg" alt="">`
	}
	if discount != "" {
		page += fmt.Sprintf(`<div class="styles_discountWrapper__x1"><span>%s</span></div>`, discount)
	}
	page += "</div></body></html>"
	return page
}

func newTestPageScraper(t *testing.T) (*PageScraper, *httpmock.MockTransport) {
	t.Helper()
	s, err := NewPageScraper(testConfig(), NewMetrics())
	require.NoError(t, err)
	transport := httpmock.NewMockTransport()
	s.transport.base = transport
	return s, transport
}

func TestPageScraperReadsOffer(t *testing.T) {
	s, transport := newTestPageScraper(t)
	ld := `{"@context":"https://schema.org/","@type":"Product","name":"Tea","offers":{"@type":"Offer","priceCurrency":"IRR","price":125000}}`
	transport.RegisterResponder("GET", pageURL, htmlResponder(buildProductPage(ld, "۱۵٪", true)))

	v, err := s.Fetch(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.SellingPrice.Decimal.Equal(decimal.NewFromInt(1250000)))
	assert.Equal(t, 15, v.DiscountPercent)
	assert.True(t, v.Incredible)
	assert.Equal(t, sourcePage, v.Source)

	// Revisiting the same page is allowed across fetches.
	_, err = s.Fetch(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 2, transport.GetCallCountInfo()["GET "+pageURL])
}

func TestPageScraperJSONLDShapes(t *testing.T) {
	tests := []struct {
		name string
		ld   string
		want int64
	}{
		{
			name: "graph with offer array",
			ld:   `{"@graph":[{"@type":"BreadcrumbList"},{"@type":"Product","offers":[{"price":"۳۲۰۰۰"}]}]}`,
			want: 320000,
		},
		{
			name: "top-level array with aggregate offer",
			ld:   `[{"@type":"Organization"},{"@type":"Product","offers":{"@type":"AggregateOffer","lowPrice":"1,500"}}]`,
			want: 15000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, transport := newTestPageScraper(t)
			transport.RegisterResponder("GET", pageURL, htmlResponder(buildProductPage(tt.ld, "", false)))

			v, err := s.Fetch(context.Background(), "42")
			require.NoError(t, err)
			assert.True(t, v.SellingPrice.Decimal.Equal(decimal.NewFromInt(tt.want)), "got %s", v.SellingPrice.Decimal)
			assert.Zero(t, v.DiscountPercent)
			assert.False(t, v.Incredible)
		})
	}
}

func TestPageScraperWithoutPrice(t *testing.T) {
	s, transport := newTestPageScraper(t)
	transport.RegisterResponder("GET", pageURL, htmlResponder(buildProductPage(`{"@type":"Product","offers":{"price":0}}`, "", false)))

	_, err := s.Fetch(context.Background(), "42")
	require.ErrorIs(t, err, ErrPriceNotOnPage)
}

func TestPageScraperHTTPError(t *testing.T) {
	s, transport := newTestPageScraper(t)
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(404, "missing"))

	_, err := s.Fetch(context.Background(), "42")
	require.Error(t, err)
	var notFound ErrNotFound
	assert.True(t, errors.As(err, &notFound), "got %v", err)
}

func TestPageScraperCanceledContext(t *testing.T) {
	s, _ := newTestPageScraper(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx, "42")
	require.ErrorIs(t, err, context.Canceled)
}

func TestPageScraperCancelAbortsDownload(t *testing.T) {
	s, transport := newTestPageScraper(t)
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.Fetch(ctx, "42")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParseDiscount(t *testing.T) {
	assert.Equal(t, 15, parseDiscount(" ۱۵٪ "))
	assert.Equal(t, 7, parseDiscount("7%"))
	assert.Equal(t, 0, parseDiscount("—"))
}
