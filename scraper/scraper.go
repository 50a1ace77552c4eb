package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/shopspring/decimal"

	"github.com/pmonitor/pmonitor/config"
	"github.com/pmonitor/pmonitor/models"
	"github.com/pmonitor/pmonitor/parser"
)

const (
	sourcePage = "page"

	endpointPage = "page"
)

// ErrPriceNotOnPage is returned when a product page carries no offer price.
var ErrPriceNotOnPage = errors.New("no offer price on product page")

// PageScraper reads a product's price from its storefront page. It is the
// fallback used when the product API cannot be reached or decoded.
type PageScraper struct {
	cfg       *config.Config
	collector *colly.Collector
	transport *contextTransport
	Metrics   *Metrics

	// fetchMu serializes fetches; transport carries one caller context at a time.
	fetchMu sync.Mutex
}

// NewPageScraper builds a page scraper configured from cfg.
func NewPageScraper(cfg *config.Config, metrics *Metrics) (*PageScraper, error) {
	parsed, err := url.Parse(cfg.SiteBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse site base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("site base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(DefaultUserAgents[0]),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	transport := &contextTransport{base: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}}
	collector.WithTransport(transport)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		RandomDelay: cfg.JitterRange,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &PageScraper{
		cfg:       cfg,
		collector: collector,
		transport: transport,
		Metrics:   metrics,
	}, nil
}

// contextTransport attaches the current fetch's context to every request,
// so cancelling the caller aborts the page download.
type contextTransport struct {
	base http.RoundTripper

	mu  sync.Mutex
	ctx context.Context
}

func (t *contextTransport) bind(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return t.base.RoundTrip(req)
}

// pageOffer accumulates what the handlers find on one page.
type pageOffer struct {
	price      decimal.NullDecimal
	discount   int
	incredible bool
	err        error
}

// Fetch visits the product page for productID and returns the variant it
// advertises.
func (s *PageScraper) Fetch(ctx context.Context, productID string) (*models.Variant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	s.transport.bind(ctx)
	defer s.transport.bind(nil)

	target := s.cfg.ProductPageURL(productID)
	offer := &pageOffer{}
	c := s.collector.Clone()
	s.configureHandlers(c, offer)

	if err := c.Visit(target); err != nil && offer.err == nil {
		return nil, fmt.Errorf("visit %s: %w", target, err)
	}
	c.Wait()

	if offer.err != nil {
		return nil, offer.err
	}
	if !offer.price.Valid || offer.price.Decimal.IsZero() {
		return nil, ErrPriceNotOnPage
	}

	scaled := offer.price.Decimal.Mul(decimal.NewFromInt(s.cfg.PriceScale))
	return &models.Variant{
		SellingPrice:    decimal.NewNullDecimal(scaled),
		DiscountPercent: parser.ClampPercent(offer.discount),
		Incredible:      offer.incredible,
		Source:          sourcePage,
	}, nil
}

func (s *PageScraper) configureHandlers(c *colly.Collector, offer *pageOffer) {
	c.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		r.Headers.Set("Accept-Language", "fa-IR,fa;q=0.9,en;q=0.8")
		s.Metrics.IncRequest(endpointPage)
	})

	c.OnResponse(func(r *colly.Response) {
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			s.Metrics.ObserveDuration(time.Since(start))
		}
		slog.Debug("product page fetched",
			slog.Int("status", r.StatusCode),
			slog.String("url", r.Request.URL.String()),
		)
	})

	c.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		classified := classifyError(err, statusCode)
		if classified == nil {
			classified = err
		}
		offer.err = fmt.Errorf("product page: %w", classified)

		pageURL := ""
		if r != nil && r.Request != nil && r.Request.URL != nil {
			pageURL = r.Request.URL.String()
		}
		slog.Error("request error",
			slog.String("url", pageURL),
			slog.String("category", errorTypeLabel(classified)),
			slog.Any("error", err),
		)
		s.Metrics.IncError(classified)
	})

	c.OnHTML(`script[type="application/ld+json"]`, func(e *colly.HTMLElement) {
		if offer.price.Valid {
			return
		}
		if price, ok := offerPrice([]byte(e.Text)); ok {
			offer.price = decimal.NewNullDecimal(price)
		}
	})

	c.OnHTML(`[class*="discountWrapper"]`, func(e *colly.HTMLElement) {
		if offer.discount != 0 {
			return
		}
		offer.discount = parseDiscount(e.Text)
	})

	c.OnHTML(`img[src*="IncredibleOffer"]`, func(_ *colly.HTMLElement) {
		offer.incredible = true
	})
}

// offerPrice finds the first Product offer price in a JSON-LD block. The
// block may be a single object, an array, or a @graph container; offers may
// be an object or an array; prices may be numbers or strings.
func offerPrice(raw []byte) (decimal.Decimal, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Decimal{}, false
	}
	return findProductPrice(doc)
}

func findProductPrice(node any) (decimal.Decimal, bool) {
	switch n := node.(type) {
	case []any:
		for _, child := range n {
			if price, ok := findProductPrice(child); ok {
				return price, true
			}
		}
	case map[string]any:
		if graph, ok := n["@graph"]; ok {
			return findProductPrice(graph)
		}
		if typ, _ := n["@type"].(string); typ == "Product" {
			return priceFromOffers(n["offers"])
		}
	}
	return decimal.Decimal{}, false
}

func priceFromOffers(offers any) (decimal.Decimal, bool) {
	switch o := offers.(type) {
	case []any:
		for _, child := range o {
			if price, ok := priceFromOffers(child); ok {
				return price, true
			}
		}
	case map[string]any:
		for _, key := range []string{"price", "lowPrice"} {
			if price, ok := decimalValue(o[key]); ok {
				return price, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func decimalValue(v any) (decimal.Decimal, bool) {
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = strings.ReplaceAll(parser.NormalizeDigits(strings.TrimSpace(val)), ",", "")
	default:
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

func parseDiscount(text string) int {
	s := parser.NormalizeDigits(text)
	s = strings.NewReplacer("٪", "", "%", "").Replace(s)
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return int(d.IntPart())
}
