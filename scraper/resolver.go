package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/pmonitor/pmonitor/models"
	"github.com/pmonitor/pmonitor/parser"
)

const (
	endpointProduct = "product"
	endpointFresh   = "fresh"

	sourceAPI   = "api"
	sourceFresh = "fresh-api"
)

// Fetcher issues a single API request.
type Fetcher interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// PageFetcher reads a product's price from its storefront page.
type PageFetcher interface {
	Fetch(ctx context.Context, productID string) (*models.Variant, error)
}

// Resolver turns a product id into the variant currently on offer.
type Resolver struct {
	client    Fetcher
	retry     *Retrier
	redirects *lru.Cache[string, string]
	fallback  PageFetcher
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithFallback enables the storefront page fallback for failed API lookups.
func WithFallback(f PageFetcher) ResolverOption {
	return func(r *Resolver) {
		r.fallback = f
	}
}

// NewResolver builds a Resolver. cacheSize bounds the memo of primary to
// fresh product id redirects.
func NewResolver(client Fetcher, retry *Retrier, cacheSize int, opts ...ResolverOption) (*Resolver, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create redirect cache: %w", err)
	}
	r := &Resolver{client: client, retry: retry, redirects: cache}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the product's priced variant, or nil when it is out of
// stock, unavailable, or could not be fetched. Failures are logged and never
// escape, so one product cannot abort a run.
func (r *Resolver) Resolve(ctx context.Context, productID string) (variant *models.Variant) {
	logger := slog.With(slog.String("product_id", productID))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("product resolution panicked", slog.Any("panic", rec))
			variant = nil
		}
	}()

	v, err := r.resolve(ctx, productID)
	if err == nil {
		return v
	}

	logger.Error("failed to fetch product", slog.Any("error", err))
	if r.fallback == nil || ctx.Err() != nil {
		return nil
	}

	logger.Info("trying storefront page fallback")
	v, err = r.fallback.Fetch(ctx, productID)
	if err != nil {
		logger.Error("storefront fallback failed", slog.Any("error", err))
		return nil
	}
	return v
}

func (r *Resolver) resolve(ctx context.Context, productID string) (*models.Variant, error) {
	freshID, cached := r.redirects.Get(productID)
	if !cached {
		resp, env, err := r.fetch(ctx, endpointProduct, "/v2/product/"+productID+"/")
		if err != nil {
			return nil, err
		}

		uri := env.RedirectURL.URI
		if uri == "" {
			if resp.Status == http.StatusOK && env.Data.Product != nil {
				return selectVariant(env.Data.Product, sourceAPI), nil
			}
			slog.Warn("unexpected API response",
				slog.String("product_id", productID),
				slog.Int("status", resp.Status),
			)
			return nil, nil
		}

		freshID = parser.ExtractFreshProductID(uri)
		if freshID == "" {
			slog.Warn("could not extract fresh product id from redirect",
				slog.String("product_id", productID),
				slog.String("redirect", uri),
			)
			return nil, nil
		}
		r.redirects.Add(productID, freshID)
	}

	slog.Info("redirecting to fresh API",
		slog.String("product_id", productID),
		slog.String("fresh_id", freshID),
	)

	resp, env, err := r.fetch(ctx, endpointFresh, "/fresh/v1/product/"+freshID+"/")
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Status == http.StatusOK && env.Data.Product != nil:
		return selectVariant(env.Data.Product, sourceFresh), nil
	case resp.Status == http.StatusNotFound:
		slog.Warn("fresh API returned 404", slog.String("fresh_id", freshID))
		return nil, nil
	default:
		return nil, ErrAPIStatus{Endpoint: endpointFresh, Status: resp.Status}
	}
}

func (r *Resolver) fetch(ctx context.Context, endpoint, path string) (*Response, *productEnvelope, error) {
	req := Request{Path: path, Endpoint: endpoint}
	resp, err := r.retry.Do(ctx, func(ctx context.Context) (*Response, error) {
		return r.client.Do(ctx, req)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%s API: %w", endpoint, err)
	}

	env := &productEnvelope{}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, env); err != nil {
			return nil, nil, fmt.Errorf("%s API: %w", endpoint, ErrDecode{Err: err})
		}
	}
	slog.Debug("API response",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.Status),
		slog.Bool("has_product", env.Data.Product != nil),
	)
	return resp, env, nil
}

type productEnvelope struct {
	RedirectURL struct {
		URI string `json:"uri"`
	} `json:"redirect_url"`
	Data struct {
		Product *apiProduct `json:"product"`
	} `json:"data"`
}

type apiProduct struct {
	DefaultVariant json.RawMessage `json:"default_variant"`
	Variants       json.RawMessage `json:"variants"`
}

type apiVariant struct {
	Price           json.RawMessage     `json:"price"`
	SellingPrice    flexDecimal `json:"selling_price"`
	DiscountPercent flexDecimal `json:"discount_percent"`
	IsIncredible    flexBool            `json:"is_incredible"`

	nested *apiPrice
}

type apiPrice struct {
	SellingPrice    flexDecimal `json:"selling_price"`
	DiscountPercent flexDecimal `json:"discount_percent"`
	IsIncredible    flexBool            `json:"is_incredible"`
}

// variantShape tags the JSON shapes default_variant is known to take.
type variantShape int

const (
	shapeMissing variantShape = iota
	shapeObject
	shapeArray
	shapeUnrecognized
)

func shapeOf(raw json.RawMessage) variantShape {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return shapeMissing
	}
	switch trimmed[0] {
	case '{':
		return shapeObject
	case '[':
		return shapeArray
	default:
		return shapeUnrecognized
	}
}

// selectVariant picks the priced variant out of a product: an object
// default_variant, else the first priced entry of an array default_variant,
// else the first priced entry of variants. Anything else is nil.
func selectVariant(p *apiProduct, source string) *models.Variant {
	switch shapeOf(p.DefaultVariant) {
	case shapeObject:
		v, ok := decodeVariant(p.DefaultVariant)
		if !ok || !v.hasPrice() {
			slog.Debug("default_variant object carries no price")
			return nil
		}
		return v.normalize(source)

	case shapeArray:
		if v, ok := firstPriced(p.DefaultVariant); ok {
			return v.normalize(source)
		}
		if shapeOf(p.Variants) == shapeArray {
			if v, ok := firstPriced(p.Variants); ok {
				slog.Debug("using entry from variants")
				return v.normalize(source)
			}
		}
		slog.Debug("no variants with price available")
		return nil

	case shapeMissing:
		slog.Debug("product has no default_variant")
		return nil

	default:
		slog.Debug("unrecognized default_variant shape")
		return nil
	}
}

// decodeVariant reads one variant entry. Entries whose price object does not
// decode are reported as unusable.
func decodeVariant(raw json.RawMessage) (*apiVariant, bool) {
	var v apiVariant
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if shapeOf(v.Price) == shapeObject {
		var p apiPrice
		if err := json.Unmarshal(v.Price, &p); err != nil {
			return nil, false
		}
		v.nested = &p
	}
	return &v, true
}

func firstPriced(raw json.RawMessage) (*apiVariant, bool) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	for _, entry := range entries {
		if shapeOf(entry) != shapeObject {
			continue
		}
		if v, ok := decodeVariant(entry); ok && v.hasPrice() {
			return v, true
		}
	}
	return nil, false
}

func (v *apiVariant) hasPrice() bool {
	switch strings.TrimSpace(string(v.Price)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// normalize reads the nested price object, falling back to price fields
// placed directly on the variant.
func (v *apiVariant) normalize(source string) *models.Variant {
	p := apiPrice{
		SellingPrice:    v.SellingPrice,
		DiscountPercent: v.DiscountPercent,
		IsIncredible:    v.IsIncredible,
	}
	if v.nested != nil {
		p = *v.nested
	}

	out := &models.Variant{
		SellingPrice: p.SellingPrice.NullDecimal,
		Incredible:   bool(p.IsIncredible),
		Source:       source,
	}
	if p.DiscountPercent.Valid {
		out.DiscountPercent = parser.ClampPercent(int(p.DiscountPercent.Decimal.IntPart()))
	}
	return out
}

// flexBool accepts JSON booleans, numbers and strings; anything it cannot
// read is false.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		*b = true
	default:
		if d, err := decimal.NewFromString(s); err == nil && !d.IsZero() {
			*b = true
			return nil
		}
		*b = false
	}
	return nil
}

// flexDecimal accepts JSON numbers and numeric strings. Anything else
// decodes as absent instead of failing the whole variant.
type flexDecimal struct {
	decimal.NullDecimal
}

func (d *flexDecimal) UnmarshalJSON(data []byte) error {
	s := parser.NormalizeDigits(strings.Trim(strings.TrimSpace(string(data)), `"`))
	v, err := decimal.NewFromString(s)
	d.NullDecimal = decimal.NullDecimal{Decimal: v, Valid: err == nil}
	return nil
}
