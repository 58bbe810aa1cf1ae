package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

const (
	westsideName     = "westside"
	westsideAPI      = "https://westside-api.wizsearch.in/v1/products/filter"
	westsideSite     = "https://www.westside.com"
	westsideCategory = "154205126709"
	westsidePageSize = 50
)

// westsideIdentityHeaders must be supplied through the platform config.
var westsideIdentityHeaders = []string{"x-api-key", "x-store-id"}

type westsideFilters struct {
	Attributes                map[string]any `json:"attributes"`
	Categories                []string       `json:"categories"`
	Sort                      []string       `json:"sort"`
	Page                      int            `json:"page"`
	Type                      string         `json:"type"`
	GetAllVariants            string         `json:"getAllVariants"`
	Swatch                    []string       `json:"swatch"`
	Currency                  string         `json:"currency"`
	ProductsCount             int            `json:"productsCount"`
	ShowOOSProductsInOrder    string         `json:"showOOSProductsInOrder"`
	InStock                   []string       `json:"inStock"`
	AttributeFacetValuesLimit int            `json:"attributeFacetValuesLimit"`
}

type westsideResponse struct {
	Payload struct {
		Result []westsideProduct `json:"result"`
	} `json:"payload"`
}

type westsideProduct struct {
	ID             flexString `json:"id"`
	Name           string     `json:"name"`
	URL            string     `json:"url"`
	Brand          string     `json:"brand"`
	Price          flexPrice  `json:"price"`
	CompareAtPrice flexPrice  `json:"compareAtPrice"`
	Images         []string   `json:"images"`
	InStock        *bool      `json:"inStock"`
}

// Westside posts a filter document per page; pages are one-based.
type Westside struct {
	spec   source.Spec
	client *jsonClient
}

// NewWestside builds the adapter. The storefront identity headers are
// required and come from configuration.
func NewWestside(opts source.Options) (source.Adapter, error) {
	spec := opts.Apply(source.Spec{
		Name:       westsideName,
		BaseURL:    westsideAPI,
		Pagination: source.PaginationOffset,
		RateLimit:  source.RateLimit{Requests: 1, Per: 2 * time.Second},
	})

	var missing []error
	for _, h := range westsideIdentityHeaders {
		if headerValue(spec.Headers, h) == "" {
			missing = append(missing, fmt.Errorf("missing %s header", h))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, source.Misconfigured(fmt.Errorf("westside: %w", err))
	}

	return &Westside{spec: spec, client: newJSONClient(spec, opts)}, nil
}

func (a *Westside) Spec() source.Spec            { return a.spec.Clone() }
func (a *Westside) InitialCursor() source.Cursor { return "1" }

// FetchPage posts the filter for one page.
func (a *Westside) FetchPage(ctx context.Context, cursor source.Cursor) (source.Page, error) {
	page, err := strconv.Atoi(string(cursor))
	if err != nil || page < 1 {
		return source.Page{}, source.Permanent(fmt.Errorf("invalid cursor %q", cursor))
	}

	filters, err := json.Marshal(westsideFilters{
		Attributes:                map[string]any{},
		Categories:                []string{westsideCategory},
		Sort:                      []string{},
		Page:                      page,
		Type:                      "DEFAULT",
		GetAllVariants:            "false",
		Swatch:                    []string{},
		Currency:                  "INR",
		ProductsCount:             westsidePageSize,
		ShowOOSProductsInOrder:    "true",
		InStock:                   []string{"true"},
		AttributeFacetValuesLimit: 20,
	})
	if err != nil {
		return source.Page{}, source.Permanent(fmt.Errorf("encode filters: %w", err))
	}

	var body westsideResponse
	query := url.Values{"filters": {string(filters)}}
	if err := a.client.do(ctx, http.MethodPost, a.spec.BaseURL, query, &body); err != nil {
		return source.Page{}, err
	}

	products := body.Payload.Result
	if len(products) == 0 {
		logger(a.spec).Debug("no product data found", slog.Int("page", page))
		return source.Page{}, nil
	}

	now := time.Now().UTC()
	records := make([]models.Record, 0, len(products))
	for _, p := range products {
		records = append(records, a.record(p, now))
	}
	return source.Page{
		Records: records,
		Next:    source.Cursor(strconv.Itoa(page + 1)),
		HasMore: true,
	}, nil
}

func (a *Westside) record(p westsideProduct, now time.Time) models.Record {
	images := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		if abs := parser.AbsoluteURL(westsideSite, img); abs != "" {
			images = append(images, abs)
		}
	}
	available := true
	if p.InStock != nil {
		available = *p.InStock
	}
	return models.Record{
		Source:        westsideName,
		ProductID:     string(p.ID),
		Title:         parser.CleanText(p.Name),
		Brand:         parser.CleanText(p.Brand),
		Price:         float64(p.Price),
		OriginalPrice: float64(p.CompareAtPrice),
		Currency:      "INR",
		Available:     available,
		URL:           parser.AbsoluteURL(westsideSite, p.URL),
		ImageURLs:     images,
		CategoryPath:  []string{westsideCategory},
		ScrapedAt:     now,
	}
}
