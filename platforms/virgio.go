package platforms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

const (
	virgioName  = "virgio"
	virgioAPI   = "https://www.virgio.com/collections/all"
	virgioSite  = "https://www.virgio.com/"
	virgioRoute = "routes/collections.$collectionHandle.(products).($productHandle)"
)

type virgioMoney struct {
	Amount       flexPrice `json:"amount"`
	CurrencyCode string    `json:"currencyCode"`
}

type virgioResponse struct {
	Collection struct {
		Title    string `json:"title"`
		Products struct {
			Nodes    []virgioProduct `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"products"`
	} `json:"collection"`
}

type virgioProduct struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Handle           string `json:"handle"`
	Vendor           string `json:"vendor"`
	AvailableForSale *bool  `json:"availableForSale"`
	FeaturedImage    struct {
		URL string `json:"url"`
	} `json:"featuredImage"`
	PriceRange struct {
		MinVariantPrice virgioMoney `json:"minVariantPrice"`
	} `json:"priceRange"`
	CompareAtPriceRange struct {
		MaxVariantPrice virgioMoney `json:"maxVariantPrice"`
	} `json:"compareAtPriceRange"`
}

// Virgio follows the storefront's endCursor page tokens. The empty cursor is
// the first page.
type Virgio struct {
	spec   source.Spec
	client *jsonClient
}

// NewVirgio builds the adapter from opts.
func NewVirgio(opts source.Options) (source.Adapter, error) {
	spec := opts.Apply(source.Spec{
		Name:       virgioName,
		BaseURL:    virgioAPI,
		Pagination: source.PaginationPageToken,
		RateLimit:  source.RateLimit{Requests: 1, Per: 2 * time.Second},
	})
	return &Virgio{spec: spec, client: newJSONClient(spec, opts)}, nil
}

func (a *Virgio) Spec() source.Spec            { return a.spec.Clone() }
func (a *Virgio) InitialCursor() source.Cursor { return "" }

// FetchPage requests the page that follows cursor.
func (a *Virgio) FetchPage(ctx context.Context, cursor source.Cursor) (source.Page, error) {
	query := url.Values{"_data": {virgioRoute}}
	if cursor != "" {
		query.Set("cursor", string(cursor))
		query.Set("direction", "next")
	}

	var body virgioResponse
	if err := a.client.do(ctx, http.MethodGet, a.spec.BaseURL, query, &body); err != nil {
		return source.Page{}, err
	}

	products := body.Collection.Products
	if len(products.Nodes) == 0 {
		logger(a.spec).Debug("no product data found")
		return source.Page{}, nil
	}

	now := time.Now().UTC()
	records := make([]models.Record, 0, len(products.Nodes))
	for _, p := range products.Nodes {
		records = append(records, a.record(p, body.Collection.Title, now))
	}

	page := source.Page{Records: records}
	if products.PageInfo.HasNextPage {
		if products.PageInfo.EndCursor == "" {
			return source.Page{}, source.Permanent(fmt.Errorf("hasNextPage without endCursor"))
		}
		page.Next = source.Cursor(products.PageInfo.EndCursor)
		page.HasMore = true
	}
	return page, nil
}

func (a *Virgio) record(p virgioProduct, collection string, now time.Time) models.Record {
	productURL := ""
	if p.Handle != "" {
		productURL = virgioSite + "products/" + p.Handle
	}
	currency := p.PriceRange.MinVariantPrice.CurrencyCode
	if currency == "" {
		currency = "INR"
	}
	available := true
	if p.AvailableForSale != nil {
		available = *p.AvailableForSale
	}
	return models.Record{
		Source:        virgioName,
		ProductID:     parser.LastPathSegment(p.ID),
		Title:         parser.CleanText(p.Title),
		Brand:         parser.CleanText(p.Vendor),
		Price:         float64(p.PriceRange.MinVariantPrice.Amount),
		OriginalPrice: float64(p.CompareAtPriceRange.MaxVariantPrice.Amount),
		Currency:      currency,
		Available:     available,
		URL:           productURL,
		ImageURLs:     nonEmpty(parser.AbsoluteURL(virgioSite, p.FeaturedImage.URL)),
		CategoryPath:  nonEmpty(collection),
		ScrapedAt:     now,
	}
}
