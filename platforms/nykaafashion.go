package platforms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

const (
	nykaaName     = "nykaafashion"
	nykaaAPI      = "https://www.nykaafashion.com/rest/appapi/V2/categories/products"
	nykaaSite     = "https://www.nykaafashion.com"
	nykaaPageSize = 50
)

// nykaaCategories are crawled in order, each from page 1 until it runs dry.
var nykaaCategories = []int{2, 3, 4, 5, 6, 7, 8, 9, 10}

type nykaaResponse struct {
	Status   string `json:"status"`
	Response struct {
		Products []nykaaProduct `json:"products"`
	} `json:"response"`
}

type nykaaProduct struct {
	ID              flexString `json:"id"`
	Title           string     `json:"title"`
	SubTitle        string     `json:"subTitle"`
	ActionURL       string     `json:"actionUrl"`
	ImageURL        string     `json:"imageUrl"`
	Price           flexPrice  `json:"price"`
	DiscountedPrice flexPrice  `json:"discountedPrice"`
	InStock         *bool      `json:"inStock"`
}

// NykaaFashion walks a fixed list of categories. Its cursor is
// "<category index>/<page>".
type NykaaFashion struct {
	spec       source.Spec
	client     *jsonClient
	categories []int
}

// NewNykaaFashion builds the adapter from opts.
func NewNykaaFashion(opts source.Options) (source.Adapter, error) {
	spec := opts.Apply(source.Spec{
		Name:       nykaaName,
		BaseURL:    nykaaAPI,
		Pagination: source.PaginationCursor,
		RateLimit:  source.RateLimit{Requests: 1, Per: 2 * time.Second},
	})
	return &NykaaFashion{
		spec:       spec,
		client:     newJSONClient(spec, opts),
		categories: nykaaCategories,
	}, nil
}

func (a *NykaaFashion) Spec() source.Spec            { return a.spec.Clone() }
func (a *NykaaFashion) InitialCursor() source.Cursor { return nykaaCursor(0, 1) }

func nykaaCursor(category, page int) source.Cursor {
	return source.Cursor(fmt.Sprintf("%d/%d", category, page))
}

func parseNykaaCursor(c source.Cursor) (category, page int, err error) {
	catText, pageText, ok := strings.Cut(string(c), "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid cursor %q", c)
	}
	if category, err = strconv.Atoi(catText); err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q: %w", c, err)
	}
	if page, err = strconv.Atoi(pageText); err != nil {
		return 0, 0, fmt.Errorf("invalid cursor %q: %w", c, err)
	}
	return category, page, nil
}

// FetchPage requests one page of the current category. An empty page moves
// the cursor to the next category.
func (a *NykaaFashion) FetchPage(ctx context.Context, cursor source.Cursor) (source.Page, error) {
	catIdx, page, err := parseNykaaCursor(cursor)
	if err != nil {
		return source.Page{}, source.Permanent(err)
	}
	if catIdx < 0 || catIdx >= len(a.categories) || page < 1 {
		return source.Page{}, source.Permanent(fmt.Errorf("cursor %q out of range", cursor))
	}
	categoryID := a.categories[catIdx]

	query := url.Values{
		"PageSize":      {strconv.Itoa(nykaaPageSize)},
		"filter_format": {"v2"},
		"apiVersion":    {"5"},
		"currency":      {"INR"},
		"counter_code":  {"IN"},
		"deviceType":    {"WEBSITE"},
		"sort":          {"popularity"},
		"device_os":     {"desktop"},
		"sort_algo":     {"default"},
		"categoryId":    {strconv.Itoa(categoryID)},
		"currentPage":   {strconv.Itoa(page)},
	}

	var body nykaaResponse
	if err := a.client.do(ctx, http.MethodGet, a.spec.BaseURL, query, &body); err != nil {
		return source.Page{}, err
	}
	if body.Status != "success" {
		return source.Page{}, source.Transient(fmt.Errorf("platform status %q", body.Status))
	}

	products := body.Response.Products
	if len(products) == 0 {
		logger(a.spec).Debug("category exhausted",
			slog.Int("category", categoryID),
			slog.Int("page", page),
		)
		next := catIdx + 1
		return source.Page{
			Next:    nykaaCursor(next, 1),
			HasMore: next < len(a.categories),
		}, nil
	}

	now := time.Now().UTC()
	category := strconv.Itoa(categoryID)
	records := make([]models.Record, 0, len(products))
	for _, p := range products {
		records = append(records, a.record(p, category, now))
	}
	return source.Page{
		Records: records,
		Next:    nykaaCursor(catIdx, page+1),
		HasMore: true,
	}, nil
}

func (a *NykaaFashion) record(p nykaaProduct, category string, now time.Time) models.Record {
	productURL := ""
	if p.ActionURL != "" {
		productURL = parser.AbsoluteURL(nykaaSite, p.ActionURL)
	}
	price := float64(p.DiscountedPrice)
	if price == 0 {
		price = float64(p.Price)
	}
	available := true
	if p.InStock != nil {
		available = *p.InStock
	}
	return models.Record{
		Source:        nykaaName,
		ProductID:     string(p.ID),
		Title:         parser.CleanText(p.Title + " " + p.SubTitle),
		Brand:         parser.CleanText(p.Title),
		Price:         price,
		OriginalPrice: float64(p.Price),
		Currency:      "INR",
		Available:     available,
		URL:           productURL,
		ImageURLs:     nonEmpty(p.ImageURL),
		CategoryPath:  []string{category},
		ScrapedAt:     now,
	}
}
