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
	tataCliqName     = "tatacliq"
	tataCliqAPI      = "https://searchbff.tatacliq.com/products/mpl/search"
	tataCliqSite     = "https://www.tatacliq.com/"
	tataCliqSearch   = ":relevance:category:MSH1116100:inStockFlag:true"
	tataCliqPageSize = 200
)

type tataCliqResponse struct {
	Error        any               `json:"error"`
	SearchResult []tataCliqProduct `json:"searchresult"`
	Pagination   struct {
		TotalPages int `json:"totalPages"`
	} `json:"pagination"`
}

type tataCliqProduct struct {
	ProductID   flexString `json:"productId"`
	ProductName string     `json:"productname"`
	BrandName   string     `json:"brandname"`
	WebURL      string     `json:"webURL"`
	ImageURL    string     `json:"imageURL"`
	Price       struct {
		SellingPrice struct {
			DoubleValue flexPrice `json:"doubleValue"`
		} `json:"sellingPrice"`
		MRPPrice struct {
			DoubleValue flexPrice `json:"doubleValue"`
		} `json:"mrpPrice"`
	} `json:"price"`
	StockCount *int `json:"stockCount"`
}

// TataCliq walks the search BFF page by page; pages are zero-based.
type TataCliq struct {
	spec   source.Spec
	client *jsonClient
}

// NewTataCliq builds the adapter from opts.
func NewTataCliq(opts source.Options) (source.Adapter, error) {
	spec := opts.Apply(source.Spec{
		Name:       tataCliqName,
		BaseURL:    tataCliqAPI,
		Pagination: source.PaginationOffset,
		RateLimit:  source.RateLimit{Requests: 1, Per: 2 * time.Second},
	})
	return &TataCliq{spec: spec, client: newJSONClient(spec, opts)}, nil
}

func (a *TataCliq) Spec() source.Spec            { return a.spec.Clone() }
func (a *TataCliq) InitialCursor() source.Cursor { return "0" }

// FetchPage requests one search page.
func (a *TataCliq) FetchPage(ctx context.Context, cursor source.Cursor) (source.Page, error) {
	page, err := strconv.Atoi(string(cursor))
	if err != nil || page < 0 {
		return source.Page{}, source.Permanent(fmt.Errorf("invalid cursor %q", cursor))
	}

	query := url.Values{
		"searchText":               {tataCliqSearch},
		"isKeywordRedirect":        {"true"},
		"isKeywordRedirectEnabled": {"true"},
		"channel":                  {"WEB"},
		"isMDE":                    {"true"},
		"isTextSearch":             {"false"},
		"isFilter":                 {"false"},
		"qc":                       {"false"},
		"isSuggested":              {"false"},
		"isPwa":                    {"true"},
		"pageSize":                 {strconv.Itoa(tataCliqPageSize)},
		"typeID":                   {"all"},
		"page":                     {strconv.Itoa(page)},
	}

	var body tataCliqResponse
	if err := a.client.do(ctx, http.MethodGet, a.spec.BaseURL, query, &body); err != nil {
		return source.Page{}, err
	}
	if truthy(body.Error) {
		return source.Page{}, source.Transient(fmt.Errorf("platform error: %v", body.Error))
	}
	if len(body.SearchResult) == 0 {
		logger(a.spec).Debug("no product data found", slog.Int("page", page))
		return source.Page{}, nil
	}

	now := time.Now().UTC()
	records := make([]models.Record, 0, len(body.SearchResult))
	for _, p := range body.SearchResult {
		records = append(records, a.record(p, now))
	}

	next := page + 1
	return source.Page{
		Records: records,
		Next:    source.Cursor(strconv.Itoa(next)),
		HasMore: next < body.Pagination.TotalPages,
	}, nil
}

func (a *TataCliq) record(p tataCliqProduct, now time.Time) models.Record {
	productURL := ""
	if path := strings.TrimLeft(p.WebURL, "/"); path != "" {
		productURL = tataCliqSite + path
	}
	available := true
	if p.StockCount != nil {
		available = *p.StockCount > 0
	}
	return models.Record{
		Source:        tataCliqName,
		ProductID:     string(p.ProductID),
		Title:         parser.CleanText(p.ProductName),
		Brand:         parser.CleanText(p.BrandName),
		Price:         float64(p.Price.SellingPrice.DoubleValue),
		OriginalPrice: float64(p.Price.MRPPrice.DoubleValue),
		Currency:      "INR",
		Available:     available,
		URL:           productURL,
		ImageURLs:     nonEmpty(parser.AbsoluteURL(tataCliqSite, p.ImageURL)),
		ScrapedAt:     now,
	}
}
