package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-catalog-crawler/models"
	"github.com/aluiziolira/go-catalog-crawler/parser"
	"github.com/aluiziolira/go-catalog-crawler/source"
)

const (
	inMyPrimeName = "inmyprime"
	inMyPrimeURL  = "https://www.inmyprime.in/collections/all-products"
	inMyPrimeSite = "https://www.inmyprime.in/"

	ctxRecords     = "records"
	ctxStatus      = "status"
	ctxHeaders     = "headers"
	ctxContentType = "content_type"
)

// InMyPrime scrapes the storefront's HTML collection pages (?page=N).
type InMyPrime struct {
	spec      source.Spec
	collector *colly.Collector
}

// NewInMyPrime builds a synchronous collector. Each FetchPage is one colly
// request carrying its own context, so retries of the same URL are allowed.
func NewInMyPrime(opts source.Options) (source.Adapter, error) {
	spec := opts.Apply(source.Spec{
		Name:       inMyPrimeName,
		BaseURL:    inMyPrimeURL,
		Pagination: source.PaginationOffset,
		RateLimit:  source.RateLimit{Requests: 1, Per: 2 * time.Second},
	})

	collectorOpts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if ua := headerValue(spec.Headers, "User-Agent"); ua != "" {
		collectorOpts = append(collectorOpts, colly.UserAgent(ua))
	}
	c := colly.NewCollector(collectorOpts...)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	switch {
	case opts.Transport != nil:
		c.WithTransport(opts.Transport)
	case opts.HTTPClient != nil && opts.HTTPClient.Transport != nil:
		c.WithTransport(opts.HTTPClient.Transport)
	}

	a := &InMyPrime{spec: spec, collector: c}
	a.configureHandlers()
	return a, nil
}

func (a *InMyPrime) configureHandlers() {
	a.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxStatus, r.StatusCode)
		r.Ctx.Put(ctxContentType, r.Headers.Get("Content-Type"))
	})

	a.collector.OnError(func(r *colly.Response, err error) {
		if r == nil {
			return
		}
		r.Ctx.Put(ctxStatus, r.StatusCode)
		if r.Headers != nil {
			r.Ctx.Put(ctxHeaders, *r.Headers)
		}
	})

	a.collector.OnHTML("li.grid__item", func(e *colly.HTMLElement) {
		rec, ok := productFromCard(e.DOM, inMyPrimeSite)
		if !ok {
			return
		}
		records, _ := e.Request.Ctx.GetAny(ctxRecords).([]models.Record)
		e.Request.Ctx.Put(ctxRecords, append(records, rec))
	})
}

func (a *InMyPrime) Spec() source.Spec            { return a.spec.Clone() }
func (a *InMyPrime) InitialCursor() source.Cursor { return "1" }

// FetchPage loads one collection page. A page without product cards ends the
// crawl.
func (a *InMyPrime) FetchPage(ctx context.Context, cursor source.Cursor) (source.Page, error) {
	page, err := strconv.Atoi(string(cursor))
	if err != nil || page < 1 {
		return source.Page{}, source.Permanent(fmt.Errorf("invalid cursor %q", cursor))
	}
	// colly requests are bounded by the collector timeout, not by ctx.
	if err := ctx.Err(); err != nil {
		return source.Page{}, err
	}

	pageURL := fmt.Sprintf("%s?page=%d", a.spec.BaseURL, page)
	hdr := http.Header{}
	for k, v := range a.spec.Headers {
		if strings.EqualFold(k, "User-Agent") {
			continue
		}
		hdr.Set(k, v)
	}

	cctx := colly.NewContext()
	reqErr := a.collector.Request(http.MethodGet, pageURL, nil, cctx, hdr)

	status, _ := cctx.GetAny(ctxStatus).(int)
	if reqErr != nil {
		header, _ := cctx.GetAny(ctxHeaders).(http.Header)
		if classified := source.ClassifyHTTP(status, header, fmt.Errorf("GET %s: %w", pageURL, reqErr)); classified != nil {
			return source.Page{}, classified
		}
		return source.Page{}, source.Permanent(reqErr)
	}

	contentType, _ := cctx.GetAny(ctxContentType).(string)
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return source.Page{}, source.Permanent(fmt.Errorf("unexpected content type %q", contentType))
	}

	records, _ := cctx.GetAny(ctxRecords).([]models.Record)
	if len(records) == 0 {
		logger(a.spec).Debug("no product items found")
		return source.Page{}, nil
	}
	return source.Page{
		Records: records,
		Next:    source.Cursor(strconv.Itoa(page + 1)),
		HasMore: true,
	}, nil
}

var errNoProductLink = errors.New("card has no product link")

// productFromCard extracts a record from a collection grid item.
func productFromCard(card *goquery.Selection, base string) (models.Record, bool) {
	rec, err := parseCard(card, base)
	return rec, err == nil
}

func parseCard(card *goquery.Selection, base string) (models.Record, error) {
	link := card.Find("div.card__information a").First()
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return models.Record{}, errNoProductLink
	}

	productURL := parser.AbsoluteURL(base, strings.TrimLeft(href, "/"))
	price := parser.ParsePrice(card.Find(".price-item--sale").First().Text())
	regular := parser.ParsePrice(card.Find(".price-item--regular").First().Text())
	if price == 0 {
		price = regular
	}

	var images []string
	card.Find("img").Each(func(_ int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok {
			if abs := parser.AbsoluteURL(base, src); abs != "" {
				images = append(images, abs)
			}
		}
	})

	soldOut := card.Find(".badge").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(strings.ToLower(s.Text()), "sold out")
	}).Length() > 0

	return models.Record{
		Source:        inMyPrimeName,
		ProductID:     parser.LastPathSegment(productURL),
		Title:         parser.CleanText(link.Text()),
		Brand:         "InMyPrime",
		Price:         price,
		OriginalPrice: regular,
		Currency:      "INR",
		Available:     !soldOut,
		URL:           productURL,
		ImageURLs:     images,
		ScrapedAt:     time.Now().UTC(),
	}, nil
}
