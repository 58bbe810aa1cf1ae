// Package models defines data structures shared by adapters, sinks and the crawler.
package models

import (
	"strconv"
	"strings"
	"time"
)

// Record is a normalized catalog product emitted by every adapter.
type Record struct {
	Source        string    `csv:"source" json:"source"`
	ProductID     string    `csv:"product_id" json:"product_id"`
	Title         string    `csv:"title" json:"title"`
	Brand         string    `csv:"brand" json:"brand,omitempty"`
	Price         float64   `csv:"price" json:"price"`
	OriginalPrice float64   `csv:"original_price" json:"original_price,omitempty"`
	Currency      string    `csv:"currency" json:"currency,omitempty"`
	Available     bool      `csv:"available" json:"available"`
	URL           string    `csv:"url" json:"url"`
	ImageURLs     []string  `csv:"image_urls" json:"image_urls,omitempty"`
	CategoryPath  []string  `csv:"category_path" json:"category_path,omitempty"`
	ScrapedAt     time.Time `csv:"scraped_at" json:"scraped_at"`
}

// CSVHeader is the fixed column order of every CSV artifact.
var CSVHeader = []string{
	"source",
	"product_id",
	"title",
	"brand",
	"price",
	"original_price",
	"currency",
	"available",
	"url",
	"image_urls",
	"category_path",
	"scraped_at",
}

const (
	imageSeparator    = "|"
	categorySeparator = " > "
)

// Key identifies a record within one crawl.
func (r Record) Key() string {
	return r.Source + "\x00" + r.ProductID
}

// CSVRow renders the record in CSVHeader order.
func (r Record) CSVRow() []string {
	return []string{
		r.Source,
		r.ProductID,
		r.Title,
		r.Brand,
		formatPrice(r.Price),
		formatPrice(r.OriginalPrice),
		r.Currency,
		strconv.FormatBool(r.Available),
		r.URL,
		strings.Join(r.ImageURLs, imageSeparator),
		strings.Join(r.CategoryPath, categorySeparator),
		r.ScrapedAt.UTC().Format(time.RFC3339),
	}
}

func formatPrice(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
