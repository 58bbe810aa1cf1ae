// Package parser normalizes raw platform fields into record values.
package parser

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// ValidateRecord ensures an adapter populated the required fields.
func ValidateRecord(r *models.Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("record missing source")
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return fmt.Errorf("record missing product id for %q", r.Title)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("record %s missing title", r.ProductID)
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("record %s missing url", r.ProductID)
	}
	if r.Price < 0 || r.OriginalPrice < 0 {
		return fmt.Errorf("record %s has negative price", r.ProductID)
	}
	return nil
}

// ParsePrice extracts a numeric amount from text such as "₹ 1,299.00",
// "Rs. 899" or "1299". Empty or unparsable input yields 0.
func ParsePrice(text string) float64 {
	var b strings.Builder
	seenDot := false
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !seenDot && b.Len() > 0:
			seenDot = true
			b.WriteRune(r)
		case r == ',':
		case unicode.IsSpace(r):
			// Whitespace only pads the currency symbol. After the first digit
			// it ends the amount, so "1,299 1,599" keeps 1299.
			if b.Len() > 0 {
				return parseFloat(b.String())
			}
		default:
			if b.Len() > 0 && r != '.' {
				// Stop at the first non-numeric rune after the amount began,
				// e.g. "899 - 1,299" keeps the lower bound.
				return parseFloat(b.String())
			}
		}
	}
	return parseFloat(b.String())
}

func parseFloat(s string) float64 {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// AbsoluteURL resolves ref against base. Empty refs stay empty.
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// LastPathSegment returns the final segment of a URL path or a "/"-separated
// identifier such as "gid://shopify/Product/123".
func LastPathSegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	return path.Base(strings.TrimRight(raw, "/"))
}

// CleanText collapses runs of whitespace.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
