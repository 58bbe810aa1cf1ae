// Package source defines the contract every platform adapter implements and
// the registry the crawler resolves adapters from.
package source

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

// Cursor is opaque pagination state. Only the adapter that produced it can
// interpret it.
type Cursor string

// Page is the result of a single FetchPage call.
type Page struct {
	Records []models.Record
	Next    Cursor
	HasMore bool
}

// Adapter is implemented once per platform. FetchPage performs one logical
// request and must return errors classified as *TransientError,
// *PermanentError or *RateLimitSignal.
type Adapter interface {
	Spec() Spec
	InitialCursor() Cursor
	FetchPage(ctx context.Context, cursor Cursor) (Page, error)
}

// Pagination names the strategy an adapter uses to walk its catalog.
type Pagination string

const (
	PaginationOffset    Pagination = "offset"
	PaginationPageToken Pagination = "page_token"
	PaginationCursor    Pagination = "cursor"
)

// RateLimit caps outbound requests to Requests per Per. A zero Requests value
// disables pacing.
type RateLimit struct {
	Requests int
	Per      time.Duration
}

func (r RateLimit) String() string {
	if r.Requests == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%s", r.Requests, r.Per)
}

// Spec is the static description of an adapter.
type Spec struct {
	Name       string
	BaseURL    string
	Pagination Pagination
	RateLimit  RateLimit
	Headers    map[string]string
}

// Clone returns a copy that does not share the header map.
func (s Spec) Clone() Spec {
	out := s
	out.Headers = maps.Clone(s.Headers)
	return out
}

// Validate checks the fields the crawler relies on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	parsed, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL for %s: %w", s.Name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("base URL for %s must include scheme and host", s.Name)
	}
	switch s.Pagination {
	case PaginationOffset, PaginationPageToken, PaginationCursor:
	default:
		return fmt.Errorf("unknown pagination strategy %q for %s", s.Pagination, s.Name)
	}
	if s.RateLimit.Requests < 0 {
		return fmt.Errorf("rate limit for %s cannot be negative", s.Name)
	}
	if s.RateLimit.Requests > 0 && s.RateLimit.Per <= 0 {
		return fmt.Errorf("rate limit interval for %s must be positive", s.Name)
	}
	return nil
}

// Options are the static per-adapter overrides supplied at construction.
// Zero values keep the adapter's defaults.
type Options struct {
	BaseURL    string
	Headers    map[string]string
	RateLimit  *RateLimit
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Transport replaces the HTTP transport while keeping the adapter's own
	// client settings; tests install mock transports through it.
	Transport http.RoundTripper
}

// Apply merges the overrides into a default spec.
func (o Options) Apply(spec Spec) Spec {
	out := spec.Clone()
	if o.BaseURL != "" {
		out.BaseURL = o.BaseURL
	}
	if o.RateLimit != nil {
		out.RateLimit = *o.RateLimit
	}
	if len(o.Headers) > 0 {
		if out.Headers == nil {
			out.Headers = make(map[string]string, len(o.Headers))
		}
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	if o.UserAgent != "" {
		if out.Headers == nil {
			out.Headers = make(map[string]string, 1)
		}
		out.Headers["User-Agent"] = o.UserAgent
	}
	return out
}

// Client returns the HTTP client an adapter should use.
func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if o.Transport != nil {
		client.Transport = o.Transport
	}
	return client
}
