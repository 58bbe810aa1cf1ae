// Package platforms holds the concrete catalog adapters and the wiring that
// registers them.
package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-catalog-crawler/source"
)

// defaultHeaders are sent with every JSON API request unless a spec overrides them.
var defaultHeaders = map[string]string{
	"content-type": "application/json",
}

// jsonClient performs single JSON API exchanges and classifies every failure.
type jsonClient struct {
	client  *http.Client
	headers map[string]string
}

func newJSONClient(spec source.Spec, opts source.Options) *jsonClient {
	headers := make(map[string]string, len(defaultHeaders)+len(spec.Headers))
	for k, v := range defaultHeaders {
		headers[k] = v
	}
	for k, v := range spec.Headers {
		headers[k] = v
	}
	return &jsonClient{
		client:  opts.Client(),
		headers: headers,
	}
}

// do sends one request and decodes the JSON body into out.
func (c *jsonClient) do(ctx context.Context, method, rawURL string, query url.Values, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return source.Permanent(fmt.Errorf("parse url: %w", err))
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return source.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return source.ClassifyHTTP(0, nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		statusErr := fmt.Errorf("%s %s: status %d", method, u.Redacted(), resp.StatusCode)
		if classified := source.ClassifyHTTP(resp.StatusCode, resp.Header, statusErr); classified != nil {
			return classified
		}
		return source.Permanent(statusErr)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return source.Permanent(fmt.Errorf("unexpected content type %q", contentType))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classifyDecode(err)
	}
	return nil
}

// classifyDecode separates malformed payloads from bodies cut off in transit.
func classifyDecode(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return source.Permanent(fmt.Errorf("decode response: %w", err))
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return source.Transient(fmt.Errorf("truncated response: %w", err))
	default:
		return source.ClassifyHTTP(0, nil, fmt.Errorf("read response: %w", err))
	}
}

// logger returns the adapter-scoped logger.
func logger(spec source.Spec) *slog.Logger {
	return slog.With(slog.String("adapter", spec.Name))
}

// headerValue looks name up case-insensitively, preferring an exact match.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
