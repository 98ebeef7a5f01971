// Package httpadapt is the seam between net/http and the flow dispatcher. It
// flattens an *http.Request into a canonical Request and materialises a
// canonical Response onto an http.ResponseWriter.
package httpadapt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// RootSegment is the path segment under which every flow action lives.
const RootSegment = "auth"

// MaxBodyBytes caps the request body read by AdaptRequest.
const MaxBodyBytes = 1 << 20

var (
	// ErrNilRequest is returned when no request is supplied.
	ErrNilRequest = errors.New("request required")
	// ErrBodyTooLarge is returned for bodies above the 1 MiB limit.
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrUnsupportedMediaType is returned for bodies that are neither JSON
	// nor form encoded.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// Request is the framework-neutral view of an inbound request.
type Request struct {
	Method   string
	URL      string
	Query    map[string]string
	Headers  map[string]string
	Cookies  map[string]string
	Body     map[string]string
	Referrer string

	// NextAuth holds the path segments following the auth root, for example
	// ["callback", "github"].
	NextAuth []string
	// Action and ProviderID are resolved from NextAuth.
	Action     string
	ProviderID string
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	return r.Headers[http.CanonicalHeaderKey(name)]
}

// Param returns a value from the body, falling back to the query string.
func (r *Request) Param(name string) string {
	if v, ok := r.Body[name]; ok {
		return v
	}
	return r.Query[name]
}

// Secure reports whether the request arrived over HTTPS.
func (r *Request) Secure() bool {
	return strings.HasPrefix(r.URL, "https://")
}

// AdaptRequest builds the canonical request for r. The body is read once and
// put back as an identical reader so the caller can still consume it.
func AdaptRequest(r *http.Request) (*Request, error) {
	if r == nil {
		return nil, ErrNilRequest
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ", ")
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		if _, seen := cookies[c.Name]; seen {
			continue
		}
		value, err := url.PathUnescape(c.Value)
		if err != nil {
			value = c.Value
		}
		cookies[c.Name] = value
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	segments := nextAuthSegments(r.URL.Path)
	req := &Request{
		Method:   r.Method,
		URL:      absoluteURL(r),
		Query:    query,
		Headers:  headers,
		Cookies:  cookies,
		Body:     body,
		Referrer: r.Header.Get("Referer"),
		NextAuth: segments,
	}
	if len(segments) > 0 {
		req.Action = segments[0]
	}
	if len(segments) > 1 {
		req.ProviderID = segments[1]
	}
	return req, nil
}

func nextAuthSegments(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for i, p := range parts {
		if p == RootSegment {
			rest := parts[i+1:]
			if len(rest) == 0 {
				return nil
			}
			out := make([]string, len(rest))
			copy(out, rest)
			return out
		}
	}
	return nil
}

func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func readBody(r *http.Request) (map[string]string, error) {
	out := make(map[string]string)
	if r.Body == nil || r.Body == http.NoBody {
		return out, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(raw) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	if len(raw) == 0 {
		return out, nil
	}

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		for k, v := range decoded {
			out[k] = flatten(v)
		}
	case "", "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode form body: %w", err)
		}
		for k, v := range values {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	case "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(raw), params["boundary"]).ReadForm(MaxBodyBytes)
		if err != nil {
			return nil, fmt.Errorf("decode multipart body: %w", err)
		}
		defer form.RemoveAll()
		for k, v := range form.Value {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
	return out, nil
}

func flatten(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, float64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
