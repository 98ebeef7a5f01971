// Package cookie builds Set-Cookie header values and describes the cookie set
// that carries session, CSRF, callback URL and OAuth check state between
// requests.
package cookie

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const jsonPrefix = "j:"

// Options controls the attributes rendered for a cookie.
type Options struct {
	// MaxAge is the lifetime in seconds. Positive values render both Max-Age
	// and Expires, negative values expire the cookie immediately. When set it
	// takes precedence over Expires.
	MaxAge   int
	Expires  time.Time
	Domain   string
	Path     string
	HTTPOnly bool
	Secure   bool
	// SameSite accepts lax, strict or none in any letter case.
	SameSite string
}

// ConfigError reports an invalid cookie argument supplied by the host
// application.
type ConfigError struct {
	Option string
	Value  any
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("option %s is invalid", e.Option)
}

// HeaderWriter is satisfied by http.ResponseWriter and by the canonical
// response builder.
type HeaderWriter interface {
	Header() http.Header
}

// Set appends a Set-Cookie value to w. Previously queued cookies are kept in
// order and the new cookie is always last. Invalid options are reported before
// the header is touched.
func Set(w HeaderWriter, name string, value any, opts Options) error {
	serialized, err := Serialize(name, value, opts)
	if err != nil {
		return err
	}

	h := w.Header()
	existing := h.Values("Set-Cookie")
	cookies := make([]string, 0, len(existing)+1)
	cookies = append(cookies, existing...)
	cookies = append(cookies, serialized)
	h["Set-Cookie"] = cookies
	return nil
}

// Expire queues a cookie that removes c from the user agent.
func Expire(w HeaderWriter, c Cookie) error {
	opts := c.Options
	opts.MaxAge = -1
	opts.Expires = time.Time{}
	return Set(w, c.Name, "", opts)
}

// Serialize renders a single Set-Cookie value.
func Serialize(name string, value any, opts Options) (string, error) {
	sameSite, err := normalizeSameSite(opts.SameSite)
	if err != nil {
		return "", err
	}
	if !validFieldContent(name) {
		return "", &ConfigError{Option: "name", Value: name}
	}

	raw, err := stringValue(value)
	if err != nil {
		return "", err
	}
	encoded := escape(raw)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(encoded)

	expires := opts.Expires
	switch {
	case opts.MaxAge > 0:
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(opts.MaxAge))
		expires = time.Now().Add(time.Duration(opts.MaxAge) * time.Second)
	case opts.MaxAge < 0:
		b.WriteString("; Max-Age=0")
		expires = time.Unix(0, 0)
	}

	if opts.Domain != "" {
		if !validFieldContent(opts.Domain) {
			return "", &ConfigError{Option: "domain", Value: opts.Domain}
		}
		b.WriteString("; Domain=")
		b.WriteString(opts.Domain)
	}

	path := opts.Path
	if path == "" {
		path = "/"
	}
	if !validFieldContent(path) {
		return "", &ConfigError{Option: "path", Value: opts.Path}
	}
	b.WriteString("; Path=")
	b.WriteString(path)

	if !expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(expires.UTC().Format(http.TimeFormat))
	}
	if opts.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if opts.Secure {
		b.WriteString("; Secure")
	}
	if sameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(sameSite)
	}

	return b.String(), nil
}

// ParseValue reverses the encoding applied by Set for a cookie value that has
// already been percent-decoded. Plain strings are returned as is.
func ParseValue(raw string) (any, error) {
	if !strings.HasPrefix(raw, jsonPrefix) {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw[len(jsonPrefix):]), &v); err != nil {
		return nil, fmt.Errorf("decode json cookie value: %w", err)
	}
	return v, nil
}

func normalizeSameSite(v string) (string, error) {
	switch strings.ToLower(v) {
	case "":
		return "", nil
	case "lax":
		return "Lax", nil
	case "strict":
		return "Strict", nil
	case "none":
		return "None", nil
	default:
		return "", &ConfigError{Option: "sameSite", Value: v}
	}
}

func stringValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", &ConfigError{Option: "value", Value: value}
	}
	return jsonPrefix + string(b), nil
}

// validFieldContent mirrors the field-content production of RFC 7230.
func validFieldContent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\t' || (c >= 0x20 && c <= 0x7e) || c >= 0x80 {
			continue
		}
		return false
	}
	return true
}

// escape percent-encodes everything except the unreserved characters left
// alone by browsers' encodeURIComponent.
func escape(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
