package httpadapt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrAlreadyWritten is returned when a Response is materialised twice.
var ErrAlreadyWritten = errors.New("response already written")

// Response accumulates what the flow handlers decide: status, headers
// (including queued Set-Cookie values), body and redirect target. It is built
// per request and written exactly once.
type Response struct {
	status   int
	header   http.Header
	body     any
	redirect string
	ended    bool
	written  bool
}

// NewResponse returns an empty 200 response.
func NewResponse() *Response {
	return &Response{status: http.StatusOK, header: make(http.Header)}
}

// Header exposes the pending headers. Cookies are queued here.
func (r *Response) Header() http.Header { return r.header }

// Status sets the status code.
func (r *Response) Status(code int) *Response {
	r.status = code
	return r
}

// StatusCode returns the pending status code.
func (r *Response) StatusCode() int { return r.status }

// JSON sets a body that is JSON-encoded when written.
func (r *Response) JSON(v any) *Response {
	r.header.Set("Content-Type", "application/json")
	r.body = v
	return r
}

// Send sets a body written verbatim.
func (r *Response) Send(body string) *Response {
	r.body = body
	return r
}

// Redirect sets the redirect target. A redirect wins over any body.
func (r *Response) Redirect(url string) *Response {
	r.redirect = url
	return r
}

// End marks the response complete.
func (r *Response) End() *Response {
	r.ended = true
	return r
}

// Location returns the redirect target, if any.
func (r *Response) Location() string { return r.redirect }

// Body returns the pending body.
func (r *Response) Body() any { return r.body }

// Ended reports whether End was called.
func (r *Response) Ended() bool { return r.ended }

// Cookies returns the queued Set-Cookie values in order.
func (r *Response) Cookies() []string { return r.header.Values("Set-Cookie") }

// Write materialises the response on w. Every queued header is copied, with
// each Set-Cookie value as its own header line, including on redirects.
func (r *Response) Write(w http.ResponseWriter) error {
	if r.written {
		return ErrAlreadyWritten
	}
	r.written = true

	dst := w.Header()
	for k, values := range r.header {
		for _, v := range values {
			dst.Add(k, v)
		}
	}

	if r.redirect != "" {
		status := r.status
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
		dst.Set("Location", r.redirect)
		w.WriteHeader(status)
		return nil
	}

	if r.body == nil {
		w.WriteHeader(r.status)
		return nil
	}

	payload, isText := encodeBody(r.body)
	if dst.Get("Content-Type") == "" {
		if isText {
			dst.Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			dst.Set("Content-Type", "application/json")
		}
	}
	w.WriteHeader(r.status)
	_, err := w.Write(payload)
	return err
}

// encodeBody JSON-encodes structured bodies and passes text through. Values
// that cannot be JSON-encoded fall back to their default formatting.
func encodeBody(body any) ([]byte, bool) {
	switch v := body.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	b, err := json.Marshal(body)
	if err != nil {
		return []byte(fmt.Sprint(body)), true
	}
	return b, false
}
