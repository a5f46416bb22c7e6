package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that captures the
// response while passing it through to the client.
// The captured status, headers and body feed the cache write path after the
// origin has finished rendering.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	// CreatedAt is the capture time, used as the cache entry's TTL clock.
	CreatedAt time.Time
}

// NewResponseSaver returns a new ResponseSaver.
// If w is nil the response is only captured, not sent anywhere (used by
// background preload fetches).
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	t.wroteHeaders = true
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		t.rw.Write(b)
	}
	return t.b.Write(b)
}

// Body returns the captured response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
