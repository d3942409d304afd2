package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	sentHeader   http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// later header changes are not part of the response
	t.sentHeader = t.header.Clone()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// StatusCode returns the status code of the response.
// A handler that wrote nothing responded with 200.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Result returns the recorded response.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	header := t.sentHeader
	if !t.wroteHeaders {
		header = t.header.Clone()
	}
	body := append([]byte(nil), t.b.Bytes()...)
	status := t.StatusCode()
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// NewResponseSaver returns a new ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
