package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseToBytes snapshots a response into its HTTP/1.1 representation.
// The body is read in full and replaced, so the caller can still read
// res.Body afterwards; the stored bytes and the live response never share
// a reader.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	snapshot := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        res.Header.Clone(),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
	if snapshot.Header == nil {
		snapshot.Header = make(http.Header)
	}
	// the body is no longer encoded for transport
	snapshot.Header.Del("Transfer-Encoding")
	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a snapshot back into a response for the given request.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Clone returns an independently readable copy of the response.
// The original response body is replaced as well.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	cp := *res
	cp.Header = res.Header.Clone()
	cp.Body = io.NopCloser(bytes.NewReader(body))
	return &cp, nil
}

// readBody drains and closes the body, putting back an in-memory copy.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}
