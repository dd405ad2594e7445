package models

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// DecodeContent undoes a Content-Encoding for inspection. Unknown or absent
// encodings return the body unchanged.
func DecodeContent(body []byte, encoding string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Servers disagree on whether deflate carries a zlib header.
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			r = flate.NewReader(bytes.NewReader(body))
		} else {
			defer zr.Close()
			r = zr
		}
	default:
		return body, nil
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", encoding, err)
	}
	return out, nil
}

// DecodedContent returns the request body with its Content-Encoding removed.
func (r *Request) DecodedContent() ([]byte, error) {
	return DecodeContent(r.Content, r.Headers.Get("Content-Encoding"))
}

// DecodedContent returns the response body with its Content-Encoding removed.
func (r *Response) DecodedContent() ([]byte, error) {
	return DecodeContent(r.Content, r.Headers.Get("Content-Encoding"))
}
