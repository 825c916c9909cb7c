package grok

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is sent upstream; every listed coding is decoded here.
const acceptEncoding = "gzip, br, zstd"

// decodeBody wraps body with a streaming decoder for contentEncoding.
// Closing the result closes body.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil

	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return &decodedBody{Reader: zr, closeDecoder: zr.Close, body: body}, nil

	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), body: body}, nil

	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			_ = body.Close()
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return &decodedBody{
			Reader:       zr,
			closeDecoder: func() error { zr.Close(); return nil },
			body:         body,
		}, nil

	default:
		_ = body.Close()
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

type decodedBody struct {
	io.Reader
	closeDecoder func() error
	body         io.Closer
}

func (d *decodedBody) Close() error {
	if d.closeDecoder != nil {
		_ = d.closeDecoder()
	}
	return d.body.Close()
}
