package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware transparently inflates gzip-encoded request bodies, so
// clients syncing large board payloads can compress them and the handlers keep
// decoding plain JSON. A body that does not parse as gzip is rejected with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !gzipEncoded(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			raw := req.Body
			gr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &gzipRequestBody{Reader: gr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

// gzipEncoded reports whether a Content-Encoding header names gzip among its
// (possibly comma-separated) encodings.
func gzipEncoded(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// gzipRequestBody closes both the inflater and the underlying request body.
type gzipRequestBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gzipRequestBody) Close() error {
	var err error
	if g.Reader != nil {
		err = g.Reader.Close()
	}
	if g.raw != nil {
		if cerr := g.raw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
